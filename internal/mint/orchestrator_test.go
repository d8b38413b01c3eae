package mint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/cert-engine/internal/chain"
	"github.com/terra-clan/cert-engine/internal/chain/chaintest"
	"github.com/terra-clan/cert-engine/internal/metrics"
	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/pinning/pinningtest"
	"github.com/terra-clan/cert-engine/internal/storage"
	"github.com/terra-clan/cert-engine/internal/templates"
)

const wallet = "0x9fB29AAc15b9A4B7F17c3385939b007540f4d791"

type fixture struct {
	repo      *storage.MemoryRepository
	chain     *chaintest.Chain
	publisher *pinningtest.Provider
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := storage.NewMemoryRepository()
	fc := chaintest.New()
	pub := pinningtest.New()
	orch := NewOrchestrator(repo, templates.NewLoader(), pub, fc, metrics.New(), Config{
		ConfirmTimeout: 60 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		LeaseTTL:       time.Minute,
	})

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, repo.CreateActivity(ctx, &models.Activity{
		ID:          "act-1",
		Kind:        models.KindHackathon,
		Title:       "Chain Hack",
		OrganizerID: "org-1",
		StartAt:     now.Add(-48 * time.Hour),
		EndAt:       now.Add(-24 * time.Hour),
	}))
	require.NoError(t, repo.CreateCertificateRequest(ctx, &models.CertificateRequest{
		ID:              "req-1",
		ActivityID:      "act-1",
		ParticipantID:   "user-1",
		IssuedBy:        "org-1",
		CertificateType: "winner1",
		Status:          models.CertificatePending,
		RequestedAt:     time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}))

	return &fixture{repo: repo, chain: fc, publisher: pub, orch: orch}
}

func (f *fixture) begin(t *testing.T) (*models.CertificateRequest, storage.Lease) {
	t.Helper()
	lease := f.orch.NewLease()
	req, err := f.repo.BeginMint(context.Background(), "req-1", "user-1",
		storage.Recipient{Address: wallet, Name: "Ada Lovelace"}, lease)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req, lease
}

func (f *fixture) stored(t *testing.T) *models.CertificateRequest {
	t.Helper()
	req, err := f.repo.GetCertificateRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func TestRunConfirmed(t *testing.T) {
	f := newFixture(t)
	f.chain.SetStatus(chain.StatusConfirmed)
	req, lease := f.begin(t)

	result, err := f.orch.Run(context.Background(), req, lease)
	require.NoError(t, err)

	assert.Equal(t, models.CertificateMinted, result.Status)
	assert.NotEmpty(t, result.TransactionHash)
	assert.NotNil(t, result.MintedAt)

	stored := f.stored(t)
	assert.Equal(t, models.CertificateMinted, stored.Status)
	require.NotNil(t, stored.BlockNumber)
	assert.Equal(t, uint64(100), *stored.BlockNumber)
	assert.NotEmpty(t, stored.ImageURI)
	assert.Equal(t, result.TokenURI, stored.TokenURI)
	assert.Empty(t, stored.LeaseOwner)

	prepared, broadcast := f.chain.Counts()
	assert.Equal(t, 1, prepared)
	assert.Equal(t, 1, broadcast)
}

func TestRunPublishesTokenMetadata(t *testing.T) {
	f := newFixture(t)
	f.chain.SetStatus(chain.StatusConfirmed)
	req, lease := f.begin(t)

	result, err := f.orch.Run(context.Background(), req, lease)
	require.NoError(t, err)

	doc, ok := f.publisher.Documents[result.TokenURI]
	require.True(t, ok)

	var meta tokenMetadata
	require.NoError(t, json.Unmarshal(doc, &meta))
	assert.Equal(t, "Chain Hack Certificate", meta.Name)
	assert.Equal(t, f.stored(t).ImageURI, meta.Image)
	assert.NotEmpty(t, meta.Description)
	assert.Equal(t, []tokenAttribute{
		{TraitType: "Activity", Value: "Chain Hack"},
		{TraitType: "Recipient", Value: "Ada Lovelace"},
		{TraitType: "Date", Value: "2026-03-14"},
		{TraitType: "Certificate Type", Value: "winner1"},
	}, meta.Attributes)
}

func TestRunRevertReturnsToPending(t *testing.T) {
	f := newFixture(t)
	f.chain.SetStatus(chain.StatusReverted)
	req, lease := f.begin(t)

	_, err := f.orch.Run(context.Background(), req, lease)
	assert.ErrorIs(t, err, models.ErrMintReverted)

	stored := f.stored(t)
	assert.Equal(t, models.CertificatePending, stored.Status)
	assert.Empty(t, stored.TransactionHash)
	assert.NotEmpty(t, stored.ImageURI)
	assert.NotEmpty(t, stored.TokenURI)
	assert.Contains(t, stored.LastError, "reverted")
}

func TestRunTimeoutStaysMinting(t *testing.T) {
	f := newFixture(t)
	req, lease := f.begin(t)

	result, err := f.orch.Run(context.Background(), req, lease)
	require.NoError(t, err)
	assert.Equal(t, models.CertificateMinting, result.Status)
	assert.NotEmpty(t, result.TransactionHash)

	stored := f.stored(t)
	assert.Equal(t, models.CertificateMinting, stored.Status)
	assert.Equal(t, result.TransactionHash, stored.TransactionHash)
	assert.Empty(t, stored.LeaseOwner)
}

func TestResumeRebroadcastsSameTransaction(t *testing.T) {
	f := newFixture(t)
	req, lease := f.begin(t)

	first, err := f.orch.Run(context.Background(), req, lease)
	require.NoError(t, err)
	require.Equal(t, models.CertificateMinting, first.Status)

	second, err := f.orch.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.TransactionHash, second.TransactionHash)

	prepared, broadcast := f.chain.Counts()
	assert.Equal(t, 1, prepared)
	assert.Equal(t, 2, broadcast)
	assert.Equal(t, f.chain.Broadcasted[0], f.chain.Broadcasted[1])
	assert.Equal(t, 2, f.publisher.Calls())
}

func TestResumeAfterConfirmationSkipsBroadcast(t *testing.T) {
	f := newFixture(t)
	req, lease := f.begin(t)

	first, err := f.orch.Run(context.Background(), req, lease)
	require.NoError(t, err)

	f.chain.SetStatus(chain.StatusConfirmed)
	result, err := f.orch.Resume(context.Background(), "req-1")
	require.NoError(t, err)

	assert.Equal(t, models.CertificateMinted, result.Status)
	assert.Equal(t, first.TransactionHash, result.TransactionHash)

	prepared, broadcast := f.chain.Counts()
	assert.Equal(t, 1, prepared)
	assert.Equal(t, 1, broadcast)
}

func TestPublishFailureReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.publisher.SetErr(errors.New("pinning service down"))
	req, lease := f.begin(t)

	_, err := f.orch.Run(context.Background(), req, lease)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExternalDependency)

	stored := f.stored(t)
	assert.Equal(t, models.CertificateMinting, stored.Status)
	assert.Empty(t, stored.LeaseOwner)
	assert.Contains(t, stored.LastError, "publish image")

	f.publisher.SetErr(nil)
	f.chain.SetStatus(chain.StatusConfirmed)
	result, err := f.orch.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.CertificateMinted, result.Status)
}

func TestResumeSkipsPublishedArtifacts(t *testing.T) {
	f := newFixture(t)
	f.chain.BroadcastErr = errors.New("rpc unavailable")
	req, lease := f.begin(t)

	_, err := f.orch.Run(context.Background(), req, lease)
	require.ErrorIs(t, err, models.ErrExternalDependency)
	assert.Equal(t, 2, f.publisher.Calls())

	f.chain.BroadcastErr = nil
	f.chain.SetStatus(chain.StatusConfirmed)
	result, err := f.orch.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.CertificateMinted, result.Status)

	assert.Equal(t, 2, f.publisher.Calls())
	prepared, _ := f.chain.Counts()
	assert.Equal(t, 1, prepared)
}

func TestDroppedTransactionIsResigned(t *testing.T) {
	f := newFixture(t)
	f.chain.DropNext = 1
	f.chain.SetStatus(chain.StatusConfirmed)
	req, lease := f.begin(t)

	result, err := f.orch.Run(context.Background(), req, lease)
	require.NoError(t, err)

	prepared, broadcast := f.chain.Counts()
	assert.Equal(t, 2, prepared)
	assert.Equal(t, 1, broadcast)
	assert.Equal(t, f.chain.Prepared[1].Hash, result.TransactionHash)
}

func TestUncertainBroadcastKeepsTransaction(t *testing.T) {
	f := newFixture(t)
	f.chain.BroadcastErr = errors.New("nonce already used, receipt lookup failed: internal error")
	req, lease := f.begin(t)

	_, err := f.orch.Run(context.Background(), req, lease)
	require.ErrorIs(t, err, models.ErrExternalDependency)
	assert.NotErrorIs(t, err, chain.ErrTxDropped)

	stored, err := f.repo.GetCertificateRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.CertificateMinting, stored.Status)
	require.Len(t, f.chain.Prepared, 1)
	assert.Equal(t, f.chain.Prepared[0].Hash, stored.TransactionHash)

	f.chain.BroadcastErr = nil
	f.chain.SetStatus(chain.StatusConfirmed)
	result, err := f.orch.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, f.chain.Prepared[0].Hash, result.TransactionHash)
	prepared, _ := f.chain.Counts()
	assert.Equal(t, 1, prepared)
}

func TestResumeWhileLeaseHeld(t *testing.T) {
	f := newFixture(t)
	f.begin(t)

	_, err := f.orch.Resume(context.Background(), "req-1")
	assert.ErrorIs(t, err, models.ErrMintInProgress)
}

func TestLostLeaseStopsRun(t *testing.T) {
	f := newFixture(t)
	req, _ := f.begin(t)

	_, err := f.orch.Run(context.Background(), req, storage.Lease{Owner: "someone-else"})
	assert.ErrorIs(t, err, models.ErrMintInProgress)
	assert.Equal(t, 0, func() int { p, _ := f.chain.Counts(); return p }())
}
