package certificates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/storage"
)

// Minter runs the mint saga for a request already moved to minting
type Minter interface {
	NewLease() storage.Lease
	Run(ctx context.Context, req *models.CertificateRequest, lease storage.Lease) (*models.MintResult, error)
	Resume(ctx context.Context, requestID string) (*models.MintResult, error)
}

// Limiter throttles repeated actions per key
type Limiter interface {
	Allow(ctx context.Context, action, key string) error
}

// Ledger owns the certificate request lifecycle: pending → minting → minted,
// with pending → rejected as the only other exit.
type Ledger struct {
	repo    storage.Repository
	minter  Minter
	limiter Limiter
	now     func() time.Time
}

// NewLedger creates a certificate ledger. limiter may be nil.
func NewLedger(repo storage.Repository, minter Minter, limiter Limiter) *Ledger {
	return &Ledger{
		repo:    repo,
		minter:  minter,
		limiter: limiter,
		now:     time.Now,
	}
}

// Issue creates a pending certificate request for a registered participant
func (l *Ledger) Issue(ctx context.Context, activityID string, caller *models.Identity, in models.IssueCertificateRequest) (*models.CertificateRequest, error) {
	activity, err := l.organizedActivity(ctx, activityID, caller)
	if err != nil {
		return nil, err
	}

	if !models.AllowsCertificateType(activity.Kind, in.CertificateType) {
		return nil, models.ErrInvalidCertType
	}

	registered, err := l.repo.IsParticipant(ctx, activityID, in.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("failed to check registration: %w", err)
	}
	if !registered {
		return nil, models.ErrNotRegistered
	}

	req := &models.CertificateRequest{
		ID:              uuid.New().String(),
		ActivityID:      activityID,
		ParticipantID:   in.ParticipantID,
		IssuedBy:        caller.ID,
		CertificateType: in.CertificateType,
		Status:          models.CertificatePending,
		RequestedAt:     l.now().UTC(),
	}
	req.UpdatedAt = req.RequestedAt

	if err := l.repo.CreateCertificateRequest(ctx, req); err != nil {
		return nil, err
	}

	slog.Info("certificate issued",
		"id", req.ID,
		"activity_id", activityID,
		"participant_id", in.ParticipantID,
		"type", in.CertificateType,
	)
	return req, nil
}

// ListPendingFor lists the pending requests addressed to identityID
func (l *Ledger) ListPendingFor(ctx context.Context, identityID string) ([]*models.PendingCertificate, error) {
	pending, err := l.repo.ListPendingCertificates(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending certificates: %w", err)
	}
	return pending, nil
}

// ListForParticipant lists every request addressed to identityID
func (l *Ledger) ListForParticipant(ctx context.Context, identityID string, filters models.CertificateFilters) ([]*models.CertificateRequest, error) {
	filters.ActivityID = ""
	filters.ParticipantID = identityID
	list, err := l.repo.ListCertificateRequests(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return list, nil
}

// ListForActivity lists the requests of an activity for its organizer
func (l *Ledger) ListForActivity(ctx context.Context, activityID string, caller *models.Identity, filters models.CertificateFilters) ([]*models.CertificateRequest, error) {
	if _, err := l.organizedActivity(ctx, activityID, caller); err != nil {
		return nil, err
	}

	filters.ActivityID = activityID
	list, err := l.repo.ListCertificateRequests(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return list, nil
}

// Get returns a request visible to its participant, the activity organizer or an admin
func (l *Ledger) Get(ctx context.Context, id string, caller *models.Identity) (*models.CertificateRequest, error) {
	req, err := l.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ParticipantID == caller.ID || caller.Role == models.RoleAdmin {
		return req, nil
	}
	if _, err := l.organizedActivity(ctx, req.ActivityID, caller); err != nil {
		return nil, models.ErrNotOwner
	}
	return req, nil
}

// Accept moves a pending request to minting under a fresh lease and runs the mint saga.
// Of two concurrent accepts exactly one wins the transition; the other gets NOT_PENDING.
func (l *Ledger) Accept(ctx context.Context, id string, caller *models.Identity, walletAddress string) (*models.MintResult, error) {
	if !common.IsHexAddress(walletAddress) {
		return nil, models.ErrInvalidWalletAddress
	}
	if l.limiter != nil {
		if err := l.limiter.Allow(ctx, "mint", caller.ID); err != nil {
			return nil, err
		}
	}

	lease := l.minter.NewLease()
	recipient := storage.Recipient{
		Address: common.HexToAddress(walletAddress).Hex(),
		Name:    caller.DisplayName(),
	}

	req, err := l.repo.BeginMint(ctx, id, caller.ID, recipient, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to begin mint: %w", err)
	}
	if req == nil {
		return nil, l.whyNotPending(ctx, id, caller)
	}

	slog.Info("certificate accepted", "id", id, "participant_id", caller.ID, "recipient", recipient.Address)
	return l.minter.Run(ctx, req, lease)
}

// Reject declines a pending request on behalf of the activity organizer
func (l *Ledger) Reject(ctx context.Context, id string, caller *models.Identity) (*models.CertificateRequest, error) {
	req, err := l.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := l.organizedActivity(ctx, req.ActivityID, caller); err != nil {
		return nil, err
	}

	at := l.now().UTC()
	ok, err := l.repo.RejectCertificateRequest(ctx, id, at)
	if err != nil {
		return nil, fmt.Errorf("failed to reject certificate: %w", err)
	}
	if !ok {
		return nil, models.ErrNotPending
	}

	req.Status = models.CertificateRejected
	req.UpdatedAt = at
	slog.Info("certificate rejected", "id", id, "by", caller.ID)
	return req, nil
}

// Resume re-runs the saga of a minting request whose lease is free
func (l *Ledger) Resume(ctx context.Context, id string, caller *models.Identity) (*models.MintResult, error) {
	req, err := l.owned(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if req.Status != models.CertificateMinting {
		return nil, models.ErrNotMinting
	}
	if req.LeaseHeld(l.now()) {
		return nil, models.ErrMintInProgress
	}
	return l.minter.Resume(ctx, id)
}

// Cancel returns a minting request to pending when nothing was signed and no worker holds it
func (l *Ledger) Cancel(ctx context.Context, id string, caller *models.Identity) (*models.CertificateRequest, error) {
	req, err := l.owned(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if req.Status != models.CertificateMinting {
		return nil, models.ErrNotMinting
	}

	ok, err := l.repo.CancelMint(ctx, id, req.ParticipantID, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel mint: %w", err)
	}
	if !ok {
		return nil, models.ErrNotCancellable
	}

	slog.Info("mint cancelled", "id", id, "participant_id", req.ParticipantID)
	return l.get(ctx, id)
}

func (l *Ledger) get(ctx context.Context, id string) (*models.CertificateRequest, error) {
	req, err := l.repo.GetCertificateRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if req == nil {
		return nil, models.ErrRequestNotFound
	}
	return req, nil
}

func (l *Ledger) owned(ctx context.Context, id string, caller *models.Identity) (*models.CertificateRequest, error) {
	req, err := l.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ParticipantID != caller.ID && caller.Role != models.RoleAdmin {
		return nil, models.ErrNotOwner
	}
	return req, nil
}

// whyNotPending explains a lost pending → minting transition
func (l *Ledger) whyNotPending(ctx context.Context, id string, caller *models.Identity) error {
	req, err := l.get(ctx, id)
	if err != nil {
		return err
	}
	if req.ParticipantID != caller.ID {
		return models.ErrNotOwner
	}
	return models.ErrNotPending
}

func (l *Ledger) organizedActivity(ctx context.Context, activityID string, caller *models.Identity) (*models.Activity, error) {
	a, err := l.repo.GetActivity(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	if a == nil {
		return nil, models.ErrActivityNotFound
	}
	if a.OrganizerID != caller.ID && caller.Role != models.RoleAdmin {
		return nil, models.ErrNotOrganizer
	}
	return a, nil
}
