package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terra-clan/cert-engine/internal/chain"
	"github.com/terra-clan/cert-engine/internal/metrics"
	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/pinning"
	"github.com/terra-clan/cert-engine/internal/storage"
	"github.com/terra-clan/cert-engine/internal/telemetry"
	"github.com/terra-clan/cert-engine/internal/templates"
)

const (
	// maxResign bounds how often a dropped transaction is re-signed within one run
	maxResign = 3

	// defaultRunGrace is added to the confirm timeout for the steps before polling starts
	defaultRunGrace = 30 * time.Second
)

// Config holds saga timing
type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	RunGrace       time.Duration
	LeaseTTL       time.Duration
}

// runTimeout bounds one run. The lease must outlive it.
func (c Config) runTimeout() time.Duration {
	grace := c.RunGrace
	if grace <= 0 {
		grace = defaultRunGrace
	}
	return c.ConfirmTimeout + grace
}

// Orchestrator drives the mint saga for a certificate request held under a lease.
// Every step persists its output before the next one starts, so a run can be resumed
// by any instance once the lease expires.
type Orchestrator struct {
	repo      storage.Repository
	templates *templates.Loader
	publisher pinning.Provider
	chain     chain.Client
	metrics   *metrics.Metrics
	cfg       Config
	instance  string
	now       func() time.Time
}

// NewOrchestrator creates a new mint orchestrator
func NewOrchestrator(
	repo storage.Repository,
	loader *templates.Loader,
	publisher pinning.Provider,
	chainClient chain.Client,
	m *metrics.Metrics,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		templates: loader,
		publisher: publisher,
		chain:     chainClient,
		metrics:   m,
		cfg:       cfg,
		instance:  uuid.NewString()[:8],
		now:       time.Now,
	}
}

// NewLease returns a fresh lease owned by this instance
func (o *Orchestrator) NewLease() storage.Lease {
	now := o.now()
	return storage.Lease{
		Owner: o.instance + ":" + uuid.NewString(),
		Now:   now,
		Until: now.Add(o.cfg.LeaseTTL),
	}
}

// Resume claims a minting request whose lease is free and runs the saga from its persisted state
func (o *Orchestrator) Resume(ctx context.Context, requestID string) (*models.MintResult, error) {
	lease := o.NewLease()
	req, err := o.repo.ClaimMint(ctx, requestID, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim mint: %w", err)
	}
	if req == nil {
		return nil, models.ErrMintInProgress
	}

	slog.Info("resuming mint", "request_id", requestID, "attempt", req.Attempts)
	return o.Run(ctx, req, lease)
}

// Run executes the saga for req, which must already be minting under lease.
// The run is detached from ctx cancellation so a dropped client does not abandon a signed transaction.
func (o *Orchestrator) Run(ctx context.Context, req *models.CertificateRequest, lease storage.Lease) (*models.MintResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.runTimeout())
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "mint.run", trace.WithAttributes(
		attribute.String("certificate.id", req.ID),
		attribute.String("certificate.type", req.CertificateType),
		attribute.Int("mint.attempt", req.Attempts),
	))
	defer span.End()

	start := o.now()
	defer func() { o.metrics.MintDuration.Observe(time.Since(start).Seconds()) }()

	result, outcome, err := o.run(ctx, req, lease.Owner)
	o.metrics.MintAttempts.WithLabelValues(outcome).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		slog.Warn("mint run ended", "request_id", req.ID, "outcome", outcome, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.String("mint.outcome", outcome))
	slog.Info("mint run ended",
		"request_id", req.ID,
		"outcome", outcome,
		"status", result.Status,
		"tx_hash", result.TransactionHash,
	)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req *models.CertificateRequest, owner string) (*models.MintResult, string, error) {
	activity, err := o.repo.GetActivity(ctx, req.ActivityID)
	if err != nil {
		return nil, "failed", o.abort(ctx, req.ID, owner, "load activity", err)
	}
	if activity == nil {
		return nil, "failed", o.abort(ctx, req.ID, owner, "load activity", models.ErrActivityNotFound)
	}

	if req.ImageURI == "" {
		if err := o.publishImage(ctx, req, activity, owner); err != nil {
			return nil, "failed", o.abort(ctx, req.ID, owner, "publish image", err)
		}
	}

	if req.TokenURI == "" {
		if err := o.publishMetadata(ctx, req, activity, owner); err != nil {
			return nil, "failed", o.abort(ctx, req.ID, owner, "publish metadata", err)
		}
	}

	if err := o.submit(ctx, req, owner); err != nil {
		return nil, "failed", o.abort(ctx, req.ID, owner, "submit transaction", err)
	}

	return o.await(ctx, req, owner)
}

// abort releases the lease so the request can be retried and maps err for the caller
func (o *Orchestrator) abort(ctx context.Context, id, owner, step string, err error) error {
	if errors.Is(err, storage.ErrLeaseLost) {
		return models.ErrMintInProgress
	}

	if rerr := o.repo.ReleaseMint(context.WithoutCancel(ctx), id, owner, fmt.Sprintf("%s: %v", step, err)); rerr != nil {
		slog.Error("failed to release mint lease", "request_id", id, "error", rerr)
	}

	var de *models.Error
	if errors.As(err, &de) {
		return err
	}
	return models.ExternalError(step, err)
}

func (o *Orchestrator) renderData(req *models.CertificateRequest, activity *models.Activity) templates.RenderData {
	name := req.RecipientName
	if name == "" {
		name = req.RecipientAddress
	}
	return templates.RenderData{
		RecipientName:   name,
		ActivityTitle:   activity.Title,
		ActivityKind:    string(activity.Kind),
		CertificateType: req.CertificateType,
		IssuedOn:        req.RequestedAt.UTC().Format("January 2, 2006"),
	}
}

func (o *Orchestrator) publishImage(ctx context.Context, req *models.CertificateRequest, activity *models.Activity, owner string) error {
	tmpl := o.templates.Lookup(activity.Kind, req.CertificateType)
	svg, err := tmpl.Render(o.renderData(req, activity))
	if err != nil {
		return err
	}

	uri, err := o.publisher.PublishImage(ctx, fmt.Sprintf("certificate-%s.svg", req.ID), svg, "image/svg+xml")
	if err != nil {
		return err
	}
	if err := o.repo.RecordImage(ctx, req.ID, owner, uri); err != nil {
		return err
	}

	req.ImageURI = uri
	slog.Debug("certificate image published", "request_id", req.ID, "uri", uri)
	return nil
}

type tokenAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

type tokenMetadata struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Image       string           `json:"image"`
	Attributes  []tokenAttribute `json:"attributes"`
}

func (o *Orchestrator) metadata(req *models.CertificateRequest, activity *models.Activity) ([]byte, error) {
	data := o.renderData(req, activity)
	description, err := o.templates.Lookup(activity.Kind, req.CertificateType).Describe(data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(tokenMetadata{
		Name:        activity.Title + " Certificate",
		Description: description,
		Image:       req.ImageURI,
		Attributes: []tokenAttribute{
			{TraitType: "Activity", Value: activity.Title},
			{TraitType: "Recipient", Value: data.RecipientName},
			{TraitType: "Date", Value: req.RequestedAt.UTC().Format("2006-01-02")},
			{TraitType: "Certificate Type", Value: req.CertificateType},
		},
	})
}

func (o *Orchestrator) publishMetadata(ctx context.Context, req *models.CertificateRequest, activity *models.Activity, owner string) error {
	doc, err := o.metadata(req, activity)
	if err != nil {
		return err
	}

	uri, err := o.publisher.PublishMetadata(ctx, fmt.Sprintf("certificate-%s.json", req.ID), doc)
	if err != nil {
		return err
	}
	if err := o.repo.RecordTokenURI(ctx, req.ID, owner, uri); err != nil {
		return err
	}

	req.TokenURI = uri
	slog.Debug("certificate metadata published", "request_id", req.ID, "uri", uri)
	return nil
}

// submit makes sure a signed transaction for req is persisted and known to the network
func (o *Orchestrator) submit(ctx context.Context, req *models.CertificateRequest, owner string) error {
	for attempt := 0; ; attempt++ {
		if req.TransactionHash == "" {
			signed, err := o.chain.PrepareMint(ctx, req.RecipientAddress, req.TokenURI)
			if err != nil {
				return err
			}
			if err := o.repo.RecordTransaction(ctx, req.ID, owner, signed.Contract, signed.Hash, signed.Raw); err != nil {
				return err
			}
			req.ContractAddress = signed.Contract
			req.TransactionHash = signed.Hash
			req.SignedTx = signed.Raw
			slog.Info("mint transaction signed", "request_id", req.ID, "tx_hash", signed.Hash)
		} else {
			receipt, err := o.chain.Receipt(ctx, req.TransactionHash)
			if err != nil {
				return err
			}
			if receipt.Status != chain.StatusPending || len(req.SignedTx) == 0 {
				return nil
			}
		}

		err := o.chain.Broadcast(ctx, req.SignedTx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, chain.ErrTxDropped) || attempt >= maxResign {
			return err
		}

		slog.Warn("mint transaction dropped, re-signing", "request_id", req.ID, "tx_hash", req.TransactionHash, "error", err)
		if err := o.repo.ClearTransaction(ctx, req.ID, owner, req.TransactionHash, err.Error()); err != nil {
			return err
		}
		req.TransactionHash = ""
		req.SignedTx = nil
	}
}

// await polls for the receipt of the persisted transaction until ConfirmTimeout
func (o *Orchestrator) await(ctx context.Context, req *models.CertificateRequest, owner string) (*models.MintResult, string, error) {
	deadline := time.NewTimer(o.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	hash := req.TransactionHash
	for {
		receipt, err := o.chain.Receipt(ctx, hash)
		if err != nil {
			slog.Warn("receipt lookup failed", "request_id", req.ID, "tx_hash", hash, "error", err)
		} else {
			switch receipt.Status {
			case chain.StatusConfirmed:
				return o.complete(ctx, req, receipt.BlockNumber)
			case chain.StatusReverted:
				return o.revert(ctx, req)
			}
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return o.pending(ctx, req, owner)
		case <-ctx.Done():
			return o.pending(ctx, req, owner)
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, req *models.CertificateRequest, block uint64) (*models.MintResult, string, error) {
	mintedAt := o.now().UTC()
	ok, err := o.repo.CompleteMint(ctx, req.ID, req.TransactionHash, block, mintedAt)
	if err != nil {
		return nil, "failed", fmt.Errorf("failed to complete mint: %w", err)
	}
	if !ok {
		// Another worker recorded the outcome first
		current, err := o.repo.GetCertificateRequest(ctx, req.ID)
		if err != nil {
			return nil, "failed", fmt.Errorf("failed to reload request: %w", err)
		}
		if current == nil || current.Status != models.CertificateMinted {
			return nil, "lease_lost", models.ErrMintInProgress
		}
		return resultOf(current), "confirmed", nil
	}

	o.metrics.CertificatesIn.WithLabelValues(string(models.CertificateMinted)).Inc()
	return &models.MintResult{
		RequestID:       req.ID,
		Status:          models.CertificateMinted,
		TransactionHash: req.TransactionHash,
		TokenURI:        req.TokenURI,
		MintedAt:        &mintedAt,
	}, "confirmed", nil
}

func (o *Orchestrator) revert(ctx context.Context, req *models.CertificateRequest) (*models.MintResult, string, error) {
	ok, err := o.repo.RevertMint(ctx, req.ID, req.TransactionHash, "transaction reverted on chain: "+req.TransactionHash)
	if err != nil {
		return nil, "failed", fmt.Errorf("failed to revert mint: %w", err)
	}
	if !ok {
		return nil, "lease_lost", models.ErrMintInProgress
	}

	o.metrics.CertificatesIn.WithLabelValues(string(models.CertificatePending)).Inc()
	return nil, "reverted", models.ErrMintReverted
}

// pending gives up waiting. The request stays minting with its transaction for a later resume.
func (o *Orchestrator) pending(ctx context.Context, req *models.CertificateRequest, owner string) (*models.MintResult, string, error) {
	if err := o.repo.ReleaseMint(context.WithoutCancel(ctx), req.ID, owner, "awaiting confirmation"); err != nil {
		slog.Error("failed to release mint lease", "request_id", req.ID, "error", err)
	}
	return &models.MintResult{
		RequestID:       req.ID,
		Status:          models.CertificateMinting,
		TransactionHash: req.TransactionHash,
		TokenURI:        req.TokenURI,
	}, "pending", nil
}

func resultOf(req *models.CertificateRequest) *models.MintResult {
	return &models.MintResult{
		RequestID:       req.ID,
		Status:          req.Status,
		TransactionHash: req.TransactionHash,
		TokenURI:        req.TokenURI,
		MintedAt:        req.MintedAt,
	}
}
