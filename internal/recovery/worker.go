package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/terra-clan/cert-engine/internal/metrics"
	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/storage"
)

// Resumer picks up a minting request whose lease is free
type Resumer interface {
	Resume(ctx context.Context, requestID string) (*models.MintResult, error)
}

// Worker periodically resumes mints left in minting by a crashed or timed-out run
type Worker struct {
	repo      storage.Repository
	resumer   Resumer
	metrics   *metrics.Metrics
	interval  time.Duration
	staleAge  time.Duration
	batchSize int
	now       func() time.Time
}

// NewWorker creates a new recovery worker
func NewWorker(repo storage.Repository, resumer Resumer, m *metrics.Metrics, interval, staleAge time.Duration, batchSize int) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 20
	}

	return &Worker{
		repo:      repo,
		resumer:   resumer,
		metrics:   m,
		interval:  interval,
		staleAge:  staleAge,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Start begins the recovery worker in a goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	slog.Info("mint recovery worker started", "interval", w.interval, "stale_age", w.staleAge)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("mint recovery worker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep resumes one batch of stalled mints and returns how many were attempted
func (w *Worker) Sweep(ctx context.Context) int {
	now := w.now()
	stalled, err := w.repo.ListStalledMints(ctx, now, now.Add(-w.staleAge), w.batchSize)
	if err != nil {
		slog.Error("failed to list stalled mints", "error", err)
		return 0
	}

	if len(stalled) == 0 {
		slog.Debug("no stalled mints found")
		return 0
	}

	slog.Info("found stalled mints", "count", len(stalled))

	for _, req := range stalled {
		if ctx.Err() != nil {
			break
		}

		result, err := w.resumer.Resume(ctx, req.ID)
		switch {
		case errors.Is(err, models.ErrMintInProgress):
			w.record("skipped")
			slog.Debug("stalled mint claimed elsewhere", "id", req.ID)
		case err != nil:
			w.record("failed")
			slog.Error("failed to resume stalled mint",
				"error", err,
				"id", req.ID,
				"attempts", req.Attempts,
				"tx_hash", req.TransactionHash,
			)
		default:
			w.record(string(result.Status))
			slog.Info("stalled mint resumed", "id", req.ID, "status", result.Status)
		}
	}

	return len(stalled)
}

func (w *Worker) record(outcome string) {
	if w.metrics != nil {
		w.metrics.Recovered.WithLabelValues(outcome).Inc()
	}
}
