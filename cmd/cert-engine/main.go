package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/cert-engine/internal/activities"
	"github.com/terra-clan/cert-engine/internal/api"
	"github.com/terra-clan/cert-engine/internal/auth"
	"github.com/terra-clan/cert-engine/internal/certificates"
	"github.com/terra-clan/cert-engine/internal/chain"
	"github.com/terra-clan/cert-engine/internal/config"
	"github.com/terra-clan/cert-engine/internal/events"
	"github.com/terra-clan/cert-engine/internal/metrics"
	"github.com/terra-clan/cert-engine/internal/mint"
	"github.com/terra-clan/cert-engine/internal/pinning"
	"github.com/terra-clan/cert-engine/internal/ratelimit"
	"github.com/terra-clan/cert-engine/internal/recovery"
	"github.com/terra-clan/cert-engine/internal/registry"
	"github.com/terra-clan/cert-engine/internal/storage"
	"github.com/terra-clan/cert-engine/internal/submissions"
	"github.com/terra-clan/cert-engine/internal/teams"
	"github.com/terra-clan/cert-engine/internal/telemetry"
	"github.com/terra-clan/cert-engine/internal/templates"
	"github.com/terra-clan/cert-engine/migrations"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting cert-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
		"pinning", cfg.Pinning.Provider,
		"chain_id", cfg.Chain.ChainID,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	tel, err := telemetry.New(initCtx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	repo, err := openRepository(initCtx, cfg.Database)
	if err != nil {
		slog.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	slog.Info("datastore ready", "driver", cfg.Database.Driver)

	// Attempt limiter
	var redisClient *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.NewLimiter(redisClient, map[string]ratelimit.Rule{
			"invite": {Limit: int64(cfg.RateLimit.InvitesPerHour), Window: time.Hour},
			"mint":   {Limit: int64(cfg.RateLimit.MintsPerHour), Window: time.Hour},
		})
		if err := limiter.HealthCheck(initCtx); err != nil {
			slog.Warn("redis unreachable, attempts will not be limited until it recovers", "error", err)
		}
	}

	// Artifact pinning
	pins, err := newPinning(initCtx, cfg.Pinning)
	if err != nil {
		slog.Error("failed to create pinning providers", "error", err)
		os.Exit(1)
	}
	publisher, err := pins.Publisher(cfg.Pinning.Provider)
	if err != nil {
		slog.Error("failed to select pinning provider", "error", err)
		os.Exit(1)
	}
	slog.Info("pinning providers ready", "providers", pins.List(), "publisher", publisher.Type())

	// Certificate contract
	chainClient, err := chain.NewEthereumClient(initCtx, chain.EthereumConfig{
		RPCURL:           cfg.Chain.RPCURL,
		ChainID:          cfg.Chain.ChainID,
		ContractAddress:  cfg.Chain.ContractAddress,
		MinterPrivateKey: cfg.Chain.MinterPrivateKey,
		GasLimit:         cfg.Chain.GasLimit,
	})
	if err != nil {
		slog.Error("failed to create chain client", "error", err)
		os.Exit(1)
	}
	if err := chainClient.HealthCheck(initCtx); err != nil {
		slog.Error("chain node check failed", "error", err)
		os.Exit(1)
	}

	// Load templates
	templateLoader := templates.NewLoader()
	if err := templateLoader.LoadFromDir(cfg.Templates.Dir); err != nil {
		slog.Warn("failed to load templates from dir", "dir", cfg.Templates.Dir, "error", err)
	}

	m := metrics.New()

	orchestrator := mint.NewOrchestrator(repo, templateLoader, publisher, chainClient, m, mint.Config{
		ConfirmTimeout: cfg.Mint.ConfirmTimeout,
		PollInterval:   cfg.Mint.PollInterval,
		RunGrace:       cfg.Mint.RunGrace,
		LeaseTTL:       cfg.Mint.LeaseTTL,
	})

	var (
		teamService *teams.Service
		ledger      *certificates.Ledger
	)
	if limiter != nil {
		teamService = teams.NewService(repo, limiter)
		ledger = certificates.NewLedger(repo, orchestrator, limiter)
	} else {
		teamService = teams.NewService(repo, nil)
		ledger = certificates.NewLedger(repo, orchestrator, nil)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Recovery.Enabled {
		worker := recovery.NewWorker(repo, orchestrator, m,
			cfg.Recovery.Interval, cfg.Recovery.StaleAge, cfg.Recovery.BatchSize)
		worker.Start(ctx)
	}

	hub := events.NewHub()
	if cfg.Database.Driver == "postgres" {
		listener, err := events.NewListener(cfg.Database.DSN, hub)
		if err != nil {
			slog.Warn("certificate event listener unavailable, streams fall back to polling", "error", err)
		} else {
			listener.Start(ctx)
		}
	}

	// Setup HTTP server
	server := api.NewServer(cfg.Server, cfg.Mint, api.Deps{
		Activities:  activities.NewService(repo),
		Registry:    registry.New(repo),
		Teams:       teamService,
		Submissions: submissions.NewService(repo),
		Ledger:      ledger,
		Templates:   templateLoader,
		Repo:        repo,
		Pinning:     pins,
		Chain:       chainClient,
		Hub:         hub,
		Metrics:     m,
		Verifier:    auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// In-flight mints keep their lease state; the recovery worker resumes them after restart
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	chainClient.Close()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := repo.Close(); err != nil {
		slog.Error("datastore close error", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("cert-engine stopped")
}

// openRepository runs migrations and connects the configured datastore
func openRepository(ctx context.Context, cfg config.DatabaseConfig) (storage.Repository, error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory datastore, state is lost on restart")
		return storage.NewMemoryRepository(), nil
	}

	var schema fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		schema = os.DirFS(cfg.MigrationsDir)
	}

	slog.Info("running database migrations", "dir", cfg.MigrationsDir)
	if err := storage.MigrateFromDSN(ctx, cfg.DSN, schema); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:          cfg.DSN,
		MaxOpenConns: int32(cfg.MaxOpenConns),
		MaxIdleConns: int32(cfg.MaxIdleConns),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database repository: %w", err)
	}
	return repo, nil
}

// newPinning registers every pinning provider that has credentials configured.
// Only the selected one publishes; all of them are health checked.
func newPinning(ctx context.Context, cfg config.PinningConfig) (*pinning.Registry, error) {
	pins := pinning.NewRegistry()

	if cfg.PinataJWT != "" {
		pins.Register("pinata", pinning.NewPinataProvider(cfg.PinataBaseURL, cfg.PinataJWT, nil))
	}
	if cfg.S3Bucket != "" {
		p, err := pinning.NewS3Provider(ctx, pinning.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return nil, err
		}
		pins.Register("s3", p)
	}

	return pins, nil
}
