package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/cert-engine/internal/activities"
	"github.com/terra-clan/cert-engine/internal/auth"
	"github.com/terra-clan/cert-engine/internal/certificates"
	"github.com/terra-clan/cert-engine/internal/chain"
	"github.com/terra-clan/cert-engine/internal/config"
	"github.com/terra-clan/cert-engine/internal/events"
	"github.com/terra-clan/cert-engine/internal/metrics"
	"github.com/terra-clan/cert-engine/internal/pinning"
	"github.com/terra-clan/cert-engine/internal/registry"
	"github.com/terra-clan/cert-engine/internal/storage"
	"github.com/terra-clan/cert-engine/internal/submissions"
	"github.com/terra-clan/cert-engine/internal/teams"
	"github.com/terra-clan/cert-engine/internal/templates"
	"github.com/terra-clan/cert-engine/internal/validator"
)

const requestTimeout = 60 * time.Second

// Deps are the services the API is built on
type Deps struct {
	Activities  *activities.Service
	Registry    *registry.Registry
	Teams       *teams.Service
	Submissions *submissions.Service
	Ledger      *certificates.Ledger
	Templates   *templates.Loader
	Repo        storage.Repository
	Pinning     *pinning.Registry
	Chain       chain.Client
	Hub         *events.Hub
	Metrics     *metrics.Metrics
	Verifier    *auth.Verifier
}

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	deps           Deps
	validator      *validator.Validator
	authMiddleware *AuthMiddleware
	mintTimeout    time.Duration
	pollInterval   time.Duration
}

// NewServer creates a new API server. mintTimeout bounds accept and resume requests,
// which wait for on-chain confirmation.
func NewServer(cfg config.ServerConfig, mint config.MintConfig, deps Deps) *Server {
	s := &Server{
		config:         cfg,
		deps:           deps,
		validator:      validator.New(),
		authMiddleware: NewAuthMiddleware(deps.Verifier),
		mintTimeout:    mint.ConfirmTimeout + runGrace(mint),
		pollInterval:   5 * time.Second,
	}
	s.setupRouter()
	return s
}

func runGrace(mint config.MintConfig) time.Duration {
	if mint.RunGrace > 0 {
		return mint.RunGrace
	}
	return 30 * time.Second
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// WriteTimeout is the http.Server write timeout that fits the slowest route
func (s *Server) WriteTimeout() time.Duration {
	return s.mintTimeout + 30*time.Second
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack. Timeouts are set per route group.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			// Certificate templates
			r.Get("/templates", s.handleListTemplates)
			r.Get("/templates/preview", s.handlePreviewTemplate)

			// Activities
			r.Get("/activities", s.handleListActivities)
			r.Post("/activities", s.handleCreateActivity)
			r.Get("/activities/{id}", s.handleGetActivity)
			r.Post("/activities/{id}/register", s.handleRegister)
			r.Get("/activities/{id}/participants", s.handleListParticipants)
			r.Post("/activities/{id}/participants", s.handleEnroll)
			r.Get("/organizer/activities", s.handleListOrganizedActivities)
			r.Get("/me/activities", s.handleListMyActivities)
			r.Get("/organizer/participants/eligible", s.handleListEligibleParticipants)

			// Project submissions
			r.Post("/activities/{id}/submissions", s.handleSubmitProject)
			r.Get("/activities/{id}/submissions", s.handleListActivitySubmissions)
			r.Get("/activities/{id}/submissions/my", s.handleGetMySubmission)
			r.Get("/organizer/submissions", s.handleListOrganizerSubmissions)

			// Teams
			r.Post("/activities/{id}/teams", s.handleCreateTeam)
			r.Get("/activities/{id}/team", s.handleGetMyTeam)
			r.Get("/teams/{id}", s.handleGetTeam)
			r.Post("/teams/{id}/invite", s.handleInvite)
			r.Delete("/teams/{id}/members/{memberId}", s.handleRemoveMember)
			r.Get("/team-invites", s.handleListInvites)
			r.Post("/team-invites/accept", s.handleAcceptInvite)
			r.Post("/team-invites/decline", s.handleDeclineInvite)

			// Certificates
			r.Post("/activities/{id}/certificates", s.handleIssueCertificate)
			r.Get("/activities/{id}/certificates", s.handleListActivityCertificates)
			r.Get("/certificates", s.handleListMyCertificates)
			r.Get("/certificates/pending", s.handleListPendingCertificates)
			r.Get("/certificates/{id}", s.handleGetCertificate)
			r.Post("/certificates/{id}/reject", s.handleRejectCertificate)
			r.Post("/certificates/{id}/cancel", s.handleCancelMint)
		})

		// Mint routes wait for confirmation
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.mintTimeout))
			r.Post("/certificates/{id}/accept", s.handleAcceptCertificate)
			r.Post("/certificates/{id}/resume", s.handleResumeMint)
		})

		// Long-lived stream
		r.Get("/certificates/{id}/events", s.handleCertificateEvents)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog and counts them by route pattern
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			}

			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
