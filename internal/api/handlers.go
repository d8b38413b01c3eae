package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/templates"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// statusFor maps a domain error to its HTTP status
func statusFor(de *models.Error) int {
	switch de {
	case models.ErrNotPending:
		return http.StatusNotFound
	case models.ErrMintInProgress:
		return http.StatusConflict
	}

	switch de.Kind {
	case models.KindValidation, models.KindConflict:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindAuthorization:
		return http.StatusForbidden
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindExternal:
		return http.StatusBadGateway
	case models.KindReverted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError answers with the domain error carried by err, or a 500
func respondServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	de, ok := models.AsError(err)
	if !ok {
		slog.Error(op, "error", err, "request_id", middleware.GetReqID(r.Context()))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	if de.Kind == models.KindExternal {
		slog.Error(op, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	respondError(w, statusFor(de), de.Code, de.Message)
}

// decodeBody decodes and validates a JSON body into dst, answering 400 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, models.ErrInvalidInput.Code, "invalid JSON body")
		return false
	}
	if err := s.validator.Validate(dst); err != nil {
		respondError(w, http.StatusBadRequest, models.ErrInvalidInput.Code, err.Error())
		return false
	}
	return true
}

// page reads limit and offset query parameters
func page(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	check := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = err.Error()
			slog.Warn("readiness check failed", "check", name, "error", err)
			return
		}
		checks[name] = "ok"
	}

	check("datastore", s.deps.Repo.Ping(r.Context()))
	if s.deps.Pinning != nil {
		for name, err := range s.deps.Pinning.HealthCheckAll(r.Context()) {
			check("pinning:"+name, err)
		}
	}
	if s.deps.Chain != nil {
		check("chain", s.deps.Chain.HealthCheck(r.Context()))
	}

	if !ready {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(apiResponse{
			Success: false,
			Data:    map[string]interface{}{"status": "not_ready", "checks": checks},
			Error:   &apiError{Code: "not_ready", Message: "service not ready"},
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}

// Template handlers

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Templates.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"templates": names,
		"total":     len(names),
	})
}

// handlePreviewTemplate renders the certificate for kind and type with sample data
func (s *Server) handlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	kind := models.ActivityKind(r.URL.Query().Get("kind"))
	certType := r.URL.Query().Get("type")
	if !kind.Valid() || !models.AllowsCertificateType(kind, certType) {
		respondServiceError(w, r, "preview template", models.ErrInvalidCertType)
		return
	}

	caller := IdentityFromContext(r.Context())
	svg, err := s.deps.Templates.Lookup(kind, certType).Render(templates.RenderData{
		RecipientName:   caller.DisplayName(),
		ActivityTitle:   "Sample " + string(kind),
		ActivityKind:    string(kind),
		CertificateType: certType,
		IssuedOn:        time.Now().UTC().Format("January 2, 2006"),
	})
	if err != nil {
		respondServiceError(w, r, "failed to render preview", err)
		return
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(svg); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("failed to write preview", "error", err)
	}
}
