package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/cert-engine/internal/models"
)

func (s *Server) handleIssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req models.IssueCertificateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	cert, err := s.deps.Ledger.Issue(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()), req)
	if err != nil {
		respondServiceError(w, r, "failed to issue certificate", err)
		return
	}

	respondJSON(w, http.StatusOK, cert)
}

func (s *Server) handleListActivityCertificates(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	filters := models.CertificateFilters{
		Status: models.CertificateStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	list, err := s.deps.Ledger.ListForActivity(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()), filters)
	if err != nil {
		respondServiceError(w, r, "failed to list certificates", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"certificates": list,
		"total":        len(list),
	})
}

func (s *Server) handleListMyCertificates(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	filters := models.CertificateFilters{
		Status: models.CertificateStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	list, err := s.deps.Ledger.ListForParticipant(r.Context(), IdentityFromContext(r.Context()).ID, filters)
	if err != nil {
		respondServiceError(w, r, "failed to list certificates", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"certificates": list,
		"total":        len(list),
	})
}

func (s *Server) handleListPendingCertificates(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Ledger.ListPendingFor(r.Context(), IdentityFromContext(r.Context()).ID)
	if err != nil {
		respondServiceError(w, r, "failed to list pending certificates", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"certificates": pending,
		"total":        len(pending),
	})
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to get certificate", err)
		return
	}

	respondJSON(w, http.StatusOK, cert)
}

func (s *Server) handleAcceptCertificate(w http.ResponseWriter, r *http.Request) {
	var req models.AcceptCertificateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	result, err := s.deps.Ledger.Accept(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()), req.WalletAddress)
	if err != nil {
		s.countRateLimited(err, "mint")
		respondServiceError(w, r, "failed to accept certificate", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRejectCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.deps.Ledger.Reject(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to reject certificate", err)
		return
	}

	respondJSON(w, http.StatusOK, cert)
}

func (s *Server) handleResumeMint(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Ledger.Resume(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to resume mint", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelMint(w http.ResponseWriter, r *http.Request) {
	cert, err := s.deps.Ledger.Cancel(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to cancel mint", err)
		return
	}

	respondJSON(w, http.StatusOK, cert)
}

func (s *Server) countRateLimited(err error, action string) {
	if de, ok := models.AsError(err); ok && de == models.ErrRateLimited && s.deps.Metrics != nil {
		s.deps.Metrics.RateLimited.WithLabelValues(action).Inc()
	}
}
