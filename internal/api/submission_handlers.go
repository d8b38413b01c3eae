package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/cert-engine/internal/models"
)

func (s *Server) handleSubmitProject(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitProjectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	sub, created, err := s.deps.Submissions.Submit(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()), req)
	if err != nil {
		respondServiceError(w, r, "failed to submit project", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, sub)
}

// handleGetMySubmission answers with null data when the caller has not submitted yet
func (s *Server) handleGetMySubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Submissions.Mine(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to get submission", err)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListActivitySubmissions(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	list, err := s.deps.Submissions.ListForActivity(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()),
		models.SubmissionFilters{Limit: limit, Offset: offset})
	if err != nil {
		respondServiceError(w, r, "failed to list submissions", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": list,
		"total":       len(list),
	})
}

func (s *Server) handleListOrganizerSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	list, err := s.deps.Submissions.ListForOrganizer(r.Context(), IdentityFromContext(r.Context()),
		models.SubmissionFilters{Limit: limit, Offset: offset})
	if err != nil {
		respondServiceError(w, r, "failed to list submissions", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": list,
		"total":       len(list),
	})
}

func (s *Server) handleListEligibleParticipants(w http.ResponseWriter, r *http.Request) {
	eligible, err := s.deps.Registry.ListEligible(r.Context(), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to list eligible participants", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"participants": eligible,
		"total":        len(eligible),
	})
}
