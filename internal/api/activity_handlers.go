package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/cert-engine/internal/models"
)

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var req models.CreateActivityRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	activity, err := s.deps.Activities.Create(r.Context(), IdentityFromContext(r.Context()), req)
	if err != nil {
		respondServiceError(w, r, "failed to create activity", err)
		return
	}

	respondJSON(w, http.StatusCreated, activity)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	filters := models.ActivityFilters{
		Kind:   models.ActivityKind(r.URL.Query().Get("kind")),
		Limit:  limit,
		Offset: offset,
	}

	list, err := s.deps.Activities.List(r.Context(), filters)
	if err != nil {
		respondServiceError(w, r, "failed to list activities", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activities": list,
		"total":      len(list),
	})
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := s.deps.Activities.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, "failed to get activity", err)
		return
	}

	respondJSON(w, http.StatusOK, activity)
}

func (s *Server) handleListOrganizedActivities(w http.ResponseWriter, r *http.Request) {
	caller := IdentityFromContext(r.Context())
	if !caller.IsOrganizer() {
		respondServiceError(w, r, "list organized activities", models.ErrRoleNotAllowed)
		return
	}

	list, err := s.deps.Registry.ListByOrganizer(r.Context(), caller.ID)
	if err != nil {
		respondServiceError(w, r, "failed to list organized activities", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activities": list,
		"total":      len(list),
	})
}

func (s *Server) handleListMyActivities(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Registry.ListForParticipant(r.Context(), IdentityFromContext(r.Context()).ID)
	if err != nil {
		respondServiceError(w, r, "failed to list registered activities", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activities": list,
		"total":      len(list),
	})
}

// Participant registry handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	activityID := chi.URLParam(r, "id")
	if err := s.deps.Registry.Register(r.Context(), activityID, IdentityFromContext(r.Context()).ID); err != nil {
		respondServiceError(w, r, "failed to register", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req models.EnrollRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	activityID := chi.URLParam(r, "id")
	if err := s.deps.Registry.Enroll(r.Context(), activityID, IdentityFromContext(r.Context()), req.IdentityID); err != nil {
		respondServiceError(w, r, "failed to enroll participant", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"registered":  true,
		"identity_id": req.IdentityID,
	})
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.deps.Registry.ListForOrganizer(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to list participants", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"participants": participants,
		"total":        len(participants),
	})
}
