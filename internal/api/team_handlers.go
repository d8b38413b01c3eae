package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/cert-engine/internal/models"
)

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTeamRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	team, err := s.deps.Teams.CreateTeam(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()), req.Name)
	if err != nil {
		respondServiceError(w, r, "failed to create team", err)
		return
	}

	respondJSON(w, http.StatusCreated, team)
}

func (s *Server) handleGetMyTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.deps.Teams.TeamFor(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()).ID)
	if err != nil {
		respondServiceError(w, r, "failed to get team", err)
		return
	}

	respondJSON(w, http.StatusOK, team)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.deps.Teams.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, "failed to get team", err)
		return
	}

	respondJSON(w, http.StatusOK, team)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req models.InviteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	invite, err := s.deps.Teams.Invite(r.Context(), chi.URLParam(r, "id"), IdentityFromContext(r.Context()), req.Email)
	if err != nil {
		s.countRateLimited(err, "invite")
		respondServiceError(w, r, "failed to invite", err)
		return
	}

	respondJSON(w, http.StatusOK, invite)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "id")
	memberID := chi.URLParam(r, "memberId")

	if err := s.deps.Teams.RemoveMember(r.Context(), teamID, IdentityFromContext(r.Context()), memberID); err != nil {
		respondServiceError(w, r, "failed to remove member", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := s.deps.Teams.ListInvitesForIdentity(r.Context(), IdentityFromContext(r.Context()).Email)
	if err != nil {
		respondServiceError(w, r, "failed to list invites", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"invites": invites,
		"total":   len(invites),
	})
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req models.InviteResponseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	team, err := s.deps.Teams.AcceptInvite(r.Context(), req.TeamID, IdentityFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "failed to accept invite", err)
		return
	}

	respondJSON(w, http.StatusOK, team)
}

func (s *Server) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	var req models.InviteResponseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.deps.Teams.DeclineInvite(r.Context(), req.TeamID, IdentityFromContext(r.Context())); err != nil {
		respondServiceError(w, r, "failed to decline invite", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"declined": true})
}
