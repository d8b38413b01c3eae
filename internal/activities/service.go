package activities

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/storage"
)

const defaultMaxTeamSize = 4

// Service creates and reads activities. Status is derived on every read.
type Service struct {
	repo storage.Repository
	now  func() time.Time
}

// NewService creates a new activity service
func NewService(repo storage.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create validates req and stores a new activity organized by caller
func (s *Service) Create(ctx context.Context, caller *models.Identity, req models.CreateActivityRequest) (*models.Activity, error) {
	if !caller.CanOrganize(req.Kind) {
		return nil, models.ErrRoleNotAllowed
	}

	policy, err := teamPolicy(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" || !req.EndAt.After(req.StartAt) {
		return nil, models.ErrInvalidActivity
	}

	now := s.now().UTC()
	a := &models.Activity{
		ID:                 uuid.New().String(),
		Kind:               req.Kind,
		Title:              strings.TrimSpace(req.Title),
		Description:        req.Description,
		OrganizerID:        caller.ID,
		StartAt:            req.StartAt.UTC(),
		EndAt:              req.EndAt.UTC(),
		SubmissionDeadline: req.SubmissionDeadline,
		Policy:             policy,
		CreatedAt:          now,
	}

	if err := s.repo.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create activity: %w", err)
	}

	slog.Info("activity created", "id", a.ID, "kind", a.Kind, "organizer", a.OrganizerID)
	return a.WithStatus(now), nil
}

// Get returns the activity with its derived status
func (s *Service) Get(ctx context.Context, id string) (*models.Activity, error) {
	a, err := s.repo.GetActivity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	if a == nil {
		return nil, models.ErrActivityNotFound
	}
	return a.WithStatus(s.now()), nil
}

// List returns activities matching filters with derived statuses
func (s *Service) List(ctx context.Context, filters models.ActivityFilters) ([]*models.Activity, error) {
	list, err := s.repo.ListActivities(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}

	now := s.now()
	for _, a := range list {
		a.WithStatus(now)
	}
	return list, nil
}

// teamPolicy applies per-kind defaults. Internships are individual unless stated otherwise.
func teamPolicy(req models.CreateActivityRequest) (models.TeamPolicy, error) {
	p := models.TeamPolicy{
		IsTeamEvent: req.Kind == models.KindHackathon,
		MinTeamSize: req.MinTeamSize,
		MaxTeamSize: req.MaxTeamSize,
	}
	if req.IsTeamEvent != nil {
		p.IsTeamEvent = *req.IsTeamEvent
	}

	if p.MinTeamSize == 0 {
		p.MinTeamSize = 1
	}
	if p.MaxTeamSize == 0 {
		p.MaxTeamSize = defaultMaxTeamSize
		if !p.IsTeamEvent {
			p.MaxTeamSize = 1
		}
	}

	if p.MinTeamSize < 1 || p.MaxTeamSize < p.MinTeamSize {
		return p, models.ErrInvalidActivity
	}
	return p, nil
}
