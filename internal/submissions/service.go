package submissions

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

// Service stores project submissions. Each registered participant has at most
// one submission per activity, replaced on every submit while the window is open.
type Service struct {
	repo storage.Repository
	now  func() time.Time
}

// NewService creates a new submission service
func NewService(repo storage.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Submit creates or replaces the caller's submission. Returns true when it is the first one.
func (s *Service) Submit(ctx context.Context, activityID string, caller *models.Identity, req models.SubmitProjectRequest) (*models.Submission, bool, error) {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.ProjectURL) == "" {
		return nil, false, models.ErrInvalidInput
	}

	activity, err := s.activity(ctx, activityID)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	if !activity.SubmissionsOpen(now) {
		return nil, false, models.ErrSubmissionClosed
	}

	registered, err := s.repo.IsParticipant(ctx, activityID, caller.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check registration: %w", err)
	}
	if !registered {
		return nil, false, models.ErrNotRegistered
	}

	sub := &models.Submission{
		ID:            uuid.New().String(),
		ActivityID:    activityID,
		ActivityTitle: activity.Title,
		IdentityID:    caller.ID,
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		ProjectURL:    strings.TrimSpace(req.ProjectURL),
		DemoURL:       strings.TrimSpace(req.DemoURL),
		TechStack:     trimAll(req.TechStack),
		Challenges:    req.Challenges,
		Screenshots:   trimAll(req.Screenshots),
		SubmittedAt:   now,
		CreatedAt:     now,
	}

	created, err := s.repo.UpsertSubmission(ctx, sub)
	if err != nil {
		return nil, false, err
	}

	slog.Info("project submitted", "activity_id", activityID, "identity_id", caller.ID, "created", created)
	return sub, created, nil
}

// Mine returns the caller's submission for an activity, or nil when there is none
func (s *Service) Mine(ctx context.Context, activityID string, caller *models.Identity) (*models.Submission, error) {
	if _, err := s.activity(ctx, activityID); err != nil {
		return nil, err
	}

	sub, err := s.repo.GetSubmission(ctx, activityID, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// ListForActivity lists the submissions of an activity the caller organizes
func (s *Service) ListForActivity(ctx context.Context, activityID string, caller *models.Identity, filters models.SubmissionFilters) ([]*models.Submission, error) {
	activity, err := s.activity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if activity.OrganizerID != caller.ID && caller.Role != models.RoleAdmin {
		return nil, models.ErrNotOrganizer
	}

	filters.ActivityID = activityID
	filters.OrganizerID = ""
	return s.list(ctx, filters)
}

// ListForOrganizer lists submissions across every activity the caller organizes
func (s *Service) ListForOrganizer(ctx context.Context, caller *models.Identity, filters models.SubmissionFilters) ([]*models.Submission, error) {
	if !caller.IsOrganizer() {
		return nil, models.ErrRoleNotAllowed
	}

	filters.OrganizerID = caller.ID
	return s.list(ctx, filters)
}

func (s *Service) list(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error) {
	list, err := s.repo.ListSubmissions(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return list, nil
}

func (s *Service) activity(ctx context.Context, id string) (*models.Activity, error) {
	a, err := s.repo.GetActivity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	if a == nil {
		return nil, models.ErrActivityNotFound
	}
	return a, nil
}

func trimAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
