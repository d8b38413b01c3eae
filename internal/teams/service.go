package teams

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

// Limiter throttles repeated actions per key
type Limiter interface {
	Allow(ctx context.Context, action, key string) error
}

// Service implements team formation. Capacity and the one-team-per-activity
// rule are enforced by the repository inside a single transaction.
type Service struct {
	repo    storage.Repository
	limiter Limiter
}

// NewService creates a team service. limiter may be nil.
func NewService(repo storage.Repository, limiter Limiter) *Service {
	return &Service{repo: repo, limiter: limiter}
}

// CreateTeam creates a team in activityID led by caller
func (s *Service) CreateTeam(ctx context.Context, activityID string, caller *models.Identity, name string) (*models.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrInvalidInput
	}

	activity, err := s.activity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if !activity.Policy.IsTeamEvent {
		return nil, models.ErrNotTeamEvent
	}

	now := time.Now().UTC()
	team := &models.Team{
		ID:         uuid.New().String(),
		ActivityID: activityID,
		Name:       name,
		LeaderID:   caller.ID,
		Members: []*models.TeamMember{{
			IdentityID: caller.ID,
			Email:      models.NormalizeEmail(caller.Email),
			JoinedAt:   now,
		}},
		Invites:   []*models.Invite{},
		CreatedAt: now,
	}

	if err := s.repo.CreateTeam(ctx, team); err != nil {
		return nil, err
	}

	slog.Info("team created", "id", team.ID, "activity_id", activityID, "leader", caller.ID)
	return team, nil
}

// Get returns a team by id
func (s *Service) Get(ctx context.Context, teamID string) (*models.Team, error) {
	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	if team == nil {
		return nil, models.ErrTeamNotFound
	}
	return team, nil
}

// TeamFor returns the team identityID belongs to in activityID
func (s *Service) TeamFor(ctx context.Context, activityID, identityID string) (*models.Team, error) {
	team, err := s.repo.GetTeamForMember(ctx, activityID, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	if team == nil {
		return nil, models.ErrTeamNotFound
	}
	return team, nil
}

// Invite invites email to the team. Only the leader may invite.
func (s *Service) Invite(ctx context.Context, teamID string, caller *models.Identity, email string) (*models.Invite, error) {
	email = models.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, models.ErrInvalidInput
	}

	team, err := s.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.LeaderID != caller.ID {
		return nil, models.ErrNotLeader
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, "invite", caller.ID); err != nil {
			return nil, err
		}
	}

	activity, err := s.activity(ctx, team.ActivityID)
	if err != nil {
		return nil, err
	}

	invite := &models.Invite{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		Email:     email,
		Status:    models.InvitePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateInvite(ctx, invite, activity.Policy.MaxTeamSize); err != nil {
		return nil, err
	}

	slog.Info("team invite created", "team_id", teamID, "invite_id", invite.ID)
	return invite, nil
}

// AcceptInvite joins caller to the team when a pending invite matches their email.
// Capacity is re-checked at accept time.
func (s *Service) AcceptInvite(ctx context.Context, teamID string, caller *models.Identity) (*models.Team, error) {
	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	if team == nil {
		return nil, models.ErrNoPendingInvite
	}

	activity, err := s.activity(ctx, team.ActivityID)
	if err != nil {
		return nil, err
	}

	member := &models.TeamMember{
		IdentityID: caller.ID,
		Email:      models.NormalizeEmail(caller.Email),
		JoinedAt:   time.Now().UTC(),
	}
	if err := s.repo.AcceptInvite(ctx, teamID, member, activity.Policy.MaxTeamSize); err != nil {
		return nil, err
	}

	slog.Info("team invite accepted", "team_id", teamID, "identity_id", caller.ID)
	return s.Get(ctx, teamID)
}

// DeclineInvite declines the caller's pending invite to the team
func (s *Service) DeclineInvite(ctx context.Context, teamID string, caller *models.Identity) error {
	if err := s.repo.DeclineInvite(ctx, teamID, models.NormalizeEmail(caller.Email), time.Now().UTC()); err != nil {
		return err
	}

	slog.Info("team invite declined", "team_id", teamID, "identity_id", caller.ID)
	return nil
}

// RemoveMember removes targetID. The leader may remove anyone but themselves;
// members may remove themselves.
func (s *Service) RemoveMember(ctx context.Context, teamID string, caller *models.Identity, targetID string) error {
	team, err := s.Get(ctx, teamID)
	if err != nil {
		return err
	}

	if caller.ID != team.LeaderID && caller.ID != targetID {
		return models.ErrNotAuthorized
	}
	if targetID == team.LeaderID {
		return models.ErrCannotRemoveLeader
	}

	removed, err := s.repo.RemoveMember(ctx, teamID, targetID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if !removed {
		return models.ErrMemberNotFound
	}

	slog.Info("team member removed", "team_id", teamID, "identity_id", targetID, "by", caller.ID)
	return nil
}

// ListInvitesForIdentity lists pending invites addressed to email
func (s *Service) ListInvitesForIdentity(ctx context.Context, email string) ([]*models.InviteSummary, error) {
	invites, err := s.repo.ListPendingInvites(ctx, models.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	return invites, nil
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
