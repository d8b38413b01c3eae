package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/storage"
)

// Registry tracks which identities are registered in which activities.
// Membership is a datastore set: adding is a single insert-if-absent.
type Registry struct {
	repo storage.Repository
}

// New creates a new participant registry
func New(repo storage.Repository) *Registry {
	return &Registry{repo: repo}
}

// Register adds identityID to the activity's participant set
func (r *Registry) Register(ctx context.Context, activityID, identityID string) error {
	added, err := r.repo.AddParticipant(ctx, activityID, identityID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !added {
		return models.ErrAlreadyRegistered
	}

	slog.Info("participant registered", "activity_id", activityID, "identity_id", identityID)
	return nil
}

// Enroll registers identityID on behalf of the activity organizer
func (r *Registry) Enroll(ctx context.Context, activityID string, organizer *models.Identity, identityID string) error {
	if _, err := r.organizedActivity(ctx, activityID, organizer); err != nil {
		return err
	}
	return r.Register(ctx, activityID, identityID)
}

// ListRegistered lists the participant set of an activity
func (r *Registry) ListRegistered(ctx context.Context, activityID string) ([]*models.Participant, error) {
	a, err := r.repo.GetActivity(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	if a == nil {
		return nil, models.ErrActivityNotFound
	}

	participants, err := r.repo.ListParticipants(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

// ListForOrganizer lists participants of an activity the caller organizes
func (r *Registry) ListForOrganizer(ctx context.Context, activityID string, organizer *models.Identity) ([]*models.Participant, error) {
	if _, err := r.organizedActivity(ctx, activityID, organizer); err != nil {
		return nil, err
	}
	return r.ListRegistered(ctx, activityID)
}

// ListByOrganizer lists the activities organized by organizerID
func (r *Registry) ListByOrganizer(ctx context.Context, organizerID string) ([]*models.Activity, error) {
	return r.list(ctx, models.ActivityFilters{OrganizerID: organizerID})
}

// ListForParticipant lists the activities identityID is registered in
func (r *Registry) ListForParticipant(ctx context.Context, identityID string) ([]*models.Activity, error) {
	return r.list(ctx, models.ActivityFilters{ParticipantID: identityID})
}

// ListEligible aggregates the participants of every activity the organizer runs,
// one entry per identity listing the activities it is registered in.
func (r *Registry) ListEligible(ctx context.Context, organizer *models.Identity) ([]*models.EligibleParticipant, error) {
	if !organizer.IsOrganizer() {
		return nil, models.ErrRoleNotAllowed
	}

	activities, err := r.ListByOrganizer(ctx, organizer.ID)
	if err != nil {
		return nil, err
	}

	byIdentity := make(map[string]*models.EligibleParticipant)
	for _, a := range activities {
		participants, err := r.repo.ListParticipants(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list participants: %w", err)
		}
		for _, p := range participants {
			e, ok := byIdentity[p.IdentityID]
			if !ok {
				e = &models.EligibleParticipant{IdentityID: p.IdentityID}
				byIdentity[p.IdentityID] = e
			}
			e.Activities = append(e.Activities, models.ActivityRef{ID: a.ID, Title: a.Title})
		}
	}

	out := make([]*models.EligibleParticipant, 0, len(byIdentity))
	for _, e := range byIdentity {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

// IsRegistered reports whether identityID is in the activity's participant set
func (r *Registry) IsRegistered(ctx context.Context, activityID, identityID string) (bool, error) {
	ok, err := r.repo.IsParticipant(ctx, activityID, identityID)
	if err != nil {
		return false, fmt.Errorf("failed to check registration: %w", err)
	}
	return ok, nil
}

func (r *Registry) list(ctx context.Context, filters models.ActivityFilters) ([]*models.Activity, error) {
	list, err := r.repo.ListActivities(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	now := time.Now()
	for _, a := range list {
		a.WithStatus(now)
	}
	return list, nil
}

func (r *Registry) organizedActivity(ctx context.Context, activityID string, organizer *models.Identity) (*models.Activity, error) {
	a, err := r.repo.GetActivity(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	if a == nil {
		return nil, models.ErrActivityNotFound
	}
	if a.OrganizerID != organizer.ID && organizer.Role != models.RoleAdmin {
		return nil, models.ErrNotOrganizer
	}
	return a, nil
}
