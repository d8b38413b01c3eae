package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/storage"
)

var organizer = &models.Identity{ID: "org-1", Role: models.RoleHackathonOrganizer}

func setup(t *testing.T) (*Registry, string) {
	t.Helper()
	repo := storage.NewMemoryRepository()
	now := time.Now().UTC()
	a := &models.Activity{
		ID:          "act-1",
		Kind:        models.KindHackathon,
		Title:       "Chain Hack",
		OrganizerID: organizer.ID,
		StartAt:     now.Add(-time.Hour),
		EndAt:       now.Add(time.Hour),
	}
	require.NoError(t, repo.CreateActivity(context.Background(), a))
	return New(repo), a.ID
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	r, activityID := setup(t)

	require.NoError(t, r.Register(ctx, activityID, "user-1"))
	assert.ErrorIs(t, r.Register(ctx, activityID, "user-1"), models.ErrAlreadyRegistered)
	assert.ErrorIs(t, r.Register(ctx, "missing", "user-1"), models.ErrActivityNotFound)

	ok, err := r.IsRegistered(ctx, activityID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsRegistered(ctx, activityID, "user-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentRegisterAddsOnce(t *testing.T) {
	ctx := context.Background()
	r, activityID := setup(t)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Register(ctx, activityID, "user-1")
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyRegistered)
	}
	assert.Equal(t, 1, ok)

	participants, err := r.ListRegistered(ctx, activityID)
	require.NoError(t, err)
	assert.Len(t, participants, 1)
}

func TestEnrollRequiresOrganizer(t *testing.T) {
	ctx := context.Background()
	r, activityID := setup(t)

	other := &models.Identity{ID: "org-2", Role: models.RoleHackathonOrganizer}
	assert.ErrorIs(t, r.Enroll(ctx, activityID, other, "user-1"), models.ErrNotOrganizer)

	require.NoError(t, r.Enroll(ctx, activityID, organizer, "user-1"))
	require.NoError(t, r.Enroll(ctx, activityID, &models.Identity{ID: "root", Role: models.RoleAdmin}, "user-2"))

	_, err := r.ListForOrganizer(ctx, activityID, other)
	assert.ErrorIs(t, err, models.ErrNotOrganizer)

	participants, err := r.ListForOrganizer(ctx, activityID, organizer)
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestActivityListings(t *testing.T) {
	ctx := context.Background()
	r, activityID := setup(t)
	require.NoError(t, r.Register(ctx, activityID, "user-1"))

	mine, err := r.ListForParticipant(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, models.ActivityActive, mine[0].Status)
	assert.Equal(t, 1, mine[0].ParticipantCount)

	none, err := r.ListForParticipant(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, none)

	organized, err := r.ListByOrganizer(ctx, organizer.ID)
	require.NoError(t, err)
	assert.Len(t, organized, 1)
}

func TestListEligible(t *testing.T) {
	ctx := context.Background()
	r, activityID := setup(t)
	now := time.Now().UTC()

	require.NoError(t, r.repo.CreateActivity(ctx, &models.Activity{
		ID: "act-2", Kind: models.KindHackathon, Title: "Second Hack", OrganizerID: organizer.ID,
		StartAt: now.Add(time.Hour), EndAt: now.Add(2 * time.Hour),
	}))
	require.NoError(t, r.repo.CreateActivity(ctx, &models.Activity{
		ID: "act-other", Kind: models.KindHackathon, Title: "Not Mine", OrganizerID: "org-2",
		StartAt: now, EndAt: now.Add(time.Hour),
	}))

	require.NoError(t, r.Register(ctx, activityID, "user-1"))
	require.NoError(t, r.Register(ctx, "act-2", "user-1"))
	require.NoError(t, r.Register(ctx, "act-2", "user-2"))
	require.NoError(t, r.Register(ctx, "act-other", "user-3"))

	eligible, err := r.ListEligible(ctx, organizer)
	require.NoError(t, err)
	require.Len(t, eligible, 2)

	assert.Equal(t, "user-1", eligible[0].IdentityID)
	assert.ElementsMatch(t, []models.ActivityRef{
		{ID: activityID, Title: "Chain Hack"},
		{ID: "act-2", Title: "Second Hack"},
	}, eligible[0].Activities)
	assert.Equal(t, "user-2", eligible[1].IdentityID)
	assert.Equal(t, []models.ActivityRef{{ID: "act-2", Title: "Second Hack"}}, eligible[1].Activities)

	_, err = r.ListEligible(ctx, &models.Identity{ID: "user-1", Role: models.RoleParticipant})
	assert.ErrorIs(t, err, models.ErrRoleNotAllowed)
}
