package submissions

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

var (
	organizer   = &models.Identity{ID: "org-1", Role: models.RoleHackathonOrganizer}
	participant = &models.Identity{ID: "user-1", Role: models.RoleParticipant}
)

func project(title string) models.SubmitProjectRequest {
	return models.SubmitProjectRequest{
		Title:       title,
		ProjectURL:  "https://github.com/example/" + title,
		TechStack:   []string{" Go ", "", "Solidity"},
		Screenshots: []string{"https://example.com/shot.png"},
	}
}

func setup(t *testing.T, start, end time.Time, deadline *time.Time) (*Service, *storage.MemoryRepository, string) {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.CreateActivity(ctx, &models.Activity{
		ID:                 "act-1",
		Kind:               models.KindHackathon,
		Title:              "Chain Hack",
		OrganizerID:        organizer.ID,
		StartAt:            start,
		EndAt:              end,
		SubmissionDeadline: deadline,
	}))
	_, err := repo.AddParticipant(ctx, "act-1", participant.ID, start)
	require.NoError(t, err)
	return NewService(repo), repo, "act-1"
}

func TestSubmitAndReplace(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	svc, _, activityID := setup(t, now.Add(-time.Hour), now.Add(time.Hour), nil)

	first, created, err := svc.Submit(ctx, activityID, participant, project("alpha"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"Go", "Solidity"}, first.TechStack)

	second, created, err := svc.Submit(ctx, activityID, participant, project("beta"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "a resubmission keeps its identity")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	mine, err := svc.Mine(ctx, activityID, participant)
	require.NoError(t, err)
	require.NotNil(t, mine)
	assert.Equal(t, "beta", mine.Title)

	list, err := svc.ListForActivity(ctx, activityID, organizer, models.SubmissionFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Chain Hack", list[0].ActivityTitle)
}

func TestSubmitWindow(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	tests := []struct {
		name     string
		start    time.Time
		end      time.Time
		deadline *time.Time
		wantErr  error
	}{
		{name: "open", start: now.Add(-time.Hour), end: now.Add(time.Hour)},
		{name: "not started", start: now.Add(time.Hour), end: now.Add(2 * time.Hour), wantErr: models.ErrSubmissionClosed},
		{name: "ended without deadline", start: now.Add(-2 * time.Hour), end: now.Add(-time.Hour), wantErr: models.ErrSubmissionClosed},
		{name: "deadline passed before end", start: now.Add(-time.Hour), end: now.Add(time.Hour), deadline: &past, wantErr: models.ErrSubmissionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, activityID := setup(t, tt.start, tt.end, tt.deadline)
			_, _, err := svc.Submit(context.Background(), activityID, participant, project("alpha"))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmitAfterEndBeforeDeadline(t *testing.T) {
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)
	svc, _, activityID := setup(t, now.Add(-2*time.Hour), now.Add(-time.Hour), &deadline)

	_, created, err := svc.Submit(context.Background(), activityID, participant, project("late"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSubmitGuards(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	svc, _, activityID := setup(t, now.Add(-time.Hour), now.Add(time.Hour), nil)

	_, _, err := svc.Submit(ctx, "missing", participant, project("alpha"))
	assert.ErrorIs(t, err, models.ErrActivityNotFound)

	_, _, err = svc.Submit(ctx, activityID, &models.Identity{ID: "stranger"}, project("alpha"))
	assert.ErrorIs(t, err, models.ErrNotRegistered)

	_, _, err = svc.Submit(ctx, activityID, participant, models.SubmitProjectRequest{Title: " ", ProjectURL: "https://x.io"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	mine, err := svc.Mine(ctx, activityID, participant)
	require.NoError(t, err)
	assert.Nil(t, mine)

	_, err = svc.Mine(ctx, "missing", participant)
	assert.ErrorIs(t, err, models.ErrActivityNotFound)

	_, err = svc.ListForActivity(ctx, activityID, participant, models.SubmissionFilters{})
	assert.ErrorIs(t, err, models.ErrNotOrganizer)

	_, err = svc.ListForOrganizer(ctx, participant, models.SubmissionFilters{})
	assert.ErrorIs(t, err, models.ErrRoleNotAllowed)
}

func TestConcurrentSubmitKeepsOneEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	svc, _, activityID := setup(t, now.Add(-time.Hour), now.Add(time.Hour), nil)

	const callers = 8
	created := make([]bool, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created[i], errs[i] = svc.Submit(ctx, activityID, participant, project("alpha"))
		}(i)
	}
	wg.Wait()

	var firsts int
	for i := range errs {
		assert.NoError(t, errs[i])
		if created[i] {
			firsts++
		}
	}
	assert.Equal(t, 1, firsts)

	list, err := svc.ListForActivity(ctx, activityID, organizer, models.SubmissionFilters{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListForOrganizer(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	svc, repo, activityID := setup(t, now.Add(-time.Hour), now.Add(time.Hour), nil)

	require.NoError(t, repo.CreateActivity(ctx, &models.Activity{
		ID: "act-other", Kind: models.KindHackathon, Title: "Other", OrganizerID: "org-2",
		StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour),
	}))
	_, err := repo.AddParticipant(ctx, "act-other", participant.ID, now)
	require.NoError(t, err)

	_, _, err = svc.Submit(ctx, activityID, participant, project("mine"))
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, "act-other", participant, project("theirs"))
	require.NoError(t, err)

	list, err := svc.ListForOrganizer(ctx, organizer, models.SubmissionFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].Title)
	assert.Equal(t, activityID, list[0].ActivityID)
}
