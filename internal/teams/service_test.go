package teams

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

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, action, key string) error { return models.ErrRateLimited }

func identity(id, email string) *models.Identity {
	return &models.Identity{ID: id, Email: email, Role: models.RoleParticipant}
}

func newActivity(t *testing.T, repo storage.Repository, teamEvent bool, maxSize int) string {
	t.Helper()
	now := time.Now().UTC()
	a := &models.Activity{
		ID:          "act-" + t.Name(),
		Kind:        models.KindHackathon,
		Title:       "Chain Hack",
		OrganizerID: "org-1",
		StartAt:     now.Add(-time.Hour),
		EndAt:       now.Add(time.Hour),
		Policy:      models.TeamPolicy{IsTeamEvent: teamEvent, MinTeamSize: 1, MaxTeamSize: maxSize},
	}
	require.NoError(t, repo.CreateActivity(context.Background(), a))
	return a.ID
}

func TestCreateTeam(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 4)
	leader := identity("lead", "Lead@Example.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "  Rustaceans ")
	require.NoError(t, err)
	assert.Equal(t, "Rustaceans", team.Name)
	assert.Equal(t, leader.ID, team.LeaderID)
	require.Len(t, team.Members, 1)
	assert.Equal(t, "lead@example.com", team.Members[0].Email)

	registered, err := repo.IsParticipant(ctx, activityID, leader.ID)
	require.NoError(t, err)
	assert.True(t, registered, "creating a team registers the leader")

	_, err = svc.CreateTeam(ctx, activityID, leader, "Second")
	assert.ErrorIs(t, err, models.ErrAlreadyOnTeam)

	_, err = svc.CreateTeam(ctx, activityID, identity("x", "x@example.com"), " ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = svc.CreateTeam(ctx, "missing", identity("x", "x@example.com"), "Team")
	assert.ErrorIs(t, err, models.ErrActivityNotFound)
}

func TestCreateTeamRequiresTeamEvent(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, false, 1)

	_, err := svc.CreateTeam(context.Background(), activityID, identity("lead", "l@x.com"), "Solo")
	assert.ErrorIs(t, err, models.ErrNotTeamEvent)
}

func TestInviteFillsTeam(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 2)
	leader := identity("lead", "l@x.com")
	b := identity("b", "b@x.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "Pair")
	require.NoError(t, err)

	_, err = svc.Invite(ctx, team.ID, b, "c@x.com")
	assert.ErrorIs(t, err, models.ErrNotLeader)

	inv, err := svc.Invite(ctx, team.ID, leader, "B@X.com")
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", inv.Email)
	assert.Equal(t, models.InvitePending, inv.Status)

	_, err = svc.Invite(ctx, team.ID, leader, "b@x.com")
	assert.ErrorIs(t, err, models.ErrAlreadyInvited)

	joined, err := svc.AcceptInvite(ctx, team.ID, b)
	require.NoError(t, err)
	assert.Len(t, joined.Members, 2)

	_, err = svc.Invite(ctx, team.ID, leader, "c@x.com")
	assert.ErrorIs(t, err, models.ErrTeamFull)

	_, err = svc.Invite(ctx, team.ID, leader, "not-an-email")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestConcurrentAcceptsForLastSlot(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 2)
	leader := identity("lead", "l@x.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "Pair")
	require.NoError(t, err)

	invitees := []*models.Identity{identity("b", "b@x.com"), identity("c", "c@x.com")}
	for _, id := range invitees {
		_, err := svc.Invite(ctx, team.ID, leader, id.Email)
		require.NoError(t, err)
	}

	errs := make([]error, len(invitees))
	var wg sync.WaitGroup
	for i, id := range invitees {
		wg.Add(1)
		go func(i int, id *models.Identity) {
			defer wg.Done()
			_, errs[i] = svc.AcceptInvite(ctx, team.ID, id)
		}(i, id)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, models.ErrTeamFull):
			full++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)

	got, err := svc.Get(ctx, team.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
}

func TestConcurrentCreateTeamSameLeader(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 4)
	leader := identity("lead", "l@x.com")

	const attempts = 8
	teams := make([]*models.Team, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			teams[i], errs[i] = svc.CreateTeam(ctx, activityID, leader, "Team")
		}(i)
	}
	wg.Wait()

	var created *models.Team
	for i, err := range errs {
		if err == nil {
			assert.Nil(t, created, "only one team may be created")
			created = teams[i]
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyOnTeam)
	}
	require.NotNil(t, created)

	got, err := svc.TeamFor(ctx, activityID, leader.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestConcurrentCreateAndAccept(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 4)
	leader := identity("lead", "l@x.com")
	member := identity("b", "b@x.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "Invited")
	require.NoError(t, err)
	_, err = svc.Invite(ctx, team.ID, leader, member.Email)
	require.NoError(t, err)

	var createErr, acceptErr error
	var own *models.Team
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		own, createErr = svc.CreateTeam(ctx, activityID, member, "Own")
	}()
	go func() {
		defer wg.Done()
		_, acceptErr = svc.AcceptInvite(ctx, team.ID, member)
	}()
	wg.Wait()

	got, err := svc.TeamFor(ctx, activityID, member.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	switch {
	case createErr == nil:
		assert.ErrorIs(t, acceptErr, models.ErrAlreadyOnAnotherTeam)
		assert.Equal(t, own.ID, got.ID)
	case acceptErr == nil:
		assert.ErrorIs(t, createErr, models.ErrAlreadyOnTeam)
		assert.Equal(t, team.ID, got.ID)
	default:
		t.Fatalf("both operations failed: create=%v accept=%v", createErr, acceptErr)
	}
}

func TestAcceptInviteGuards(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 4)

	alpha, err := svc.CreateTeam(ctx, activityID, identity("a", "a@x.com"), "Alpha")
	require.NoError(t, err)
	beta, err := svc.CreateTeam(ctx, activityID, identity("b", "b@x.com"), "Beta")
	require.NoError(t, err)

	_, err = svc.AcceptInvite(ctx, alpha.ID, identity("c", "c@x.com"))
	assert.ErrorIs(t, err, models.ErrNoPendingInvite)

	_, err = svc.Invite(ctx, alpha.ID, identity("a", "a@x.com"), "b@x.com")
	require.NoError(t, err)
	_, err = svc.AcceptInvite(ctx, alpha.ID, identity("b", "b@x.com"))
	assert.ErrorIs(t, err, models.ErrAlreadyOnAnotherTeam)

	got, err := svc.Get(ctx, beta.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 1)

	_, err = svc.AcceptInvite(ctx, "missing", identity("c", "c@x.com"))
	assert.ErrorIs(t, err, models.ErrNoPendingInvite)
}

func TestDeclineInvite(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 4)
	leader := identity("lead", "l@x.com")
	invitee := identity("d", "d@x.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "Delta")
	require.NoError(t, err)
	_, err = svc.Invite(ctx, team.ID, leader, invitee.Email)
	require.NoError(t, err)

	pending, err := svc.ListInvitesForIdentity(ctx, "D@X.com")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Delta", pending[0].TeamName)
	assert.Equal(t, "Chain Hack", pending[0].ActivityTitle)

	require.NoError(t, svc.DeclineInvite(ctx, team.ID, invitee))
	assert.ErrorIs(t, svc.DeclineInvite(ctx, team.ID, invitee), models.ErrNoPendingInvite)

	_, err = svc.AcceptInvite(ctx, team.ID, invitee)
	assert.ErrorIs(t, err, models.ErrNoPendingInvite)

	pending, err = svc.ListInvitesForIdentity(ctx, invitee.Email)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// a declined invite can be re-sent
	_, err = svc.Invite(ctx, team.ID, leader, invitee.Email)
	assert.NoError(t, err)
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, nil)
	activityID := newActivity(t, repo, true, 4)
	leader := identity("lead", "l@x.com")
	b := identity("b", "b@x.com")
	c := identity("c", "c@x.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "Trio")
	require.NoError(t, err)
	for _, id := range []*models.Identity{b, c} {
		_, err := svc.Invite(ctx, team.ID, leader, id.Email)
		require.NoError(t, err)
		_, err = svc.AcceptInvite(ctx, team.ID, id)
		require.NoError(t, err)
	}

	assert.ErrorIs(t, svc.RemoveMember(ctx, team.ID, b, c.ID), models.ErrNotAuthorized)
	assert.ErrorIs(t, svc.RemoveMember(ctx, team.ID, leader, leader.ID), models.ErrCannotRemoveLeader)
	assert.ErrorIs(t, svc.RemoveMember(ctx, team.ID, leader, "nobody"), models.ErrMemberNotFound)

	require.NoError(t, svc.RemoveMember(ctx, team.ID, b, b.ID))
	require.NoError(t, svc.RemoveMember(ctx, team.ID, leader, c.ID))

	got, err := svc.Get(ctx, team.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 1)

	_, err = svc.TeamFor(ctx, activityID, b.ID)
	assert.ErrorIs(t, err, models.ErrTeamNotFound)
}

func TestInviteRateLimited(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	svc := NewService(repo, denyLimiter{})
	activityID := newActivity(t, repo, true, 4)
	leader := identity("lead", "l@x.com")

	team, err := svc.CreateTeam(ctx, activityID, leader, "Team")
	require.NoError(t, err)

	_, err = svc.Invite(ctx, team.ID, leader, "b@x.com")
	assert.ErrorIs(t, err, models.ErrRateLimited)
}
