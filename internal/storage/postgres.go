package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/cert-engine/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"

	constraintTeamMember  = "team_members_activity_identity_key"
	constraintOpenRequest = "certificate_requests_open_key"
	constraintOpenInvite  = "team_invites_pending_key"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 25
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 5
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// withTx runs fn inside a transaction, rolling back on error
func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Activities

const activityColumns = `
	a.id, a.kind, a.title, a.description, a.organizer_id, a.start_at, a.end_at,
	a.submission_deadline, a.is_team_event, a.min_team_size, a.max_team_size, a.created_at,
	(SELECT COUNT(*) FROM activity_participants p WHERE p.activity_id = a.id)
`

func scanActivity(row pgx.Row) (*models.Activity, error) {
	var a models.Activity
	var kind string
	var deadline sql.NullTime

	err := row.Scan(
		&a.ID,
		&kind,
		&a.Title,
		&a.Description,
		&a.OrganizerID,
		&a.StartAt,
		&a.EndAt,
		&deadline,
		&a.Policy.IsTeamEvent,
		&a.Policy.MinTeamSize,
		&a.Policy.MaxTeamSize,
		&a.CreatedAt,
		&a.ParticipantCount,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = models.ActivityKind(kind)
	if deadline.Valid {
		a.SubmissionDeadline = &deadline.Time
	}
	return &a, nil
}

// CreateActivity inserts a new activity
func (r *PostgresRepository) CreateActivity(ctx context.Context, a *models.Activity) error {
	query := `
		INSERT INTO activities (id, kind, title, description, organizer_id, start_at, end_at,
			submission_deadline, is_team_event, min_team_size, max_team_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(ctx, query,
		a.ID,
		string(a.Kind),
		a.Title,
		a.Description,
		a.OrganizerID,
		a.StartAt,
		a.EndAt,
		nullTime(a.SubmissionDeadline),
		a.Policy.IsTeamEvent,
		a.Policy.MinTeamSize,
		a.Policy.MaxTeamSize,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

// GetActivity retrieves an activity by ID. Returns nil when it does not exist.
func (r *PostgresRepository) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	if !validID(id) {
		return nil, nil
	}
	query := `SELECT ` + activityColumns + ` FROM activities a WHERE a.id = $1`

	a, err := scanActivity(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isViolation(err, pgInvalidText, "") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// ListActivities lists activities with optional filters
func (r *PostgresRepository) ListActivities(ctx context.Context, filters models.ActivityFilters) ([]*models.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities a WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filters.Kind != "" {
		query += fmt.Sprintf(" AND a.kind = $%d", argNum)
		args = append(args, string(filters.Kind))
		argNum++
	}

	if filters.OrganizerID != "" {
		query += fmt.Sprintf(" AND a.organizer_id = $%d", argNum)
		args = append(args, filters.OrganizerID)
		argNum++
	}

	if filters.ParticipantID != "" {
		query += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM activity_participants p WHERE p.activity_id = a.id AND p.identity_id = $%d)", argNum)
		args = append(args, filters.ParticipantID)
		argNum++
	}

	query += " ORDER BY a.start_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []*models.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, a)
	}

	return activities, rows.Err()
}

// Participants

// AddParticipant adds identityID to the activity's participant set if absent.
// Returns false when the identity was already registered.
func (r *PostgresRepository) AddParticipant(ctx context.Context, activityID, identityID string, at time.Time) (bool, error) {
	return addParticipant(ctx, r.pool, activityID, identityID, at)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

func addParticipant(ctx context.Context, db execer, activityID, identityID string, at time.Time) (bool, error) {
	if !validID(activityID) {
		return false, models.ErrActivityNotFound
	}
	query := `
		INSERT INTO activity_participants (activity_id, identity_id, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (activity_id, identity_id) DO NOTHING
	`

	result, err := db.Exec(ctx, query, activityID, identityID, at)
	if err != nil {
		if isViolation(err, pgForeignKeyViolation, "") || isViolation(err, pgInvalidText, "") {
			return false, models.ErrActivityNotFound
		}
		return false, fmt.Errorf("failed to add participant: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// IsParticipant reports whether identityID is registered in the activity
func (r *PostgresRepository) IsParticipant(ctx context.Context, activityID, identityID string) (bool, error) {
	if !validID(activityID) {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM activity_participants WHERE activity_id = $1 AND identity_id = $2)`,
		activityID, identityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}

// ListParticipants lists participants of an activity in registration order
func (r *PostgresRepository) ListParticipants(ctx context.Context, activityID string) ([]*models.Participant, error) {
	if !validID(activityID) {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT activity_id, identity_id, registered_at
		FROM activity_participants
		WHERE activity_id = $1
		ORDER BY registered_at, identity_id
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ActivityID, &p.IdentityID, &p.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, &p)
	}

	return participants, rows.Err()
}

// Submissions

const submissionColumns = `
	s.id, s.activity_id, a.title, s.identity_id, s.title, s.description, s.project_url, s.demo_url,
	s.tech_stack, s.challenges, s.screenshots, s.submitted_at, s.created_at
`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var sub models.Submission
	err := row.Scan(
		&sub.ID,
		&sub.ActivityID,
		&sub.ActivityTitle,
		&sub.IdentityID,
		&sub.Title,
		&sub.Description,
		&sub.ProjectURL,
		&sub.DemoURL,
		&sub.TechStack,
		&sub.Challenges,
		&sub.Screenshots,
		&sub.SubmittedAt,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubmission inserts sub or replaces the identity's existing entry for the
// activity in one statement. The stored ID and CreatedAt are written back to sub.
// Returns true when a new row was inserted.
func (r *PostgresRepository) UpsertSubmission(ctx context.Context, sub *models.Submission) (bool, error) {
	if !validID(sub.ActivityID) {
		return false, models.ErrActivityNotFound
	}

	query := `
		INSERT INTO submissions (id, activity_id, identity_id, title, description, project_url, demo_url,
			tech_stack, challenges, screenshots, submitted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (activity_id, identity_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			project_url = EXCLUDED.project_url,
			demo_url = EXCLUDED.demo_url,
			tech_stack = EXCLUDED.tech_stack,
			challenges = EXCLUDED.challenges,
			screenshots = EXCLUDED.screenshots,
			submitted_at = EXCLUDED.submitted_at
		RETURNING id, created_at, (xmax = 0)
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		sub.ID,
		sub.ActivityID,
		sub.IdentityID,
		sub.Title,
		sub.Description,
		sub.ProjectURL,
		sub.DemoURL,
		nonNil(sub.TechStack),
		sub.Challenges,
		nonNil(sub.Screenshots),
		sub.SubmittedAt,
		sub.CreatedAt,
	).Scan(&sub.ID, &sub.CreatedAt, &inserted)
	if err != nil {
		if isViolation(err, pgForeignKeyViolation, "") {
			return false, models.ErrActivityNotFound
		}
		return false, fmt.Errorf("failed to save submission: %w", err)
	}
	return inserted, nil
}

// GetSubmission returns the identity's submission for an activity, or nil
func (r *PostgresRepository) GetSubmission(ctx context.Context, activityID, identityID string) (*models.Submission, error) {
	if !validID(activityID) {
		return nil, nil
	}

	sub, err := scanSubmission(r.pool.QueryRow(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions s JOIN activities a ON a.id = s.activity_id
		WHERE s.activity_id = $1 AND s.identity_id = $2
	`, activityID, identityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions lists submissions newest first, optionally for one activity or one organizer
func (r *PostgresRepository) ListSubmissions(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error) {
	if filters.ActivityID != "" && !validID(filters.ActivityID) {
		return nil, nil
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions s JOIN activities a ON a.id = s.activity_id WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filters.ActivityID != "" {
		query += fmt.Sprintf(" AND s.activity_id = $%d", argNum)
		args = append(args, filters.ActivityID)
		argNum++
	}

	if filters.OrganizerID != "" {
		query += fmt.Sprintf(" AND a.organizer_id = $%d", argNum)
		args = append(args, filters.OrganizerID)
		argNum++
	}

	query += " ORDER BY s.submitted_at DESC, s.id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var submissions []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		submissions = append(submissions, sub)
	}

	return submissions, rows.Err()
}

// Teams

// CreateTeam inserts the team and its leader membership in one transaction.
// The (activity, identity) unique constraint rejects a leader already on a team.
func (r *PostgresRepository) CreateTeam(ctx context.Context, team *models.Team) error {
	if len(team.Members) != 1 {
		return fmt.Errorf("team must be created with exactly its leader")
	}
	leader := team.Members[0]

	return r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO teams (id, activity_id, name, leader_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, team.ID, team.ActivityID, team.Name, team.LeaderID, team.CreatedAt)
		if err != nil {
			if isViolation(err, pgForeignKeyViolation, "") {
				return models.ErrActivityNotFound
			}
			return fmt.Errorf("failed to create team: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO team_members (team_id, activity_id, identity_id, email, joined_at)
			VALUES ($1, $2, $3, $4, $5)
		`, team.ID, team.ActivityID, leader.IdentityID, leader.Email, leader.JoinedAt)
		if err != nil {
			if isViolation(err, pgUniqueViolation, constraintTeamMember) {
				return models.ErrAlreadyOnTeam
			}
			return fmt.Errorf("failed to add team leader: %w", err)
		}

		if _, err := addParticipant(ctx, tx, team.ActivityID, leader.IdentityID, leader.JoinedAt); err != nil {
			return err
		}
		return nil
	})
}

// GetTeam retrieves a team with members and invites. Returns nil when it does not exist.
func (r *PostgresRepository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	if !validID(id) {
		return nil, nil
	}
	var t models.Team
	err := r.pool.QueryRow(ctx, `
		SELECT id, activity_id, name, leader_id, created_at FROM teams WHERE id = $1
	`, id).Scan(&t.ID, &t.ActivityID, &t.Name, &t.LeaderID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isViolation(err, pgInvalidText, "") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}

	if err := r.loadTeamDetails(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTeamForMember returns the team identityID belongs to in an activity, or nil
func (r *PostgresRepository) GetTeamForMember(ctx context.Context, activityID, identityID string) (*models.Team, error) {
	if !validID(activityID) {
		return nil, nil
	}
	var teamID string
	err := r.pool.QueryRow(ctx, `
		SELECT team_id FROM team_members WHERE activity_id = $1 AND identity_id = $2
	`, activityID, identityID).Scan(&teamID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find team for member: %w", err)
	}
	return r.GetTeam(ctx, teamID)
}

func (r *PostgresRepository) loadTeamDetails(ctx context.Context, t *models.Team) error {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_id, email, joined_at FROM team_members WHERE team_id = $1 ORDER BY joined_at
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to load team members: %w", err)
	}
	for rows.Next() {
		var m models.TeamMember
		if err := rows.Scan(&m.IdentityID, &m.Email, &m.JoinedAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan team member: %w", err)
		}
		t.Members = append(t.Members, &m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load team members: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, team_id, email, status, created_at, responded_at
		FROM team_invites WHERE team_id = $1 ORDER BY created_at
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to load team invites: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inv models.Invite
		var status string
		var respondedAt sql.NullTime
		if err := rows.Scan(&inv.ID, &inv.TeamID, &inv.Email, &status, &inv.CreatedAt, &respondedAt); err != nil {
			return fmt.Errorf("failed to scan team invite: %w", err)
		}
		inv.Status = models.InviteStatus(status)
		if respondedAt.Valid {
			inv.RespondedAt = &respondedAt.Time
		}
		t.Invites = append(t.Invites, &inv)
	}

	return rows.Err()
}

// CreateInvite records a pending invite after checking capacity and duplicates
// under the team row lock.
func (r *PostgresRepository) CreateInvite(ctx context.Context, inv *models.Invite, maxTeamSize int) error {
	if !validID(inv.TeamID) {
		return models.ErrTeamNotFound
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockTeam(ctx, tx, inv.TeamID); err != nil {
			return err
		}

		var members int
		var emailIsMember bool
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(BOOL_OR(email = $2), FALSE)
			FROM team_members WHERE team_id = $1
		`, inv.TeamID, inv.Email).Scan(&members, &emailIsMember)
		if err != nil {
			return fmt.Errorf("failed to count team members: %w", err)
		}

		if emailIsMember {
			return models.ErrAlreadyInvited
		}
		if members >= maxTeamSize {
			return models.ErrTeamFull
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO team_invites (id, team_id, email, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, inv.ID, inv.TeamID, inv.Email, string(models.InvitePending), inv.CreatedAt)
		if err != nil {
			if isViolation(err, pgUniqueViolation, constraintOpenInvite) {
				return models.ErrAlreadyInvited
			}
			return fmt.Errorf("failed to create invite: %w", err)
		}
		return nil
	})
}

// AcceptInvite adds member to the team if a pending invite for its email exists.
// The team row lock serializes concurrent accepts so capacity is re-checked
// against the committed member count.
func (r *PostgresRepository) AcceptInvite(ctx context.Context, teamID string, member *models.TeamMember, maxTeamSize int) error {
	if !validID(teamID) {
		return models.ErrTeamNotFound
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var activityID string
		err := tx.QueryRow(ctx, `SELECT activity_id FROM teams WHERE id = $1 FOR UPDATE`, teamID).Scan(&activityID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrTeamNotFound
			}
			return fmt.Errorf("failed to lock team: %w", err)
		}

		var inviteID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM team_invites WHERE team_id = $1 AND email = $2 AND status = 'pending'
		`, teamID, member.Email).Scan(&inviteID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrNoPendingInvite
			}
			return fmt.Errorf("failed to find invite: %w", err)
		}

		var onTeam bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM team_members WHERE activity_id = $1 AND identity_id = $2)
		`, activityID, member.IdentityID).Scan(&onTeam)
		if err != nil {
			return fmt.Errorf("failed to check membership: %w", err)
		}
		if onTeam {
			return models.ErrAlreadyOnAnotherTeam
		}

		var members int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id = $1`, teamID).Scan(&members); err != nil {
			return fmt.Errorf("failed to count team members: %w", err)
		}
		if members >= maxTeamSize {
			return models.ErrTeamFull
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO team_members (team_id, activity_id, identity_id, email, joined_at)
			VALUES ($1, $2, $3, $4, $5)
		`, teamID, activityID, member.IdentityID, member.Email, member.JoinedAt)
		if err != nil {
			if isViolation(err, pgUniqueViolation, "") {
				return models.ErrAlreadyOnAnotherTeam
			}
			return fmt.Errorf("failed to add team member: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE team_invites SET status = 'accepted', responded_at = $2
			WHERE id = $1 AND status = 'pending'
		`, inviteID, member.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to accept invite: %w", err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNoPendingInvite
		}

		if _, err := addParticipant(ctx, tx, activityID, member.IdentityID, member.JoinedAt); err != nil {
			return err
		}
		return nil
	})
}

// DeclineInvite marks the pending invite for email as declined
func (r *PostgresRepository) DeclineInvite(ctx context.Context, teamID, email string, at time.Time) error {
	if !validID(teamID) {
		return models.ErrNoPendingInvite
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE team_invites SET status = 'declined', responded_at = $3
		WHERE team_id = $1 AND email = $2 AND status = 'pending'
	`, teamID, email, at)
	if err != nil {
		return fmt.Errorf("failed to decline invite: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNoPendingInvite
	}
	return nil
}

// RemoveMember deletes a non-leader membership. Returns false when the identity was not a member.
func (r *PostgresRepository) RemoveMember(ctx context.Context, teamID, identityID string) (bool, error) {
	if !validID(teamID) {
		return false, nil
	}
	result, err := r.pool.Exec(ctx, `
		DELETE FROM team_members m
		USING teams t
		WHERE m.team_id = t.id AND m.team_id = $1 AND m.identity_id = $2 AND t.leader_id <> $2
	`, teamID, identityID)
	if err != nil {
		return false, fmt.Errorf("failed to remove team member: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListPendingInvites lists pending invites addressed to email across all teams
func (r *PostgresRepository) ListPendingInvites(ctx context.Context, email string) ([]*models.InviteSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, t.id, t.name, a.id, a.title, a.start_at, a.end_at
		FROM team_invites i
		JOIN teams t ON t.id = i.team_id
		JOIN activities a ON a.id = t.activity_id
		WHERE i.email = $1 AND i.status = 'pending'
		ORDER BY i.created_at DESC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	var invites []*models.InviteSummary
	for rows.Next() {
		var s models.InviteSummary
		if err := rows.Scan(&s.InviteID, &s.TeamID, &s.TeamName, &s.ActivityID, &s.ActivityTitle, &s.StartAt, &s.EndAt); err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, &s)
	}

	return invites, rows.Err()
}

func lockTeam(ctx context.Context, tx pgx.Tx, teamID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM teams WHERE id = $1 FOR UPDATE`, teamID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrTeamNotFound
		}
		return fmt.Errorf("failed to lock team: %w", err)
	}
	return nil
}

// Certificate requests

const certificateColumns = `
	id, activity_id, participant_id, issued_by, certificate_type, status, requested_at, minted_at,
	recipient_address, recipient_name, image_uri, token_uri, contract_address, transaction_hash,
	signed_tx, block_number, attempts, last_error, lease_owner, lease_expires_at, updated_at
`

func scanCertificate(row pgx.Row) (*models.CertificateRequest, error) {
	var c models.CertificateRequest
	var status string
	var mintedAt, leaseExpiresAt sql.NullTime
	var recipientAddress, recipientName, imageURI, tokenURI, contract, txHash, lastError, leaseOwner sql.NullString
	var block sql.NullInt64

	err := row.Scan(
		&c.ID,
		&c.ActivityID,
		&c.ParticipantID,
		&c.IssuedBy,
		&c.CertificateType,
		&status,
		&c.RequestedAt,
		&mintedAt,
		&recipientAddress,
		&recipientName,
		&imageURI,
		&tokenURI,
		&contract,
		&txHash,
		&c.SignedTx,
		&block,
		&c.Attempts,
		&lastError,
		&leaseOwner,
		&leaseExpiresAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = models.CertificateStatus(status)
	c.RecipientAddress = recipientAddress.String
	c.RecipientName = recipientName.String
	c.ImageURI = imageURI.String
	c.TokenURI = tokenURI.String
	c.ContractAddress = contract.String
	c.TransactionHash = txHash.String
	c.LastError = lastError.String
	c.LeaseOwner = leaseOwner.String

	if mintedAt.Valid {
		c.MintedAt = &mintedAt.Time
	}
	if leaseExpiresAt.Valid {
		c.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if block.Valid {
		n := uint64(block.Int64)
		c.BlockNumber = &n
	}

	return &c, nil
}

// CreateCertificateRequest inserts a pending request. The partial unique index
// over open requests rejects a second non-terminal request for the same tuple.
func (r *PostgresRepository) CreateCertificateRequest(ctx context.Context, req *models.CertificateRequest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO certificate_requests (id, activity_id, participant_id, issued_by, certificate_type, status, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, req.ID, req.ActivityID, req.ParticipantID, req.IssuedBy, req.CertificateType, string(req.Status), req.RequestedAt)
	if err != nil {
		if isViolation(err, pgUniqueViolation, constraintOpenRequest) {
			return models.ErrDuplicatePending
		}
		if isViolation(err, pgForeignKeyViolation, "") {
			return models.ErrActivityNotFound
		}
		return fmt.Errorf("failed to create certificate request: %w", err)
	}
	return nil
}

// GetCertificateRequest retrieves a request by ID. Returns nil when it does not exist.
func (r *PostgresRepository) GetCertificateRequest(ctx context.Context, id string) (*models.CertificateRequest, error) {
	if !validID(id) {
		return nil, nil
	}
	c, err := scanCertificate(r.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificate_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isViolation(err, pgInvalidText, "") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get certificate request: %w", err)
	}
	return c, nil
}

// ListCertificateRequests lists requests with optional filters
func (r *PostgresRepository) ListCertificateRequests(ctx context.Context, filters models.CertificateFilters) ([]*models.CertificateRequest, error) {
	if filters.ActivityID != "" && !validID(filters.ActivityID) {
		return nil, nil
	}

	query := `SELECT ` + certificateColumns + ` FROM certificate_requests WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filters.ActivityID != "" {
		query += fmt.Sprintf(" AND activity_id = $%d", argNum)
		args = append(args, filters.ActivityID)
		argNum++
	}

	if filters.ParticipantID != "" {
		query += fmt.Sprintf(" AND participant_id = $%d", argNum)
		args = append(args, filters.ParticipantID)
		argNum++
	}

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filters.Status))
		argNum++
	}

	query += " ORDER BY requested_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	return r.queryCertificates(ctx, query, args...)
}

// ListPendingCertificates lists a participant's pending requests with activity details
func (r *PostgresRepository) ListPendingCertificates(ctx context.Context, participantID string) ([]*models.PendingCertificate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, a.id, a.title, a.kind, c.certificate_type, c.requested_at
		FROM certificate_requests c
		JOIN activities a ON a.id = c.activity_id
		WHERE c.participant_id = $1 AND c.status = 'pending'
		ORDER BY c.requested_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending certificates: %w", err)
	}
	defer rows.Close()

	var pending []*models.PendingCertificate
	for rows.Next() {
		var p models.PendingCertificate
		if err := rows.Scan(&p.RequestID, &p.ActivityID, &p.ActivityTitle, &p.ActivityKind, &p.CertificateType, &p.RequestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending certificate: %w", err)
		}
		pending = append(pending, &p)
	}

	return pending, rows.Err()
}

// RejectCertificateRequest moves a pending request to rejected
func (r *PostgresRepository) RejectCertificateRequest(ctx context.Context, id string, at time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE certificate_requests SET status = 'rejected', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to reject certificate request: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Mint saga

// BeginMint atomically moves a pending request owned by participantID to minting
// and takes the mint lease. Returns nil when the guard did not match.
func (r *PostgresRepository) BeginMint(ctx context.Context, id, participantID string, recipient Recipient, lease Lease) (*models.CertificateRequest, error) {
	if !validID(id) {
		return nil, nil
	}

	query := `
		UPDATE certificate_requests
		SET status = 'minting', recipient_address = $3, recipient_name = $4,
			lease_owner = $5, lease_expires_at = $6, attempts = attempts + 1,
			last_error = NULL, updated_at = $7
		WHERE id = $1 AND participant_id = $2 AND status = 'pending'
		RETURNING ` + certificateColumns

	c, err := scanCertificate(r.pool.QueryRow(ctx, query, id, participantID, recipient.Address, recipient.Name, lease.Owner, lease.Until, lease.Now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to begin mint: %w", err)
	}
	return c, nil
}

// ClaimMint takes the lease on a minting request whose previous lease expired.
// Returns nil when the request is not minting or the lease is still held.
func (r *PostgresRepository) ClaimMint(ctx context.Context, id string, lease Lease) (*models.CertificateRequest, error) {
	if !validID(id) {
		return nil, nil
	}

	query := `
		UPDATE certificate_requests
		SET lease_owner = $2, lease_expires_at = $3, attempts = attempts + 1, updated_at = $4
		WHERE id = $1 AND status = 'minting' AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING ` + certificateColumns

	c, err := scanCertificate(r.pool.QueryRow(ctx, query, id, lease.Owner, lease.Until, lease.Now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim mint: %w", err)
	}
	return c, nil
}

// RecordImage persists the published image URI
func (r *PostgresRepository) RecordImage(ctx context.Context, id, leaseOwner, imageURI string) error {
	return r.leasedUpdate(ctx, "record image", `
		UPDATE certificate_requests SET image_uri = $3, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'minting'
	`, id, leaseOwner, imageURI)
}

// RecordTokenURI persists the published metadata URI
func (r *PostgresRepository) RecordTokenURI(ctx context.Context, id, leaseOwner, tokenURI string) error {
	return r.leasedUpdate(ctx, "record token uri", `
		UPDATE certificate_requests SET token_uri = $3, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'minting'
	`, id, leaseOwner, tokenURI)
}

// RecordTransaction persists the signed mint transaction before it is broadcast
func (r *PostgresRepository) RecordTransaction(ctx context.Context, id, leaseOwner, contract, txHash string, signedTx []byte) error {
	return r.leasedUpdate(ctx, "record transaction", `
		UPDATE certificate_requests
		SET contract_address = $3, transaction_hash = $4, signed_tx = $5, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'minting' AND transaction_hash IS NULL
	`, id, leaseOwner, contract, txHash, signedTx)
}

// ClearTransaction discards a signed transaction that can no longer be mined
func (r *PostgresRepository) ClearTransaction(ctx context.Context, id, leaseOwner, txHash, reason string) error {
	return r.leasedUpdate(ctx, "clear transaction", `
		UPDATE certificate_requests
		SET transaction_hash = NULL, signed_tx = NULL, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'minting' AND transaction_hash = $3
	`, id, leaseOwner, txHash, reason)
}

// CompleteMint moves a minting request with txHash to minted
func (r *PostgresRepository) CompleteMint(ctx context.Context, id, txHash string, block uint64, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE certificate_requests
		SET status = 'minted', minted_at = $3, block_number = $4, signed_tx = NULL,
			lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status = 'minting' AND transaction_hash = $2
	`, id, txHash, at, int64(block))
	if err != nil {
		return false, fmt.Errorf("failed to complete mint: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RevertMint returns a minting request whose transaction reverted to pending.
// Published artifacts are kept so a retry does not re-upload them.
func (r *PostgresRepository) RevertMint(ctx context.Context, id, txHash, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE certificate_requests
		SET status = 'pending', transaction_hash = NULL, signed_tx = NULL, contract_address = NULL,
			lease_owner = NULL, lease_expires_at = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'minting' AND transaction_hash = $2
	`, id, txHash, reason)
	if err != nil {
		return false, fmt.Errorf("failed to revert mint: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseMint gives up the lease, leaving the request minting for a later resume
func (r *PostgresRepository) ReleaseMint(ctx context.Context, id, leaseOwner, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE certificate_requests
		SET lease_owner = NULL, lease_expires_at = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2
	`, id, leaseOwner, nullString(lastError))
	if err != nil {
		return fmt.Errorf("failed to release mint: %w", err)
	}
	return nil
}

// CancelMint returns a minting request to pending when nothing was signed yet
// and no worker holds the lease.
func (r *PostgresRepository) CancelMint(ctx context.Context, id, participantID string, now time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE certificate_requests
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND participant_id = $2 AND status = 'minting' AND transaction_hash IS NULL
			AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
	`, id, participantID, now)
	if err != nil {
		return false, fmt.Errorf("failed to cancel mint: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListStalledMints lists minting requests with no live lease that have not moved since updatedBefore
func (r *PostgresRepository) ListStalledMints(ctx context.Context, now, updatedBefore time.Time, limit int) ([]*models.CertificateRequest, error) {
	return r.queryCertificates(ctx, `
		SELECT `+certificateColumns+` FROM certificate_requests
		WHERE status = 'minting' AND (lease_expires_at IS NULL OR lease_expires_at <= $1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, now, updatedBefore, limit)
}

func (r *PostgresRepository) queryCertificates(ctx context.Context, query string, args ...interface{}) ([]*models.CertificateRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificate requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.CertificateRequest
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate request: %w", err)
		}
		requests = append(requests, c)
	}

	return requests, rows.Err()
}

func (r *PostgresRepository) leasedUpdate(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Helper functions

// isViolation reports whether err is a Postgres error with code, optionally on a named constraint
func isViolation(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// validID reports whether id can name a row. Every id column is a UUID, and
// Postgres rejects anything else with 22P02 instead of matching nothing.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
