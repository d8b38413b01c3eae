package storage

import (
	"context"
	"errors"
	"time"

	"github.com/terra-clan/cert-engine/internal/models"
)

// ErrLeaseLost is returned when a mint write finds the request no longer held by the caller's lease
var ErrLeaseLost = errors.New("mint lease lost")

// Lease identifies the worker driving a mint saga and how long it may do so
type Lease struct {
	Owner string
	Now   time.Time
	Until time.Time
}

// Recipient is the wallet and display name a certificate is minted to
type Recipient struct {
	Address string
	Name    string
}

// Repository defines the interface for activity, team and certificate persistence.
// Every state transition is a conditional write evaluated by the datastore.
type Repository interface {
	// Activities
	CreateActivity(ctx context.Context, a *models.Activity) error
	GetActivity(ctx context.Context, id string) (*models.Activity, error)
	ListActivities(ctx context.Context, filters models.ActivityFilters) ([]*models.Activity, error)

	// Participants
	AddParticipant(ctx context.Context, activityID, identityID string, at time.Time) (bool, error)
	IsParticipant(ctx context.Context, activityID, identityID string) (bool, error)
	ListParticipants(ctx context.Context, activityID string) ([]*models.Participant, error)

	// Submissions
	UpsertSubmission(ctx context.Context, sub *models.Submission) (bool, error)
	GetSubmission(ctx context.Context, activityID, identityID string) (*models.Submission, error)
	ListSubmissions(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error)

	// Teams
	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	GetTeamForMember(ctx context.Context, activityID, identityID string) (*models.Team, error)
	CreateInvite(ctx context.Context, inv *models.Invite, maxTeamSize int) error
	AcceptInvite(ctx context.Context, teamID string, member *models.TeamMember, maxTeamSize int) error
	DeclineInvite(ctx context.Context, teamID, email string, at time.Time) error
	RemoveMember(ctx context.Context, teamID, identityID string) (bool, error)
	ListPendingInvites(ctx context.Context, email string) ([]*models.InviteSummary, error)

	// Certificate requests
	CreateCertificateRequest(ctx context.Context, req *models.CertificateRequest) error
	GetCertificateRequest(ctx context.Context, id string) (*models.CertificateRequest, error)
	ListCertificateRequests(ctx context.Context, filters models.CertificateFilters) ([]*models.CertificateRequest, error)
	ListPendingCertificates(ctx context.Context, participantID string) ([]*models.PendingCertificate, error)
	RejectCertificateRequest(ctx context.Context, id string, at time.Time) (bool, error)

	// Mint saga
	BeginMint(ctx context.Context, id, participantID string, recipient Recipient, lease Lease) (*models.CertificateRequest, error)
	ClaimMint(ctx context.Context, id string, lease Lease) (*models.CertificateRequest, error)
	RecordImage(ctx context.Context, id, leaseOwner, imageURI string) error
	RecordTokenURI(ctx context.Context, id, leaseOwner, tokenURI string) error
	RecordTransaction(ctx context.Context, id, leaseOwner, contract, txHash string, signedTx []byte) error
	ClearTransaction(ctx context.Context, id, leaseOwner, txHash, reason string) error
	CompleteMint(ctx context.Context, id, txHash string, block uint64, at time.Time) (bool, error)
	RevertMint(ctx context.Context, id, txHash, reason string) (bool, error)
	ReleaseMint(ctx context.Context, id, leaseOwner, lastError string) error
	CancelMint(ctx context.Context, id, participantID string, now time.Time) (bool, error)
	ListStalledMints(ctx context.Context, now, updatedBefore time.Time, limit int) ([]*models.CertificateRequest, error)

	// Health
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
