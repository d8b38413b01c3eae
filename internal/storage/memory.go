package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/terra-clan/cert-engine/internal/models"
)

// MemoryRepository implements Repository in process memory. Each method holds
// the mutex for its whole body, which gives the same all-or-nothing guards as
// the Postgres transactions. It is meant for tests and single-instance development.
type MemoryRepository struct {
	mu           sync.Mutex
	activities   map[string]*models.Activity
	participants map[string]map[string]time.Time
	teams        map[string]*models.Team
	certificates map[string]*models.CertificateRequest
	submissions  map[string]*models.Submission
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		activities:   make(map[string]*models.Activity),
		participants: make(map[string]map[string]time.Time),
		teams:        make(map[string]*models.Team),
		certificates: make(map[string]*models.CertificateRequest),
		submissions:  make(map[string]*models.Submission),
	}
}

// Ping always succeeds
func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (m *MemoryRepository) Close() error { return nil }

// Activities

func (m *MemoryRepository) CreateActivity(ctx context.Context, a *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.activities[a.ID] = &cp
	m.participants[a.ID] = make(map[string]time.Time)
	return nil
}

func (m *MemoryRepository) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return nil, nil
	}
	return m.copyActivity(a), nil
}

func (m *MemoryRepository) ListActivities(ctx context.Context, filters models.ActivityFilters) ([]*models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Activity
	for _, a := range m.activities {
		if filters.Kind != "" && a.Kind != filters.Kind {
			continue
		}
		if filters.OrganizerID != "" && a.OrganizerID != filters.OrganizerID {
			continue
		}
		if filters.ParticipantID != "" {
			if _, ok := m.participants[a.ID][filters.ParticipantID]; !ok {
				continue
			}
		}
		out = append(out, m.copyActivity(a))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	return paginate(out, filters.Limit, filters.Offset), nil
}

func (m *MemoryRepository) copyActivity(a *models.Activity) *models.Activity {
	cp := *a
	cp.ParticipantCount = len(m.participants[a.ID])
	return &cp
}

// Participants

func (m *MemoryRepository) AddParticipant(ctx context.Context, activityID, identityID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addParticipant(activityID, identityID, at)
}

func (m *MemoryRepository) addParticipant(activityID, identityID string, at time.Time) (bool, error) {
	set, ok := m.participants[activityID]
	if !ok {
		return false, models.ErrActivityNotFound
	}
	if _, exists := set[identityID]; exists {
		return false, nil
	}
	set[identityID] = at
	return true, nil
}

func (m *MemoryRepository) IsParticipant(ctx context.Context, activityID, identityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.participants[activityID][identityID]
	return ok, nil
}

func (m *MemoryRepository) ListParticipants(ctx context.Context, activityID string) ([]*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Participant
	for id, at := range m.participants[activityID] {
		out = append(out, &models.Participant{ActivityID: activityID, IdentityID: id, RegisteredAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].IdentityID < out[j].IdentityID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

// Submissions

func submissionKey(activityID, identityID string) string {
	return activityID + "/" + identityID
}

// UpsertSubmission stores sub, replacing the identity's earlier entry for the
// activity. The earlier ID and CreatedAt are kept. Returns true when it was new.
func (m *MemoryRepository) UpsertSubmission(ctx context.Context, sub *models.Submission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activities[sub.ActivityID]; !ok {
		return false, models.ErrActivityNotFound
	}

	key := submissionKey(sub.ActivityID, sub.IdentityID)
	cp := copySubmission(sub)
	existing, ok := m.submissions[key]
	if ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	m.submissions[key] = cp

	sub.ID = cp.ID
	sub.CreatedAt = cp.CreatedAt
	return !ok, nil
}

func (m *MemoryRepository) GetSubmission(ctx context.Context, activityID, identityID string) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.submissions[submissionKey(activityID, identityID)]
	if !ok {
		return nil, nil
	}
	return copySubmission(sub), nil
}

func (m *MemoryRepository) ListSubmissions(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Submission
	for _, sub := range m.submissions {
		a := m.activities[sub.ActivityID]
		if filters.ActivityID != "" && sub.ActivityID != filters.ActivityID {
			continue
		}
		if filters.OrganizerID != "" && a.OrganizerID != filters.OrganizerID {
			continue
		}
		cp := copySubmission(sub)
		cp.ActivityTitle = a.Title
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return paginate(out, filters.Limit, filters.Offset), nil
}

func copySubmission(sub *models.Submission) *models.Submission {
	cp := *sub
	cp.TechStack = append([]string{}, sub.TechStack...)
	cp.Screenshots = append([]string{}, sub.Screenshots...)
	return &cp
}

// Teams

func (m *MemoryRepository) memberTeam(activityID, identityID string) *models.Team {
	for _, t := range m.teams {
		if t.ActivityID == activityID && t.HasMember(identityID) {
			return t
		}
	}
	return nil
}

func (m *MemoryRepository) CreateTeam(ctx context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activities[team.ActivityID]; !ok {
		return models.ErrActivityNotFound
	}
	leader := team.Members[0]
	if m.memberTeam(team.ActivityID, leader.IdentityID) != nil {
		return models.ErrAlreadyOnTeam
	}

	m.teams[team.ID] = copyTeam(team)
	_, err := m.addParticipant(team.ActivityID, leader.IdentityID, leader.JoinedAt)
	return err
}

func (m *MemoryRepository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[id]
	if !ok {
		return nil, nil
	}
	return copyTeam(t), nil
}

func (m *MemoryRepository) GetTeamForMember(ctx context.Context, activityID, identityID string) (*models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.memberTeam(activityID, identityID); t != nil {
		return copyTeam(t), nil
	}
	return nil, nil
}

func (m *MemoryRepository) CreateInvite(ctx context.Context, inv *models.Invite, maxTeamSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[inv.TeamID]
	if !ok {
		return models.ErrTeamNotFound
	}
	for _, mem := range t.Members {
		if mem.Email == inv.Email {
			return models.ErrAlreadyInvited
		}
	}
	if len(t.Members) >= maxTeamSize {
		return models.ErrTeamFull
	}
	for _, existing := range t.Invites {
		if existing.Email == inv.Email && existing.Status == models.InvitePending {
			return models.ErrAlreadyInvited
		}
	}

	cp := *inv
	cp.Status = models.InvitePending
	t.Invites = append(t.Invites, &cp)
	return nil
}

func (m *MemoryRepository) AcceptInvite(ctx context.Context, teamID string, member *models.TeamMember, maxTeamSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[teamID]
	if !ok {
		return models.ErrTeamNotFound
	}

	var invite *models.Invite
	for _, inv := range t.Invites {
		if inv.Email == member.Email && inv.Status == models.InvitePending {
			invite = inv
			break
		}
	}
	if invite == nil {
		return models.ErrNoPendingInvite
	}
	if m.memberTeam(t.ActivityID, member.IdentityID) != nil {
		return models.ErrAlreadyOnAnotherTeam
	}
	if len(t.Members) >= maxTeamSize {
		return models.ErrTeamFull
	}

	cp := *member
	t.Members = append(t.Members, &cp)
	at := member.JoinedAt
	invite.Status = models.InviteAccepted
	invite.RespondedAt = &at

	_, err := m.addParticipant(t.ActivityID, member.IdentityID, member.JoinedAt)
	return err
}

func (m *MemoryRepository) DeclineInvite(ctx context.Context, teamID, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[teamID]
	if !ok {
		return models.ErrNoPendingInvite
	}
	for _, inv := range t.Invites {
		if inv.Email == email && inv.Status == models.InvitePending {
			inv.Status = models.InviteDeclined
			inv.RespondedAt = &at
			return nil
		}
	}
	return models.ErrNoPendingInvite
}

func (m *MemoryRepository) RemoveMember(ctx context.Context, teamID, identityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.teams[teamID]
	if !ok || t.LeaderID == identityID {
		return false, nil
	}
	for i, mem := range t.Members {
		if mem.IdentityID == identityID {
			t.Members = append(t.Members[:i], t.Members[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) ListPendingInvites(ctx context.Context, email string) ([]*models.InviteSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.InviteSummary
	for _, t := range m.teams {
		a := m.activities[t.ActivityID]
		for _, inv := range t.Invites {
			if inv.Email != email || inv.Status != models.InvitePending {
				continue
			}
			out = append(out, &models.InviteSummary{
				InviteID:      inv.ID,
				TeamID:        t.ID,
				TeamName:      t.Name,
				ActivityID:    a.ID,
				ActivityTitle: a.Title,
				StartAt:       a.StartAt,
				EndAt:         a.EndAt,
			})
		}
	}
	return out, nil
}

func copyTeam(t *models.Team) *models.Team {
	cp := *t
	cp.Members = make([]*models.TeamMember, 0, len(t.Members))
	for _, mem := range t.Members {
		mc := *mem
		cp.Members = append(cp.Members, &mc)
	}
	cp.Invites = make([]*models.Invite, 0, len(t.Invites))
	for _, inv := range t.Invites {
		ic := *inv
		cp.Invites = append(cp.Invites, &ic)
	}
	return &cp
}

// Certificate requests

func (m *MemoryRepository) CreateCertificateRequest(ctx context.Context, req *models.CertificateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activities[req.ActivityID]; !ok {
		return models.ErrActivityNotFound
	}
	for _, c := range m.certificates {
		if c.ParticipantID == req.ParticipantID && c.ActivityID == req.ActivityID &&
			c.CertificateType == req.CertificateType && !c.Status.IsTerminal() {
			return models.ErrDuplicatePending
		}
	}

	cp := *req
	cp.UpdatedAt = req.RequestedAt
	m.certificates[req.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetCertificateRequest(ctx context.Context, id string) (*models.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok {
		return nil, nil
	}
	return copyCertificate(c), nil
}

func (m *MemoryRepository) ListCertificateRequests(ctx context.Context, filters models.CertificateFilters) ([]*models.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.CertificateRequest
	for _, c := range m.certificates {
		if filters.ActivityID != "" && c.ActivityID != filters.ActivityID {
			continue
		}
		if filters.ParticipantID != "" && c.ParticipantID != filters.ParticipantID {
			continue
		}
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		out = append(out, copyCertificate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return paginate(out, filters.Limit, filters.Offset), nil
}

func (m *MemoryRepository) ListPendingCertificates(ctx context.Context, participantID string) ([]*models.PendingCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PendingCertificate
	for _, c := range m.certificates {
		if c.ParticipantID != participantID || c.Status != models.CertificatePending {
			continue
		}
		a := m.activities[c.ActivityID]
		out = append(out, &models.PendingCertificate{
			RequestID:       c.ID,
			ActivityID:      a.ID,
			ActivityTitle:   a.Title,
			ActivityKind:    string(a.Kind),
			CertificateType: c.CertificateType,
			RequestedAt:     c.RequestedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (m *MemoryRepository) RejectCertificateRequest(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.Status != models.CertificatePending {
		return false, nil
	}
	c.Status = models.CertificateRejected
	c.UpdatedAt = at
	return true, nil
}

// Mint saga

func (m *MemoryRepository) BeginMint(ctx context.Context, id, participantID string, recipient Recipient, lease Lease) (*models.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.ParticipantID != participantID || c.Status != models.CertificatePending {
		return nil, nil
	}

	until := lease.Until
	c.Status = models.CertificateMinting
	c.RecipientAddress = recipient.Address
	c.RecipientName = recipient.Name
	c.LeaseOwner = lease.Owner
	c.LeaseExpiresAt = &until
	c.Attempts++
	c.LastError = ""
	c.UpdatedAt = lease.Now
	return copyCertificate(c), nil
}

func (m *MemoryRepository) ClaimMint(ctx context.Context, id string, lease Lease) (*models.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.Status != models.CertificateMinting || c.LeaseHeld(lease.Now) {
		return nil, nil
	}

	until := lease.Until
	c.LeaseOwner = lease.Owner
	c.LeaseExpiresAt = &until
	c.Attempts++
	c.UpdatedAt = lease.Now
	return copyCertificate(c), nil
}

func (m *MemoryRepository) leased(id, owner string) (*models.CertificateRequest, error) {
	c, ok := m.certificates[id]
	if !ok || c.Status != models.CertificateMinting || c.LeaseOwner != owner {
		return nil, ErrLeaseLost
	}
	return c, nil
}

func (m *MemoryRepository) RecordImage(ctx context.Context, id, leaseOwner, imageURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.leased(id, leaseOwner)
	if err != nil {
		return err
	}
	c.ImageURI = imageURI
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) RecordTokenURI(ctx context.Context, id, leaseOwner, tokenURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.leased(id, leaseOwner)
	if err != nil {
		return err
	}
	c.TokenURI = tokenURI
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) RecordTransaction(ctx context.Context, id, leaseOwner, contract, txHash string, signedTx []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.leased(id, leaseOwner)
	if err != nil {
		return err
	}
	if c.TransactionHash != "" {
		return ErrLeaseLost
	}
	c.ContractAddress = contract
	c.TransactionHash = txHash
	c.SignedTx = append([]byte(nil), signedTx...)
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) ClearTransaction(ctx context.Context, id, leaseOwner, txHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.leased(id, leaseOwner)
	if err != nil {
		return err
	}
	if c.TransactionHash != txHash {
		return ErrLeaseLost
	}
	c.TransactionHash = ""
	c.SignedTx = nil
	c.LastError = reason
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) CompleteMint(ctx context.Context, id, txHash string, block uint64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.Status != models.CertificateMinting || c.TransactionHash != txHash {
		return false, nil
	}
	minted := at
	c.Status = models.CertificateMinted
	c.MintedAt = &minted
	c.BlockNumber = &block
	c.SignedTx = nil
	c.LeaseOwner = ""
	c.LeaseExpiresAt = nil
	c.LastError = ""
	c.UpdatedAt = at
	return true, nil
}

func (m *MemoryRepository) RevertMint(ctx context.Context, id, txHash, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.Status != models.CertificateMinting || c.TransactionHash != txHash {
		return false, nil
	}
	c.Status = models.CertificatePending
	c.TransactionHash = ""
	c.SignedTx = nil
	c.ContractAddress = ""
	c.LeaseOwner = ""
	c.LeaseExpiresAt = nil
	c.LastError = reason
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryRepository) ReleaseMint(ctx context.Context, id, leaseOwner, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.LeaseOwner != leaseOwner {
		return nil
	}
	c.LeaseOwner = ""
	c.LeaseExpiresAt = nil
	c.LastError = lastError
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) CancelMint(ctx context.Context, id, participantID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok || c.ParticipantID != participantID || c.Status != models.CertificateMinting ||
		c.TransactionHash != "" || c.LeaseHeld(now) {
		return false, nil
	}
	c.Status = models.CertificatePending
	c.LeaseOwner = ""
	c.LeaseExpiresAt = nil
	c.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) ListStalledMints(ctx context.Context, now, updatedBefore time.Time, limit int) ([]*models.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.CertificateRequest
	for _, c := range m.certificates {
		if c.Status != models.CertificateMinting || c.LeaseHeld(now) || !c.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, copyCertificate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

func copyCertificate(c *models.CertificateRequest) *models.CertificateRequest {
	cp := *c
	cp.SignedTx = append([]byte(nil), c.SignedTx...)
	if len(cp.SignedTx) == 0 {
		cp.SignedTx = nil
	}
	return &cp
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
