package models

import "time"

// InviteStatus is the state of a team invite
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
)

// IsTerminal returns true once the invite has been answered
func (s InviteStatus) IsTerminal() bool {
	return s == InviteAccepted || s == InviteDeclined
}

// Team is a group of identities competing together in one activity
type Team struct {
	ID         string        `json:"id"`
	ActivityID string        `json:"activity_id"`
	Name       string        `json:"name"`
	LeaderID   string        `json:"leader_id"`
	Members    []*TeamMember `json:"members"`
	Invites    []*Invite     `json:"invites"`
	CreatedAt  time.Time     `json:"created_at"`
}

// HasMember reports whether identityID is on the team
func (t *Team) HasMember(identityID string) bool {
	for _, m := range t.Members {
		if m.IdentityID == identityID {
			return true
		}
	}
	return false
}

// TeamMember is one identity on a team
type TeamMember struct {
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Invite is an invitation to a team keyed by case-folded email
type Invite struct {
	ID          string       `json:"id"`
	TeamID      string       `json:"team_id"`
	Email       string       `json:"email"`
	Status      InviteStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

// InviteSummary is a pending invite as shown to the invitee
type InviteSummary struct {
	InviteID      string    `json:"invite_id"`
	TeamID        string    `json:"team_id"`
	TeamName      string    `json:"team_name"`
	ActivityID    string    `json:"activity_id"`
	ActivityTitle string    `json:"activity_title"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
}

// CreateTeamRequest is the API request to create a team
type CreateTeamRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// InviteRequest is the API request to invite an email to a team
type InviteRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// InviteResponseRequest is the API request to accept or decline an invite
type InviteResponseRequest struct {
	TeamID string `json:"team_id" validate:"required"`
}
