package models

import (
	"strings"
	"time"
)

// ActivityKind distinguishes hackathons from internships
type ActivityKind string

const (
	KindHackathon  ActivityKind = "hackathon"
	KindInternship ActivityKind = "internship"
)

// Valid reports whether k is a known kind
func (k ActivityKind) Valid() bool {
	return k == KindHackathon || k == KindInternship
}

// ActivityStatus is derived from the activity window, never stored
type ActivityStatus string

const (
	ActivityUpcoming  ActivityStatus = "upcoming"
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
)

// StatusAt derives the status of a window [start, end] at now
func StatusAt(start, end, now time.Time) ActivityStatus {
	switch {
	case now.Before(start):
		return ActivityUpcoming
	case now.After(end):
		return ActivityCompleted
	default:
		return ActivityActive
	}
}

// TeamPolicy bounds team formation for an activity
type TeamPolicy struct {
	IsTeamEvent bool `json:"is_team_event"`
	MinTeamSize int  `json:"min_team_size"`
	MaxTeamSize int  `json:"max_team_size"`
}

// Activity is a hackathon or internship with a time window and participant set
type Activity struct {
	ID                 string         `json:"id"`
	Kind               ActivityKind   `json:"kind"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	OrganizerID        string         `json:"organizer_id"`
	StartAt            time.Time      `json:"start_at"`
	EndAt              time.Time      `json:"end_at"`
	SubmissionDeadline *time.Time     `json:"submission_deadline,omitempty"`
	Policy             TeamPolicy     `json:"team_policy"`
	Status             ActivityStatus `json:"status"`
	ParticipantCount   int            `json:"participant_count"`
	CreatedAt          time.Time      `json:"created_at"`
}

// WithStatus fills the derived status for now
func (a *Activity) WithStatus(now time.Time) *Activity {
	a.Status = StatusAt(a.StartAt, a.EndAt, now)
	return a
}

// CertificateTypes returns the certificate types an activity kind can issue
func CertificateTypes(kind ActivityKind) []string {
	switch kind {
	case KindHackathon:
		return []string{"participation", "winner1", "winner2", "winner3"}
	case KindInternship:
		return []string{"participation", "completion"}
	default:
		return nil
	}
}

// AllowsCertificateType reports whether certType can be issued for kind
func AllowsCertificateType(kind ActivityKind, certType string) bool {
	for _, t := range CertificateTypes(kind) {
		if t == certType {
			return true
		}
	}
	return false
}

// Participant is a registered identity in an activity
type Participant struct {
	ActivityID   string    `json:"activity_id"`
	IdentityID   string    `json:"identity_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// CreateActivityRequest is the API request to create an activity
type CreateActivityRequest struct {
	Kind               ActivityKind `json:"kind" validate:"required,oneof=hackathon internship"`
	Title              string       `json:"title" validate:"required,max=200"`
	Description        string       `json:"description" validate:"max=5000"`
	StartAt            time.Time    `json:"start_at" validate:"required"`
	EndAt              time.Time    `json:"end_at" validate:"required,gtfield=StartAt"`
	SubmissionDeadline *time.Time   `json:"submission_deadline,omitempty"`
	IsTeamEvent        *bool        `json:"is_team_event,omitempty"`
	MinTeamSize        int          `json:"min_team_size" validate:"gte=0"`
	MaxTeamSize        int          `json:"max_team_size" validate:"gte=0"`
}

// EnrollRequest is the API request an organizer sends to register a participant
type EnrollRequest struct {
	IdentityID string `json:"identity_id" validate:"required"`
}

// ActivityFilters contains filters for listing activities
type ActivityFilters struct {
	Kind          ActivityKind
	OrganizerID   string
	ParticipantID string
	Limit         int
	Offset        int
}

// NormalizeEmail case-folds an email for comparisons and storage
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
