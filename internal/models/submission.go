package models

import "time"

// Submission is a participant's project entry for an activity. There is at most
// one per (activity, identity); submitting again replaces it.
type Submission struct {
	ID            string    `json:"id"`
	ActivityID    string    `json:"activity_id"`
	ActivityTitle string    `json:"activity_title,omitempty"`
	IdentityID    string    `json:"identity_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	ProjectURL    string    `json:"project_url"`
	DemoURL       string    `json:"demo_url,omitempty"`
	TechStack     []string  `json:"tech_stack"`
	Challenges    string    `json:"challenges,omitempty"`
	Screenshots   []string  `json:"screenshots"`
	SubmittedAt   time.Time `json:"submitted_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// SubmitProjectRequest is the API request to create or replace a submission
type SubmitProjectRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	ProjectURL  string   `json:"project_url" validate:"required,url,max=500"`
	DemoURL     string   `json:"demo_url" validate:"omitempty,url,max=500"`
	TechStack   []string `json:"tech_stack" validate:"max=20,dive,required,max=50"`
	Challenges  string   `json:"challenges" validate:"max=5000"`
	Screenshots []string `json:"screenshots" validate:"max=10,dive,url,max=500"`
}

// SubmissionFilters contains filters for listing submissions
type SubmissionFilters struct {
	ActivityID  string
	OrganizerID string
	Limit       int
	Offset      int
}

// SubmissionsOpen reports whether a submission can be made at now. The window
// runs from the activity start to its submission deadline, or to its end when
// no deadline is set.
func (a *Activity) SubmissionsOpen(now time.Time) bool {
	closes := a.EndAt
	if a.SubmissionDeadline != nil {
		closes = *a.SubmissionDeadline
	}
	return !now.Before(a.StartAt) && !now.After(closes)
}

// ActivityRef names an activity in aggregate listings
type ActivityRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EligibleParticipant is an identity registered in at least one activity an organizer runs
type EligibleParticipant struct {
	IdentityID string        `json:"identity_id"`
	Activities []ActivityRef `json:"activities"`
}
