package models

// Role is the caller's role carried in the identity token
type Role string

const (
	RoleParticipant         Role = "participant"
	RoleHackathonOrganizer  Role = "hackathon_organizer"
	RoleInternshipOrganizer Role = "internship_organizer"
	RoleAdmin               Role = "admin"
)

// Identity is the authenticated caller. It is owned by the identity provider
// and only referenced by id elsewhere.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  Role   `json:"role"`
}

// CanOrganize checks if the identity may create and run activities of kind.
// Administrators can organize every kind.
func (i *Identity) CanOrganize(kind ActivityKind) bool {
	if i == nil {
		return false
	}

	switch i.Role {
	case RoleAdmin:
		return true
	case RoleHackathonOrganizer:
		return kind == KindHackathon
	case RoleInternshipOrganizer:
		return kind == KindInternship
	}

	return false
}

// IsOrganizer reports whether the identity holds any organizer role
func (i *Identity) IsOrganizer() bool {
	return i != nil && (i.Role == RoleAdmin || i.Role == RoleHackathonOrganizer || i.Role == RoleInternshipOrganizer)
}

// DisplayName returns the name shown on certificates
func (i *Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Email
}
