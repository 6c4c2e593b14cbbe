package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	Program               string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Thesis struct {
	ID       string
	Title    string
	Abstract string
	Program  string
	// StudentID is the owning student. Reviewer assignments live in
	// thesis_reviewers, not here.
	StudentID string
	// RequiredChapters is the manuscript table of contents this thesis must
	// cover before a chapter or terminal submission is considered complete.
	RequiredChapters []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Reviewer is one role assignment on a thesis. A role held by several users
// forms a panel for workflow purposes.
type Reviewer struct {
	ThesisID   string
	Role       string
	UserID     string
	AssignedBy string
	AssignedAt time.Time
}
