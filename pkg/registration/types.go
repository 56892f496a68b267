package registration

import (
	"time"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// Request statuses
const (
	StatusPending  workflow.Status = "pending"
	StatusApproved workflow.Status = "approved"
	StatusRejected workflow.Status = "rejected"
)

// Request is a stored registration request. Password holds a bcrypt hash.
type Request struct {
	ID                   string          `json:"id"`
	Username             string          `json:"username"`
	Email                string          `json:"email"`
	Password             string          `json:"password"`
	Role                 auth.Role       `json:"role"`
	RequestedPermissions []string        `json:"requestedPermissions"`
	RequestDate          time.Time       `json:"requestDate"`
	Status               workflow.Status `json:"status"`
	Reason               string          `json:"reason,omitempty"`
	// librarian registrations only
	CollegeName   string `json:"collegeName,omitempty"`
	LibrarianName string `json:"librarianName,omitempty"`
	CollegeURL    string `json:"collegeUrl,omitempty"`

	DecidedBy string     `json:"decidedBy,omitempty"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

// SubmitInput is a registration form
type SubmitInput struct {
	Username        string    `json:"username"`
	Email           string    `json:"email"`
	Password        string    `json:"password"`
	ConfirmPassword string    `json:"confirmPassword"`
	Role            auth.Role `json:"role"`
	Permissions     []string  `json:"permissions"`
	// CollegeName is required for librarians; the college fields are ignored
	// for other roles
	CollegeName   string `json:"collegeName,omitempty"`
	LibrarianName string `json:"librarianName,omitempty"`
	CollegeURL    string `json:"collegeUrl,omitempty"`
}

var machine = workflow.NewMachine("registration request", map[workflow.Status][]workflow.Status{
	StatusPending: {StatusApproved, StatusRejected},
})
