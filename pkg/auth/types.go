package auth

import (
	"sort"
	"time"
)

// Role is the immutable role of a principal
type Role string

const (
	RoleSuperAdmin Role = "superadmin" // Decides every workflow
	RoleAdmin      Role = "admin"
	RoleLibrarian  Role = "librarian" // Projected from the librarian directory
	RolePublisher  Role = "publisher"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleLibrarian, RolePublisher:
		return true
	}
	return false
}

// Channel is the login surface used to authenticate
type Channel string

const (
	ChannelStandard        Channel = "standard"
	ChannelLibrarianCorner Channel = "librarian-corner"
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	return c == ChannelStandard || c == ChannelLibrarianCorner
}

// Principal is an authenticated identity
type Principal struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	// Librarian only
	CollegeName   string `json:"collegeName,omitempty"`
	LibrarianName string `json:"librarianName,omitempty"`
	CollegeURL    string `json:"collegeUrl,omitempty"`
	Email         string `json:"email,omitempty"`
}

// IsSuperAdmin reports whether p holds the super-admin role
func (p *Principal) IsSuperAdmin() bool {
	return p != nil && p.Role == RoleSuperAdmin
}

// IsLibrarian reports whether p holds the librarian role
func (p *Principal) IsLibrarian() bool {
	return p != nil && p.Role == RoleLibrarian
}

// HasPermission checks the principal's permission set
func (p *Principal) HasPermission(perm string) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	c.Permissions = append([]string(nil), p.Permissions...)
	return &c
}

// NormalizePermissions sorts and de-duplicates a permission set
func NormalizePermissions(perms []string) []string {
	seen := make(map[string]bool, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LibrarianAccount is a record of the external librarian directory.
// Password holds a bcrypt hash.
type LibrarianAccount struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CollegeName   string `json:"collegeName"`
	LibrarianName string `json:"librarianName"`
	CollegeURL    string `json:"collegeUrl,omitempty"`
	Email         string `json:"email,omitempty"`
}

// Principal projects the directory record into a librarian principal
func (a *LibrarianAccount) Principal() *Principal {
	return &Principal{
		ID:            a.ID,
		Username:      a.Username,
		Role:          RoleLibrarian,
		Permissions:   []string{},
		CreatedBy:     "librarian-directory",
		CollegeName:   a.CollegeName,
		LibrarianName: a.LibrarianName,
		CollegeURL:    a.CollegeURL,
		Email:         a.Email,
	}
}
