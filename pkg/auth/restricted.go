package auth

import "strings"

// RestrictedColleges is the deployment-time list of college name fragments
// whose librarians may only log in through the librarian corner.
type RestrictedColleges struct {
	fragments []string
}

// NewRestrictedColleges builds the set; fragments are matched case-insensitively
func NewRestrictedColleges(fragments []string) *RestrictedColleges {
	rc := &RestrictedColleges{}
	for _, f := range fragments {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			rc.fragments = append(rc.fragments, f)
		}
	}
	return rc
}

// IsRestricted reports whether any fragment occurs in collegeName
func (rc *RestrictedColleges) IsRestricted(collegeName string) bool {
	if rc == nil || collegeName == "" {
		return false
	}
	name := strings.ToLower(collegeName)
	for _, f := range rc.fragments {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// Len returns the number of fragments
func (rc *RestrictedColleges) Len() int {
	if rc == nil {
		return 0
	}
	return len(rc.fragments)
}
