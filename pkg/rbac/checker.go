package rbac

import (
	"strings"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/errs"
)

// Allowed reports whether p may perform perm
func Allowed(p *auth.Principal, perm Permission) bool {
	if p == nil {
		return false
	}
	if p.IsSuperAdmin() {
		return true
	}
	for _, granted := range Policy[p.Role] {
		if granted == perm {
			return true
		}
	}
	return false
}

// Require returns an errs.ErrForbidden error unless p may perform perm
func Require(p *auth.Principal, perm Permission) error {
	if p == nil {
		return errs.Forbidden("authentication required for %s", perm)
	}
	if !Allowed(p, perm) {
		return errs.Forbidden("role %s may not perform %s", p.Role, perm)
	}
	return nil
}

// SameCollege reports whether a record's college belongs to the librarian p.
// College names compare case-insensitively after trimming.
func SameCollege(p *auth.Principal, college string) bool {
	if p == nil || !p.IsLibrarian() || p.CollegeName == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(p.CollegeName), strings.TrimSpace(college))
}

// RequireCollege combines Require with the own-college check
func RequireCollege(p *auth.Principal, perm Permission, college string) error {
	if err := Require(p, perm); err != nil {
		return err
	}
	if !SameCollege(p, college) {
		return errs.Forbidden("%s is not your college", college)
	}
	return nil
}
