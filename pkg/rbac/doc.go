// Package rbac gates portal operations by role.
//
// # Overview
//
// Every workflow operation names the Action it performs and calls Require with
// the acting principal before touching the store:
//
//	if err := rbac.Require(actor, rbac.PermDecideRegistration); err != nil {
//		return nil, err // errs.ErrForbidden
//	}
//
// # Resources and Actions
//
// Resources:
//
//	ResourceRegistration    - registration requests
//	ResourcePasswordRequest - password change requests
//	ResourceUpload          - librarian file uploads
//	ResourcePrincipal       - roster principals
//
// A Permission is a resource + action pair written "resource:action". The
// built-in role matrix lives in Policy; super-admins hold every permission.
//
// # Scoping
//
// Ownership rules that depend on record contents (a librarian only touching
// uploads of their own college) are enforced by the workflows on top of the
// role gate, using SameCollege.
package rbac
