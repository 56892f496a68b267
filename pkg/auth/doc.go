// Package auth authenticates portal principals and keeps session state.
//
// # Credential sources
//
// Authenticator.Authenticate checks, in order:
//
//  1. Pending credential rotations: an approved password change request whose
//     new password matches is made effective and completed (see
//     CredentialRotator). Failures here are logged and never block a login.
//  2. The local Roster of bootstrap and approved principals.
//  3. The librarian Directory. Librarians of a college listed in
//     RestrictedColleges can only log in through ChannelLibrarianCorner.
//
// A wrong password and a restricted-channel denial both surface as
// errs.ErrAuthDenied. The audit trail records the actual reason.
//
// # State
//
// Roster and Sessions are explicit objects handed to whoever needs them.
// Both persist through a snapshot.KV after every mutation, so the roster, the
// credential map and live sessions survive restarts.
//
// Session tokens look like cp_<base64url(32 random bytes)>; only their
// SHA-256 hash is kept.
//
// # Passwords
//
// Every stored credential is a bcrypt hash produced by Hasher.
package auth
