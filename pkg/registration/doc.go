// Package registration implements self-service account registration.
//
// A submitted request waits in pending until a super-admin approves or
// rejects it. Approval materializes the requested principal in the roster;
// the status flip and the roster write are two separate effects, so a
// failed roster write moves the request back to pending.
package registration
