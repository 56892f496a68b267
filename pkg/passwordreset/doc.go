// Package passwordreset implements the password change workflow.
//
// A super-admin proves ownership with a six digit code sent by email:
//
//	pending_otp → approved (code verified before expiry)
//
// Every other principal waits for a super-admin decision:
//
//	pending → approved | rejected
//
// In both cases the new password only becomes effective at the next login
// that uses it, when RotateCredential moves the request approved → completed.
// Nothing ever returns a request to pending or pending_otp.
package passwordreset
