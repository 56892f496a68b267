// Package errs defines the error taxonomy shared by the authenticator and the
// approval workflows.
//
// Callers classify failures with errors.Is against the sentinels:
//
//	if errors.Is(err, errs.ErrValidation) {
//		// re-prompt, nothing was written
//	}
//
// Validation failures are always reported before any store mutation. Transport
// failures wrap the underlying I/O error and are surfaced to users as a generic
// "try again" message. PartialFailure describes a two-step change that could
// not be completed or compensated because the store offers no transactions.
package errs
