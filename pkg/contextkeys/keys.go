// Package contextkeys holds the context keys shared across packages.
//
// All keys stored in a request context are declared here so their setters and
// readers agree on one type:
//
//	ctx = context.WithValue(ctx, contextkeys.PrincipalKey, p)
//	p, _ := ctx.Value(contextkeys.PrincipalKey).(*auth.Principal)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains the acting *auth.Principal
	// Set by: api session middleware
	// Required by: every authenticated API handler
	PrincipalKey Key = "principal"

	// RequestIDKey contains the request id string
	// Set by: httputil.RequestIDMiddleware through observability.WithRequestID
	// Used by: logging, audit trail
	RequestIDKey Key = "request_id"
)
