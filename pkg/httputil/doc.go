// Package httputil provides HTTP helpers shared by the portal handlers.
//
// Responses are JSON. WriteDomainError maps the errs taxonomy onto status
// codes so handlers can return workflow errors unchanged:
//
//	rec, err := svc.Approve(ctx, actor, id)
//	if err != nil {
//		httputil.WriteDomainError(w, err)
//		return
//	}
//	httputil.WriteSuccess(w, rec)
//
// Request parsing:
//
//	var req LoginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//
// Middleware:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(log),
//		httputil.MaxBytesMiddleware(32<<20),
//	)
package httputil
