// Package api exposes the portal workflows over HTTP.
//
// Login returns an opaque bearer token; every other authenticated route
// expects it in the Authorization header:
//
//	POST   /api/login                         {username, password, channel}
//	POST   /api/logout
//	GET    /api/me
//	PUT    /api/principals/{username}/permissions
//
//	POST   /api/registrations                 self-service, no token
//	GET    /api/registrations?status=pending
//	POST   /api/registrations/{id}/approve
//	POST   /api/registrations/{id}/reject
//
//	POST   /api/password-resets               self-service, no token
//	POST   /api/password-resets/{id}/verify   self-service, no token
//	GET    /api/password-resets
//	POST   /api/password-resets/{id}/approve
//	POST   /api/password-resets/{id}/reject
//
//	POST   /api/uploads                       multipart form
//	GET    /api/uploads/mine|approved|pending
//	POST   /api/uploads/{id}/approve
//	POST   /api/uploads/{id}/reject
//	DELETE /api/uploads/{id}
//
//	GET    /api/sync/{feed}?since=N&wait=25s  long poll of a live-sync feed
//	POST   /api/sync/{feed}/refresh
//
// Errors are JSON objects mapped from the errs taxonomy by
// httputil.WriteDomainError. Stored password and code hashes never leave the
// server.
package api
