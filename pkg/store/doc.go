// Package store is the credential store: a generic create/read/update/delete/list
// interface over named record collections.
//
// The store owns no business logic. Records are JSON objects addressed by
// (collection, id); the caller supplies the id on create. Every document carries
// a version counter that increases on each update, and updates are expressed as
// patches with optional field preconditions so that workflow transitions can be
// written as conditional, compare-and-swap writes:
//
//	_, err := s.Update(ctx, store.CollectionUploads, id, store.Patch{
//		Set:    map[string]interface{}{"approvalStatus": "Approved"},
//		Expect: map[string]interface{}{"approvalStatus": "Pending"},
//	})
//	if errors.Is(err, errs.ErrConflict) {
//		// somebody decided it first
//	}
//
// # Backends
//
// MemoryStore keeps everything in process and is used by tests and single-node
// development. SQLStore persists to sqlite or postgres through database/sql.
// RedisStore keeps one hash per collection and uses WATCH/MULTI for
// conditional updates.
//
// Typed access goes through the generic helpers GetAll, GetByID, Insert and
// Modify, which marshal records with encoding/json.
package store
