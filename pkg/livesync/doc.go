// Package livesync keeps polled snapshots of store collections.
//
// A Hub owns every subscription. Each subscription fetches its collection
// immediately, then again on its interval until it is unsubscribed or its
// context ends. Every fetch replaces the snapshot wholesale; a failed fetch
// keeps the last good items and records the error next to them.
//
//	sub, err := hub.Subscribe(ctx, store.CollectionUploads, 10*time.Second)
//	defer sub.Unsubscribe()
//	for range sub.Changes() {
//		snap := sub.Snapshot()
//		...
//	}
//
// TriggerUpdate is a hint that a collection changed; subscribers fetch soon,
// with no delivery or ordering guarantee. ForceRefresh fetches now, and
// concurrent fetches of one collection share a single store read.
// RedisInvalidator carries hints between processes over Redis pub/sub.
package livesync
