// Package snapshot persists process-wide state as JSON values under well-known
// keys. On start the roster, the credential map and the current session are
// hydrated from a KV; every mutation writes the full structure back.
//
// FileKV keeps all keys in one JSON file replaced atomically on each write.
// SQLKV keeps them in a key/value table on sqlite or postgres.
package snapshot
