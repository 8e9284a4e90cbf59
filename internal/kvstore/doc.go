// Package kvstore provides the durable key-value backends behind the offline
// queue.
//
// # Backends
//
//   - SQLite: a single kv table in a WAL-mode modernc.org/sqlite database
//   - File: one file per key in a directory, replaced atomically
//   - Memory: a map, for tests and persist-disabled setups
//
// All three satisfy Store, and Open picks one by name:
//
//	s, err := kvstore.Open("sqlite", "/var/lib/helix/queue.db")
//	defer s.Close()
//	err = s.Set(ctx, "helix-offline-queue", data)
//
// Get reports a missing key with found=false rather than an error.
package kvstore
