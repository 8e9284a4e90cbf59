// Package app assembles a gateway Client and an offline Queue from a
// config.Config.
//
// # Overview
//
// App is the composition root used by cmd/helix-gateway. It builds:
//
//   - a gateway.Client with the configured dialer, codec, handshake,
//     heartbeat and reconnect policy
//   - an offline.Queue backed by the configured kvstore backend, with a
//     dedupe.Cache of delivered operation ids
//
// # Sync Loop
//
// When the queue is enabled, Start runs a background loop that replays the
// queue through Client.Request. A pass runs when:
//
//   - the client emits "connected"
//   - Submit adds an operation
//   - offline.sync_interval elapses
//
// Passes are rate limited to one per second and skipped while disconnected.
// SyncNow bypasses both checks except the queue's own online predicate.
//
// # Dead Letters
//
// Operations that exhaust their retries are logged and appended to the
// store under DeadLetterKey. DeadLetters and ClearDeadLetters manage them.
package app
