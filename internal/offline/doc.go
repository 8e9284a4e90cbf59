// Package offline queues operations that must reach the gateway and replays
// them once the client is online.
//
// Operations are appended in order and persisted after every mutation under
// a single storage key. ProcessQueue walks the queue once per call: delivered
// operations are removed, failed ones have their retry count bumped, and an
// operation that reaches its MaxRetries is dropped and handed to the
// dead-letter hook. There is no backoff inside a pass; callers re-run
// ProcessQueue on reconnect or on a timer.
//
// At most one pass runs at a time. A call made while another pass is running,
// or while offline, returns a zero SyncResult without touching the queue.
package offline
