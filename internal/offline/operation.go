// ABOUTME: Queued operation model and sync status types for the offline queue.
// ABOUTME: Operation ids come from the caller's payload when present, else a UUID.

package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is used when neither the operation nor the queue sets one.
const DefaultMaxRetries = 3

// Operation is one unit of work waiting to reach the gateway.
type Operation struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"maxRetries"`
}

// NewOperation is the caller's input to Enqueue.
type NewOperation struct {
	Type string
	// Data is any JSON-encodable value. A json.RawMessage or []byte is used
	// as-is. An object carrying a string "id" field supplies the operation id.
	Data       any
	MaxRetries int
}

// SyncFunc delivers one operation. A nil error removes it from the queue.
type SyncFunc func(ctx context.Context, op Operation) error

// SyncResult counts the outcome of one ProcessQueue pass.
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// SyncStatus is the aggregate queue state shown to users.
type SyncStatus struct {
	IsOnline     bool       `json:"isOnline"`
	QueueLength  int        `json:"queueLength"`
	IsSyncing    bool       `json:"isSyncing"`
	FailedCount  int        `json:"failedCount"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
}

// encodeData turns NewOperation.Data into raw JSON.
func encodeData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(d) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return append(json.RawMessage(nil), d...), nil
	case []byte:
		if !json.Valid(d) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return append(json.RawMessage(nil), d...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding data: %w", err)
		}
		return b, nil
	}
}

// operationID returns data's "id" string when data is an object that has one,
// otherwise a fresh UUID.
func operationID(data json.RawMessage) string {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var body struct {
			ID any `json:"id"`
		}
		if json.Unmarshal(data, &body) == nil {
			if s, ok := body.ID.(string); ok && s != "" {
				return s
			}
		}
	}
	return uuid.New().String()
}
