package publisher

import (
	"context"

	"github.com/maxpert/waltail/tick"
)

// Operation types for change events
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// ChangeEvent is one committed document change ready to publish
type ChangeEvent struct {
	Tick       tick.Tick              `json:"tick"`       // Tick of the data marker
	CommitTick tick.Tick              `json:"commitTick"` // Commit marker tick, equal to Tick outside transactions
	TxnID      uint64                 `json:"txn"`        // 0 for standalone writes
	Database   string                 `json:"db"`
	Collection string                 `json:"collection"`
	Operation  uint8                  `json:"op"`
	Key        string                 `json:"key"`
	Document   map[string]interface{} `json:"doc,omitempty"` // nil for removes
	ServerID   uint64                 `json:"server"`
}

// Message headers set on every published record
const (
	HeaderTick       = "waltail-tick"
	HeaderCommitTick = "waltail-commit-tick"
	HeaderTxn        = "waltail-txn"
)

// Message is one record handed to a sink
type Message struct {
	Topic   string
	Key     string
	Value   []byte // nil for tombstones
	Headers map[string]string
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(ctx context.Context, msg Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink-specific formats
type Transformer interface {
	// Transform converts a change event to bytes for publishing
	Transform(event ChangeEvent) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(database, collection string) bool
}
