package wal

import (
	"fmt"

	"github.com/maxpert/waltail/encoding"
	"github.com/maxpert/waltail/tick"
)

// markerHeaderSize approximates the fixed per-marker overhead counted
// against a tail chunk (tick, ids, kind).
const markerHeaderSize = 32

// Marker is a single WAL record
type Marker struct {
	Tick          tick.Tick `msgpack:"tick"`
	Kind          Kind      `msgpack:"type"`
	DatabaseID    uint64    `msgpack:"db"`
	CollectionID  uint64    `msgpack:"cid,omitempty"` // 0 for database-level markers
	TransactionID uint64    `msgpack:"tid,omitempty"` // 0 outside transactions
	Payload       []byte    `msgpack:"data,omitempty"` // msgpack encoded document or catalog properties
}

// Size is the number of bytes the marker counts against a chunk bound
func (m *Marker) Size() int {
	return markerHeaderSize + len(m.Payload)
}

// InTransaction reports whether the marker belongs to a transaction
func (m *Marker) InTransaction() bool {
	return m.TransactionID != 0
}

// Clone returns a deep copy, safe to retain after the iterator moves on
func (m *Marker) Clone() *Marker {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

func (m *Marker) String() string {
	return fmt.Sprintf("marker{tick=%d kind=%s db=%d cid=%d tid=%d size=%d}",
		m.Tick, m.Kind, m.DatabaseID, m.CollectionID, m.TransactionID, m.Size())
}

// Validate checks structural invariants before a marker is appended
func (m *Marker) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("invalid marker kind %d", uint16(m.Kind))
	}
	if m.DatabaseID == 0 {
		return fmt.Errorf("%s marker without database id", m.Kind)
	}
	if !m.Kind.IsDatabaseLevel() && !m.Kind.IsTransactionControl() && m.CollectionID == 0 {
		return fmt.Errorf("%s marker without collection id", m.Kind)
	}
	if m.Kind.IsTransactionControl() && m.TransactionID == 0 {
		return fmt.Errorf("%s marker without transaction id", m.Kind)
	}
	return nil
}

// NewPayload encodes a structured value as a marker payload
func NewPayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return encoding.Marshal(v)
}

// Document decodes the payload into a generic value
func (m *Marker) Document() (interface{}, error) {
	return encoding.Document(m.Payload)
}

func encodeMarker(m *Marker, compressThreshold int) ([]byte, error) {
	body, err := encoding.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal marker %d: %w", m.Tick, err)
	}
	return encoding.Seal(body, compressThreshold), nil
}

func decodeMarker(envelope []byte) (*Marker, error) {
	body, err := encoding.Open(envelope)
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := encoding.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
