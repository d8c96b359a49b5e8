package sink

import (
	"context"
	"sync"

	"github.com/maxpert/waltail/cfg"
	"github.com/maxpert/waltail/publisher"
)

func init() {
	publisher.RegisterSink("mock", func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages in memory
type MockSink struct {
	Messages   []publisher.Message
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

// Publish records a message for later inspection
func (m *MockSink) Publish(_ context.Context, msg publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publisher.Message(nil), m.Messages...)
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
