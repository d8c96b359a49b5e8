package wal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/waltail/tick"
)

// Notifier is told about every successful append
type Notifier interface {
	Signal(databaseID uint64, head tick.Tick)
}

// HeadLog is a log that can report its head, used to seed a Writer's clock
type HeadLog interface {
	Appender
	Head() tick.Tick
}

// Writer assigns ticks and appends markers. All appends to a log must go
// through a single Writer so ticks reach the log in order.
type Writer struct {
	mu       sync.Mutex
	log      HeadLog
	clock    *tick.Clock
	notifier Notifier
}

// NewWriter returns a Writer whose clock continues after the log head.
// notifier may be nil.
func NewWriter(log HeadLog, notifier Notifier) *Writer {
	return &Writer{
		log:      log,
		clock:    tick.NewClock(log.Head()),
		notifier: notifier,
	}
}

// Write assigns consecutive ticks to markers, appends them atomically and
// returns the assigned range. Markers are modified in place.
func (w *Writer) Write(markers ...*Marker) (tick.Range, error) {
	if len(markers) == 0 {
		return tick.Range{}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Reserve only after the append succeeds so a failed write does not
	// leave a hole in the tick sequence
	next := w.clock.Current()
	for _, m := range markers {
		next = next.Next()
		m.Tick = next
	}

	if err := w.log.Append(markers...); err != nil {
		if errors.Is(err, ErrOutOfOrder) {
			// Something else appended to the log; continue after its head
			w.clock.Update(w.log.Head())
		}
		return tick.Range{}, fmt.Errorf("failed to append %d markers: %w", len(markers), err)
	}

	r := w.clock.Reserve(len(markers))
	if w.notifier != nil {
		seen := make(map[uint64]struct{}, 1)
		for _, m := range markers {
			if _, ok := seen[m.DatabaseID]; ok {
				continue
			}
			seen[m.DatabaseID] = struct{}{}
			w.notifier.Signal(m.DatabaseID, r.Max)
		}
	}
	return r, nil
}

// Head returns the last tick handed out
func (w *Writer) Head() tick.Tick {
	return w.clock.Current()
}
