// Package wal models write-ahead-log markers and the physical log that stores
// them. The log is append-only; readers only ever see markers in tick order.
package wal

import (
	"errors"
	"fmt"

	"github.com/maxpert/waltail/tick"
)

var (
	// ErrLogClosed is returned by every operation on a closed log
	ErrLogClosed = errors.New("wal is closed")

	// ErrCorruptedMarker matches every CorruptionError
	ErrCorruptedMarker = errors.New("corrupted wal marker")

	// ErrLogTrimmed is returned by an iterator when markers it had not yet
	// reached were trimmed away while it was reading
	ErrLogTrimmed = errors.New("wal trimmed below iterator position")

	// ErrOutOfOrder is returned when appending a marker whose tick is not
	// greater than the current head
	ErrOutOfOrder = errors.New("marker tick not greater than wal head")
)

// CorruptionError reports an unreadable marker and where it was found
type CorruptionError struct {
	Tick  tick.Tick
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted wal marker at tick %d: %v", e.Tick, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedMarker
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Bounds describes what the log currently retains
type Bounds struct {
	First   tick.Tick // smallest retained tick, None when the log is empty
	Last    tick.Tick // head: the largest tick ever appended
	Trimmed tick.Tick // every tick <= Trimmed has been removed
}

// FirstRetained is the smallest tick a reader can still observe. For an
// empty log it is the position right after the trim watermark.
func (b Bounds) FirstRetained() tick.Tick {
	if b.First != tick.None {
		return b.First
	}
	return b.Trimmed.Next()
}

// Empty reports whether no marker is retained
func (b Bounds) Empty() bool {
	return b.First == tick.None
}

// Iterator walks markers in increasing tick order.
//
//	for it.Next() {
//		m := it.Marker()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	// Next advances to the next marker. It returns false at the end of the
	// log or on error.
	Next() bool
	// Marker returns the current marker. Only valid after Next returned true
	// and until the following call to Next.
	Marker() *Marker
	// Err returns the error that stopped iteration, if any
	Err() error
	// Bounds returns the log bounds as of the moment the iterator was
	// created. Markers trimmed before then are at or below Bounds.Trimmed.
	Bounds() Bounds
	Close() error
}

// Log is the read side of a physical WAL
type Log interface {
	// Seek returns an iterator positioned before the first marker with
	// tick >= from
	Seek(from tick.Tick) (Iterator, error)
	// Bounds returns the retained range and trim watermark
	Bounds() (Bounds, error)
	// Head returns the largest tick ever appended. Never fails.
	Head() tick.Tick
}

// Appender is the write side of a physical WAL
type Appender interface {
	// Append stores markers atomically. Ticks must already be assigned and
	// strictly increasing, and greater than the current head.
	Append(markers ...*Marker) error
}

// Trimmer removes old markers once every follower has acknowledged them
type Trimmer interface {
	// Trim removes every marker with tick <= upTo
	Trim(upTo tick.Tick) error
}

// Store is a complete WAL backend
type Store interface {
	Log
	Appender
	Trimmer
	Close() error
}

func checkAppendOrder(head tick.Tick, markers []*Marker) error {
	prev := head
	for _, m := range markers {
		if m.Tick <= prev {
			return fmt.Errorf("%w: tick %d after %d", ErrOutOfOrder, m.Tick, prev)
		}
		if err := m.Validate(); err != nil {
			return err
		}
		prev = m.Tick
	}
	return nil
}
