// Package walaccess exposes a consistent, resumable view of the write-ahead
// log to replication followers. Every call is a bounded, synchronous unit of
// work that pins the catalog entries it resolves and releases them before
// returning.
package walaccess

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
)

// MarkerCallback receives each accepted marker. database is nil when the
// database can no longer be resolved, as for its own drop marker. The marker
// is only valid for the duration of the call.
type MarkerCallback func(database *db.Database, m *wal.Marker) error

// TransactionCallback receives each transaction still open at the end of an
// OpenTransactions scan
type TransactionCallback func(tid uint64, beginTick tick.Tick)

// WalAccess is the tailing contract consumed by replication transports
type WalAccess interface {
	TickRange() (tick.Range, error)
	LastTick() tick.Tick
	OpenTransactions(ctx context.Context, tickStart, tickEnd tick.Tick, filter Filter, cb TransactionCallback) Result
	Tail(ctx context.Context, tickStart, tickEnd tick.Tick, chunkSize int, filter Filter, cb MarkerCallback) Result
}

// Access implements WalAccess over a physical log and a catalog
type Access struct {
	log     wal.Log
	catalog Catalog
	closed  atomic.Bool
}

var _ WalAccess = (*Access)(nil)

// New creates a WAL access layer
func New(log wal.Log, catalog Catalog) *Access {
	return &Access{log: log, catalog: catalog}
}

// Shutdown makes every following call fail with ErrEngineUnavailable. Calls
// already running stop at the next marker.
func (a *Access) Shutdown() {
	a.closed.Store(true)
}

func (a *Access) available() bool {
	return !a.closed.Load()
}

// TickRange returns the smallest and largest retained tick. For an empty
// log both ends are the head.
func (a *Access) TickRange() (tick.Range, error) {
	if !a.available() {
		return tick.Range{}, ErrEngineUnavailable
	}
	b, err := a.log.Bounds()
	if err != nil {
		return tick.Range{}, engineError(err)
	}
	if b.Empty() {
		return tick.Range{Min: b.Last, Max: b.Last}, nil
	}
	return tick.Range{Min: b.First, Max: b.Last}, nil
}

// LastTick returns the head of the log
func (a *Access) LastTick() tick.Tick {
	return a.log.Head()
}

func engineError(err error) error {
	if errors.Is(err, wal.ErrLogClosed) {
		return ErrEngineUnavailable
	}
	return err
}

// classify maps a log error to a result code
func classify(err error) Code {
	switch {
	case errors.Is(err, wal.ErrLogClosed), errors.Is(err, ErrEngineUnavailable):
		return CodeEngineUnavailable
	case errors.Is(err, wal.ErrCorruptedMarker):
		return CodeCorrupted
	case errors.Is(err, wal.ErrLogTrimmed):
		return CodeTickGap
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	}
	return CodeInternal
}

func maxTick(a, b tick.Tick) tick.Tick {
	if a > b {
		return a
	}
	return b
}

func minTick(a, b tick.Tick) tick.Tick {
	if a < b {
		return a
	}
	return b
}
