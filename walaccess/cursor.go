package walaccess

import (
	"github.com/maxpert/waltail/tick"
)

// Cursor is a serializable tailing position. A follower persists it after
// each applied chunk and restores it after a restart.
type Cursor struct {
	TickStart        tick.Tick `msgpack:"tick_start" json:"tickStart"`
	FirstRegularTick tick.Tick `msgpack:"first_regular_tick" json:"firstRegularTick"`
	TransactionIDs   []uint64  `msgpack:"transaction_ids,omitempty" json:"transactionIds,omitempty"`
}

// NewCursor starts tailing at tickStart with no pending transactions
func NewCursor(tickStart tick.Tick) Cursor {
	return Cursor{TickStart: tickStart, FirstRegularTick: tickStart}
}

// Filter returns base restricted to this cursor's transaction window
func (c Cursor) Filter(base Filter) Filter {
	base.FirstRegularTick = c.FirstRegularTick
	base.TransactionIDs = NewTransactionSet(c.TransactionIDs...)
	return base
}

// Advance returns the position after r. A failed result leaves the cursor
// unchanged except for markers that were fully handled before the failure.
// Once the scan passed FirstRegularTick the transaction list is no longer
// needed.
func (c Cursor) Advance(r Result) Cursor {
	next := c
	resume := r.ResumeTick()
	if resume <= c.TickStart {
		return next
	}
	next.TickStart = resume
	if resume >= c.FirstRegularTick {
		next.FirstRegularTick = resume
		next.TransactionIDs = nil
	}
	return next
}

// WithOpenTransactions moves the cursor back to the begin of the given
// transactions so that their markers are re-read, while everything else
// before the current position stays filtered out
func (c Cursor) WithOpenTransactions(begin tick.Tick, tids []uint64) Cursor {
	if len(tids) == 0 || begin >= c.TickStart {
		return c
	}
	return Cursor{
		TickStart:        begin,
		FirstRegularTick: c.TickStart,
		TransactionIDs:   append([]uint64(nil), tids...),
	}
}
