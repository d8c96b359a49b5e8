package publisher

import (
	"sort"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/telemetry"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
)

type pendingTxn struct {
	begin  tick.Tick
	events []ChangeEvent
}

// TxnBuffer turns the tailed marker stream into the committed view: data
// markers of a transaction are held until its commit marker and dropped on
// abort. Data markers outside transactions pass straight through.
//
// Not safe for concurrent use.
type TxnBuffer struct {
	pending map[uint64]*pendingTxn
	gauge   telemetry.Gauge
}

// NewTxnBuffer creates an empty buffer for sink
func NewTxnBuffer(sink string) *TxnBuffer {
	return &TxnBuffer{
		pending: make(map[uint64]*pendingTxn),
		gauge:   telemetry.PublisherBufferedTxns.With(sink),
	}
}

// Add consumes one marker and returns the events it made visible, in tick
// order. Catalog markers produce nothing.
func (b *TxnBuffer) Add(d *db.Database, m *wal.Marker) ([]ChangeEvent, error) {
	defer b.report()

	switch {
	case m.Kind == wal.KindBeginTransaction:
		if _, ok := b.pending[m.TransactionID]; !ok {
			b.pending[m.TransactionID] = &pendingTxn{begin: m.Tick}
		}
		return nil, nil

	case m.Kind == wal.KindAbortTransaction:
		delete(b.pending, m.TransactionID)
		return nil, nil

	case m.Kind == wal.KindCommitTransaction:
		txn, ok := b.pending[m.TransactionID]
		if !ok {
			return nil, nil
		}
		delete(b.pending, m.TransactionID)
		for i := range txn.events {
			txn.events[i].CommitTick = m.Tick
		}
		return txn.events, nil

	case m.Kind.IsData():
		event, err := toChangeEvent(d, m)
		if err != nil {
			return nil, err
		}
		if !m.InTransaction() {
			return []ChangeEvent{event}, nil
		}
		txn, ok := b.pending[m.TransactionID]
		if !ok {
			// Begin marker was before the tailed window
			txn = &pendingTxn{begin: m.Tick}
			b.pending[m.TransactionID] = txn
		}
		txn.events = append(txn.events, event)
		return nil, nil
	}
	return nil, nil
}

// Pending returns the ids of transactions still waiting for commit or abort,
// ordered by begin tick
func (b *TxnBuffer) Pending() []uint64 {
	ids := make([]uint64, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return b.pending[ids[i]].begin < b.pending[ids[j]].begin
	})
	return ids
}

// Buffered returns the number of events held for open transactions
func (b *TxnBuffer) Buffered() int {
	n := 0
	for _, txn := range b.pending {
		n += len(txn.events)
	}
	return n
}

// Reset drops every pending transaction
func (b *TxnBuffer) Reset() {
	b.pending = make(map[uint64]*pendingTxn)
	b.report()
}

func (b *TxnBuffer) report() {
	b.gauge.Set(float64(len(b.pending)))
}
