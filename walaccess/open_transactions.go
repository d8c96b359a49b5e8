package walaccess

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/maxpert/waltail/telemetry"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
)

type openTxn struct {
	id         uint64
	databaseID uint64
	begin      tick.Tick // None until the begin marker was seen
	firstSeen  tick.Tick
	touched    map[uint64]struct{}
}

func (t *openTxn) touch(cid uint64) {
	if cid != 0 {
		t.touched[cid] = struct{}{}
	}
}

func (t *openTxn) matches(f *Filter) bool {
	if !f.admitsDatabase(t.databaseID) {
		return false
	}
	if f.CollectionID == 0 || len(t.touched) == 0 {
		return true
	}
	_, ok := t.touched[f.CollectionID]
	return ok
}

// OpenTransactions reports every transaction that is open at the end of
// [tickStart, tickEnd] and matches the database or collection restriction of
// filter. Transactions that began before tickStart widen the scan back to
// their begin marker; Result.FirstTick is the start actually used and
// Result.LastTick the end.
func (a *Access) OpenTransactions(
	ctx context.Context,
	tickStart, tickEnd tick.Tick,
	filter Filter,
	cb TransactionCallback,
) Result {
	started := time.Now()
	res := Result{
		FirstTick:       tickStart,
		LastTick:        tickStart.Prev(),
		LastScannedTick: tickStart.Prev(),
	}
	defer func() {
		telemetry.OpenTxnScansTotal.With(res.Code.String()).Inc()
		telemetry.OpenTxnScanSeconds.Observe(time.Since(started).Seconds())
	}()

	if !a.available() {
		return res.fail(CodeEngineUnavailable, ErrEngineUnavailable)
	}
	if tickStart > tickEnd {
		return res.fail(CodeBadParameter, fmt.Errorf("%w: tick start %d after tick end %d", ErrBadParameter, tickStart, tickEnd))
	}

	it, bounds, err := a.seek(tickStart)
	if err != nil {
		return res.fail(classify(err), engineError(err))
	}
	defer it.Close()

	res.FromTickIncluded = bounds.Trimmed < maxTick(tickStart, 1)
	res.FirstTick = maxTick(tickStart, bounds.FirstRetained())
	end := minTick(tickEnd, bounds.Last)
	res.LastTick = end
	if res.FirstTick > end {
		return res
	}

	open := make(map[uint64]*openTxn)
	err = a.scanIterator(ctx, it, end, func(m *wal.Marker) {
		res.LastScannedTick = m.Tick
		if !m.InTransaction() {
			return
		}
		txn, ok := open[m.TransactionID]
		switch {
		case m.Kind.IsTerminal():
			delete(open, m.TransactionID)
			return
		case !ok:
			txn = &openTxn{
				id:         m.TransactionID,
				databaseID: m.DatabaseID,
				firstSeen:  m.Tick,
				touched:    make(map[uint64]struct{}),
			}
			open[m.TransactionID] = txn
		}
		if m.Kind == wal.KindBeginTransaction {
			txn.begin = m.Tick
			txn.databaseID = m.DatabaseID
		}
		txn.touch(m.CollectionID)
	})
	if err != nil {
		return res.failScan(err)
	}

	// Transactions without a begin marker in the window started earlier
	var missing int
	for _, txn := range open {
		if txn.begin == tick.None {
			missing++
		}
	}
	if missing > 0 && bounds.FirstRetained() < res.FirstTick {
		err = a.scan(ctx, bounds.FirstRetained(), res.FirstTick.Prev(), func(m *wal.Marker) {
			txn, ok := open[m.TransactionID]
			if !ok {
				return
			}
			if m.Kind == wal.KindBeginTransaction {
				txn.begin = m.Tick
				txn.databaseID = m.DatabaseID
			}
			txn.touch(m.CollectionID)
		})
		if err != nil {
			return res.failScan(err)
		}
	}

	var report []*openTxn
	for _, txn := range open {
		if txn.begin == tick.None {
			// Begin marker trimmed away
			res.FromTickIncluded = false
			txn.begin = txn.firstSeen
		}
		res.FirstTick = minTick(res.FirstTick, txn.begin)
		if txn.matches(&filter) {
			report = append(report, txn)
		}
	}

	sort.Slice(report, func(i, j int) bool {
		if report[i].begin != report[j].begin {
			return report[i].begin < report[j].begin
		}
		return report[i].id < report[j].id
	})
	for _, txn := range report {
		cb(txn.id, txn.begin)
	}
	return res
}

// seek positions an iterator at tickStart. The bounds come from the
// iterator itself, so a trim racing with the call is either visible in them
// or reported by the iterator as wal.ErrLogTrimmed.
func (a *Access) seek(tickStart tick.Tick) (wal.Iterator, wal.Bounds, error) {
	it, err := a.log.Seek(maxTick(tickStart, 1))
	if err != nil {
		return nil, wal.Bounds{}, err
	}
	return it, it.Bounds(), nil
}

// scan feeds every marker in [from, to] to fn, checking ctx and shutdown
// after each one
func (a *Access) scan(ctx context.Context, from, to tick.Tick, fn func(m *wal.Marker)) error {
	it, err := a.log.Seek(from)
	if err != nil {
		return err
	}
	defer it.Close()
	return a.scanIterator(ctx, it, to, fn)
}

func (a *Access) scanIterator(ctx context.Context, it wal.Iterator, to tick.Tick, fn func(m *wal.Marker)) error {
	for it.Next() {
		m := it.Marker()
		if m.Tick > to {
			return nil
		}
		fn(m)
		if !a.available() {
			return ErrEngineUnavailable
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return it.Err()
}

func (r *Result) failScan(err error) Result {
	code := classify(err)
	if code == CodeTickGap {
		r.FromTickIncluded = false
	}
	return r.fail(code, engineError(err))
}
