package walaccess

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const largeChunk = 1 << 20

func TestTailCollectionFilterSkipsOtherCollectionsAndControl(t *testing.T) {
	f := newFixture(t)
	f.append(t,
		f.txnInsert(10, f.users, 7),
		f.txnInsert(11, f.orders, 7),
		f.control(12, wal.KindCommitTransaction, 7),
	)

	markers, res := tailAll(t, f.access, 10, 12, largeChunk, Filter{CollectionID: f.users})
	require.True(t, res.OK(), res.String())
	assert.Equal(t, []tick.Tick{10}, ticksOf(markers))
	assert.Equal(t, tick.Tick(10), res.LastTick)
	assert.Equal(t, tick.Tick(12), res.LastScannedTick)
	assert.True(t, res.FromTickIncluded)
	assert.False(t, res.HasMore)
	assert.Equal(t, tick.Tick(13), res.ResumeTick())
}

func TestTailFromTrimmedStartReportsGap(t *testing.T) {
	f := newFixture(t)
	for i := tick.Tick(1); i <= 100; i++ {
		f.append(t, f.insert(i, f.users))
	}
	require.NoError(t, f.log.Trim(4))

	r, err := f.access.TickRange()
	require.NoError(t, err)
	require.Equal(t, tick.Range{Min: 5, Max: 100}, r)

	markers, res := tailAll(t, f.access, 1, 50, largeChunk, Filter{})
	require.True(t, res.OK(), res.String())
	assert.False(t, res.FromTickIncluded)
	assert.Equal(t, tick.Tick(5), res.FirstTick)
	assert.Equal(t, tickSpan(5, 50), ticksOf(markers))
	assert.Equal(t, tick.Tick(50), res.LastTick)

	// Starting right after the watermark is not a gap
	_, res = tailAll(t, f.access, 5, 50, largeChunk, Filter{})
	assert.True(t, res.FromTickIncluded)
}

func TestTailChunkOfOneMarker(t *testing.T) {
	f := newFixture(t)
	f.append(t,
		f.insert(3, f.users),
		f.insert(4, f.orders),
		f.insert(5, f.users),
		f.insert(6, f.orders),
		f.insert(8, f.users),
	)
	filter := Filter{CollectionID: f.users}
	chunk := f.insert(0, f.users).Size()

	var got []tick.Tick
	from := tick.Tick(1)
	for _, want := range []tick.Tick{3, 5, 8} {
		markers, res := tailAll(t, f.access, from, tick.Max, chunk, filter)
		require.True(t, res.OK(), res.String())
		require.Len(t, markers, 1)
		assert.Equal(t, want, markers[0].Tick)
		assert.Equal(t, want, res.LastTick)
		assert.Equal(t, want != 8, res.HasMore)
		got = append(got, markers[0].Tick)
		from = res.ResumeTick()
	}
	assert.Equal(t, []tick.Tick{3, 5, 8}, got)

	markers, res := tailAll(t, f.access, from, tick.Max, chunk, filter)
	require.True(t, res.OK())
	assert.Empty(t, markers)
	assert.Equal(t, from.Prev(), res.LastTick)
}

func TestTailChunkedResumeHasNoDuplicatesOrGaps(t *testing.T) {
	f := newFixture(t)
	cols := []uint64{f.users, f.orders, f.audit}
	for i := tick.Tick(1); i <= 90; i++ {
		m := f.insert(i*2, cols[int(i)%len(cols)])
		m.Payload = make([]byte, int(i)%7)
		f.append(t, m)
	}

	full, res := tailAll(t, f.access, 20, 150, largeChunk, Filter{IncludeSystem: true})
	require.True(t, res.OK())

	for _, chunk := range []int{1, 40, 100, 333} {
		t.Run(fmt.Sprintf("chunk %d", chunk), func(t *testing.T) {
			var got []*wal.Marker
			from := tick.Tick(20)
			for calls := 0; from <= 150; calls++ {
				require.Less(t, calls, 200)
				markers, res := tailAll(t, f.access, from, 150, chunk, Filter{IncludeSystem: true})
				require.True(t, res.OK(), res.String())
				for i, m := range markers {
					assert.GreaterOrEqual(t, m.Tick, from)
					assert.LessOrEqual(t, m.Tick, tick.Tick(150))
					if i > 0 {
						assert.Greater(t, m.Tick, markers[i-1].Tick)
					}
				}
				got = append(got, markers...)
				if !res.HasMore {
					break
				}
				from = res.ResumeTick()
			}
			assert.Equal(t, ticksOf(full), ticksOf(got))
		})
	}
}

func TestTailStopsAtHead(t *testing.T) {
	f := newFixture(t)
	f.append(t, f.insert(1, f.users), f.insert(2, f.users))

	markers, res := tailAll(t, f.access, 1, tick.Max, largeChunk, Filter{})
	require.True(t, res.OK())
	assert.Equal(t, []tick.Tick{1, 2}, ticksOf(markers))
	assert.False(t, res.HasMore)

	markers, res = tailAll(t, f.access, 50, 60, largeChunk, Filter{})
	require.True(t, res.OK())
	assert.Empty(t, markers)
	assert.Equal(t, tick.Tick(49), res.LastTick)
	assert.Equal(t, tick.Tick(50), res.ResumeTick())
}

func TestTailFilters(t *testing.T) {
	f := newFixture(t)
	other, err := f.dm.CreateDatabase("other")
	require.NoError(t, err)
	items, err := f.dm.CreateCollection("other", "items", db.CollectionDocument, nil)
	require.NoError(t, err)

	f.append(t,
		f.insert(1, f.users),
		f.insert(2, f.audit),
		&wal.Marker{Tick: 3, Kind: wal.KindInsert, DatabaseID: other.ID(), CollectionID: items.ID()},
		f.insert(4, f.orders),
		f.insert(5, 9999), // unknown collection
		&wal.Marker{Tick: 6, Kind: wal.KindInsert, DatabaseID: 8888, CollectionID: 1}, // unknown database
		f.control(7, wal.KindBeginTransaction, 3),
	)

	cases := []struct {
		name   string
		filter Filter
		want   []tick.Tick
	}{
		{"no restriction", Filter{}, []tick.Tick{1, 3, 4, 7}},
		{"include system", Filter{IncludeSystem: true}, []tick.Tick{1, 2, 3, 4, 7}},
		{"database", Filter{DatabaseID: other.ID()}, []tick.Tick{3}},
		{"collection", Filter{CollectionID: f.orders}, []tick.Tick{4}},
		{"system collection hidden", Filter{CollectionID: f.audit}, nil},
		{"system collection", Filter{CollectionID: f.audit, IncludeSystem: true}, []tick.Tick{2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			markers, res := tailAll(t, f.access, 1, 10, largeChunk, tc.filter)
			require.True(t, res.OK())
			assert.Equal(t, tc.want, ticksOf(markers))
			assert.Equal(t, tick.Tick(7), res.LastScannedTick)

			for _, m := range markers {
				if tc.filter.CollectionID != 0 && m.CollectionID != 0 {
					assert.Equal(t, tc.filter.CollectionID, m.CollectionID)
				}
				if !tc.filter.IncludeSystem {
					assert.NotEqual(t, f.audit, m.CollectionID)
				}
			}
		})
	}
}

func TestTailTransactionWindow(t *testing.T) {
	f := newFixture(t)
	f.append(t,
		f.control(4, wal.KindBeginTransaction, 7),
		f.txnInsert(5, f.users, 7),
		f.txnInsert(6, f.users, 8),
		f.insert(7, f.users),
		f.control(10, wal.KindCommitTransaction, 7),
		f.txnInsert(12, f.users, 8),
	)

	filter := Filter{FirstRegularTick: 10, TransactionIDs: NewTransactionSet(7)}
	markers, res := tailAll(t, f.access, 1, 20, largeChunk, filter)
	require.True(t, res.OK())
	assert.Equal(t, []tick.Tick{4, 5, 10, 12}, ticksOf(markers))

	filter.CollectionID = f.orders
	markers, _ = tailAll(t, f.access, 1, 20, largeChunk, filter)
	assert.Empty(t, markers)
}

func TestTailDeliversDropOfVanishedCollection(t *testing.T) {
	f := newFixture(t)
	gone, err := wal.NewPayload(map[string]interface{}{"name": "gone"})
	require.NoError(t, err)
	sysGone, err := wal.NewPayload(map[string]interface{}{"name": "_gone"})
	require.NoError(t, err)

	f.append(t,
		f.insert(1, 9999),
		&wal.Marker{Tick: 2, Kind: wal.KindDropCollection, DatabaseID: f.shop, CollectionID: 9999, Payload: gone},
		&wal.Marker{Tick: 3, Kind: wal.KindDropCollection, DatabaseID: f.shop, CollectionID: 9998, Payload: sysGone},
	)

	markers, res := tailAll(t, f.access, 1, 3, largeChunk, Filter{})
	require.True(t, res.OK())
	assert.Equal(t, []tick.Tick{2}, ticksOf(markers))

	markers, _ = tailAll(t, f.access, 1, 3, largeChunk, Filter{IncludeSystem: true})
	assert.Equal(t, []tick.Tick{2, 3}, ticksOf(markers))

	markers, _ = tailAll(t, f.access, 1, 3, largeChunk, Filter{CollectionID: 9998, IncludeSystem: true})
	assert.Equal(t, []tick.Tick{3}, ticksOf(markers))
}

func TestTailReplaysLifecycleOfDroppedCollection(t *testing.T) {
	dm, _, access := liveFixture(t)
	_, err := dm.CreateDatabase("shop")
	require.NoError(t, err)
	for _, name := range []string{"tmp", "_tmp"} {
		_, err = dm.CreateCollection("shop", name, db.CollectionDocument, nil)
		require.NoError(t, err)
		require.NoError(t, dm.ChangeCollection("shop", name, map[string]interface{}{"waitForSync": true}))
		idx, err := dm.CreateIndex("shop", name, db.IndexDefinition{Type: "persistent", Fields: []string{"sku"}})
		require.NoError(t, err)
		require.NoError(t, dm.DropIndex("shop", name, idx.ID))
		_, err = dm.Insert("shop", name, map[string]interface{}{"sku": "a"})
		require.NoError(t, err)
		require.NoError(t, dm.DropCollection(context.Background(), "shop", name))
	}

	kindsOf := func(f Filter) []wal.Kind {
		markers, res := tailAll(t, access, 1, tick.Max, largeChunk, f)
		require.True(t, res.OK(), res.String())
		var out []wal.Kind
		for _, m := range markers {
			if m.CollectionID != 0 {
				out = append(out, m.Kind)
			}
		}
		return out
	}
	lifecycle := []wal.Kind{
		wal.KindCreateCollection,
		wal.KindChangeCollection,
		wal.KindCreateIndex,
		wal.KindDropIndex,
		wal.KindDropCollection,
	}

	// Data markers of the vanished collections are skipped, their DDL is not
	assert.Equal(t, lifecycle, kindsOf(Filter{}))
	assert.Equal(t, append(append([]wal.Kind{}, lifecycle...), lifecycle...), kindsOf(Filter{IncludeSystem: true}))
}

func TestTailDropDatabaseHasNilDatabase(t *testing.T) {
	dm, _, access := liveFixture(t)
	_, err := dm.CreateDatabase("tmp")
	require.NoError(t, err)
	_, err = dm.CreateCollection("tmp", "things", db.CollectionDocument, nil)
	require.NoError(t, err)
	_, err = dm.Insert("tmp", "things", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	require.NoError(t, dm.DropDatabase(context.Background(), "tmp"))

	type seen struct {
		kind     wal.Kind
		database *db.Database
	}
	var got []seen
	res := access.Tail(context.Background(), 1, tick.Max, largeChunk, Filter{}, func(d *db.Database, m *wal.Marker) error {
		got = append(got, seen{kind: m.Kind, database: d})
		return nil
	})
	require.True(t, res.OK())
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	assert.Equal(t, wal.KindDropDatabase, last.kind)
	assert.Nil(t, last.database)
	for _, s := range got {
		assert.False(t, s.kind.IsData(), "data markers of a dropped collection are skipped")
	}
}

func TestTailReleasesPins(t *testing.T) {
	dm, _, access := liveFixture(t)
	shop, err := dm.CreateDatabase("shop")
	require.NoError(t, err)
	users, err := dm.CreateCollection("shop", "users", db.CollectionDocument, nil)
	require.NoError(t, err)
	_, err = dm.Insert("shop", "users", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	_, err = dm.Insert("shop", "users", map[string]interface{}{"n": 2})
	require.NoError(t, err)

	var dropErr error
	res := access.Tail(context.Background(), 1, tick.Max, largeChunk, Filter{}, func(d *db.Database, m *wal.Marker) error {
		if m.Kind != wal.KindInsert || dropErr != nil {
			return nil
		}
		assert.Positive(t, shop.Pins())
		assert.Positive(t, users.Pins())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		dropErr = dm.DropDatabase(ctx, "shop")
		return nil
	})
	require.True(t, res.OK(), res.String())
	assert.ErrorIs(t, dropErr, context.DeadlineExceeded)
	assert.Zero(t, shop.Pins())
	assert.Zero(t, users.Pins())

	// Early exits release too
	res = access.Tail(context.Background(), 1, tick.Max, largeChunk, Filter{}, func(*db.Database, *wal.Marker) error {
		return errors.New("apply failed")
	})
	assert.Equal(t, CodeInternal, res.Code)
	assert.Zero(t, shop.Pins())
}

func TestTailStopTailing(t *testing.T) {
	f := newFixture(t)
	f.append(t, f.insert(1, f.users), f.insert(2, f.users), f.insert(3, f.users))

	var got []tick.Tick
	res := f.access.Tail(context.Background(), 1, 3, largeChunk, Filter{}, func(_ *db.Database, m *wal.Marker) error {
		got = append(got, m.Tick)
		if m.Tick == 2 {
			return ErrStopTailing
		}
		return nil
	})
	require.True(t, res.OK())
	assert.Equal(t, []tick.Tick{1, 2}, got)
	assert.Equal(t, tick.Tick(2), res.LastTick)
	assert.Equal(t, tick.Tick(3), res.ResumeTick())
}

func TestTailCallbackErrorDoesNotCountMarker(t *testing.T) {
	f := newFixture(t)
	f.append(t, f.insert(1, f.users), f.insert(2, f.users), f.insert(3, f.users))

	boom := errors.New("boom")
	res := f.access.Tail(context.Background(), 1, 3, largeChunk, Filter{}, func(_ *db.Database, m *wal.Marker) error {
		if m.Tick == 2 {
			return boom
		}
		return nil
	})
	assert.Equal(t, CodeInternal, res.Code)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, tick.Tick(1), res.LastTick)
	assert.Equal(t, tick.Tick(1), res.LastScannedTick)
	assert.Equal(t, tick.Tick(2), res.ResumeTick())
}

func TestTailCanceled(t *testing.T) {
	f := newFixture(t)
	f.append(t, f.insert(1, f.users), f.insert(2, f.users), f.insert(3, f.users))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := f.access.Tail(ctx, 1, 3, largeChunk, Filter{}, func(_ *db.Database, m *wal.Marker) error {
		if m.Tick == 2 {
			cancel()
		}
		return nil
	})
	assert.Equal(t, CodeCanceled, res.Code)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, tick.Tick(2), res.LastTick)
}

func TestTailBadParameters(t *testing.T) {
	f := newFixture(t)

	_, res := tailAll(t, f.access, 10, 9, largeChunk, Filter{})
	assert.Equal(t, CodeBadParameter, res.Code)
	assert.ErrorIs(t, res.Err, ErrBadParameter)

	_, res = tailAll(t, f.access, 1, 9, 0, Filter{})
	assert.Equal(t, CodeBadParameter, res.Code)
}

func TestTailConcurrentTrimIsTickGap(t *testing.T) {
	f := newFixture(t)
	for i := tick.Tick(1); i <= 300; i++ {
		f.append(t, f.insert(i, f.users))
	}

	var got []tick.Tick
	res := f.access.Tail(context.Background(), 1, tick.Max, largeChunk, Filter{}, func(_ *db.Database, m *wal.Marker) error {
		got = append(got, m.Tick)
		if m.Tick == 10 {
			require.NoError(t, f.log.Trim(250))
		}
		return nil
	})
	assert.Equal(t, CodeTickGap, res.Code)
	assert.False(t, res.FromTickIncluded)
	assert.ErrorIs(t, res.Err, ErrTickGap)
	assert.ErrorIs(t, res.Err, wal.ErrLogTrimmed)
	assert.Equal(t, tickSpan(1, res.LastTick), got)
}

// corruptLog fails iteration when it reaches a given tick
type corruptLog struct {
	*wal.MemoryLog
	at tick.Tick
}

func (c *corruptLog) Seek(from tick.Tick) (wal.Iterator, error) {
	it, err := c.MemoryLog.Seek(from)
	if err != nil {
		return nil, err
	}
	return &corruptIterator{Iterator: it, at: c.at}, nil
}

type corruptIterator struct {
	wal.Iterator
	at  tick.Tick
	err error
}

func (c *corruptIterator) Next() bool {
	if c.err != nil || !c.Iterator.Next() {
		return false
	}
	if c.Iterator.Marker().Tick == c.at {
		c.err = &wal.CorruptionError{Tick: c.at, Cause: errors.New("checksum mismatch")}
		return false
	}
	return true
}

func (c *corruptIterator) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.Iterator.Err()
}

func TestTailCorruptedMarker(t *testing.T) {
	f := newFixture(t)
	f.append(t, f.insert(1, f.users), f.insert(2, f.orders), f.insert(3, f.users), f.insert(4, f.users))
	access := New(&corruptLog{MemoryLog: f.log, at: 3}, f.dm)

	markers, res := tailAll(t, access, 1, 4, largeChunk, Filter{CollectionID: f.users})
	assert.Equal(t, CodeCorrupted, res.Code)
	assert.ErrorIs(t, res.Err, wal.ErrCorruptedMarker)
	assert.False(t, res.Code.Retryable())
	assert.Equal(t, []tick.Tick{1}, ticksOf(markers))
	assert.Equal(t, tick.Tick(1), res.LastTick)
	assert.Equal(t, tick.Tick(2), res.LastScannedTick)
}

func TestTailOverPebbleLog(t *testing.T) {
	pl, err := wal.OpenPebbleLog(t.TempDir(), wal.PebbleOptions{CacheSizeMB: 8, MemTableSizeMB: 4, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pl.Close() })

	dm, err := db.NewDatabaseManager(wal.NewWriter(pl, nil), nil)
	require.NoError(t, err)
	_, err = dm.CreateDatabase("shop")
	require.NoError(t, err)
	_, err = dm.CreateCollection("shop", "users", db.CollectionDocument, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = dm.Insert("shop", "users", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	access := New(pl, dm)
	var inserts int
	res := access.Tail(context.Background(), 1, tick.Max, largeChunk, Filter{}, func(d *db.Database, m *wal.Marker) error {
		if m.Kind == wal.KindInsert {
			inserts++
			assert.Equal(t, "shop", d.Name())
		}
		return nil
	})
	require.True(t, res.OK(), res.String())
	assert.Equal(t, 10, inserts)
	assert.Equal(t, pl.Head(), res.LastTick)
}

// trimOnSeek trims the log right before handing out an iterator, the way a
// retention pass racing with a tail call would
type trimOnSeek struct {
	wal.Store
	upTo tick.Tick
}

func (s *trimOnSeek) Seek(from tick.Tick) (wal.Iterator, error) {
	if err := s.Store.Trim(s.upTo); err != nil {
		return nil, err
	}
	return s.Store.Seek(from)
}

func TestTailTrimBeforeSeekReportsGap(t *testing.T) {
	f := newFixture(t)
	pl, err := wal.OpenPebbleLog(t.TempDir(), wal.PebbleOptions{CacheSizeMB: 8, MemTableSizeMB: 4, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pl.Close() })

	stores := map[string]wal.Store{"memory": f.log, "pebble": pl}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			for i := tick.Tick(1); i <= 10; i++ {
				require.NoError(t, store.Append(f.insert(i, f.users)))
			}
			access := New(&trimOnSeek{Store: store, upTo: 5}, f.dm)

			markers, res := tailAll(t, access, 3, 10, largeChunk, Filter{})
			require.True(t, res.OK(), res.String())
			assert.False(t, res.FromTickIncluded)
			assert.Equal(t, tick.Tick(6), res.FirstTick)
			assert.Equal(t, tickSpan(6, 10), ticksOf(markers))
		})
	}
}

func TestTailPebbleSnapshotIgnoresLaterTrim(t *testing.T) {
	f := newFixture(t)
	pl, err := wal.OpenPebbleLog(t.TempDir(), wal.PebbleOptions{CacheSizeMB: 8, MemTableSizeMB: 4, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pl.Close() })
	for i := tick.Tick(1); i <= 10; i++ {
		require.NoError(t, pl.Append(f.insert(i, f.users)))
	}
	access := New(pl, f.dm)

	var got []tick.Tick
	res := access.Tail(context.Background(), 3, 10, largeChunk, Filter{}, func(_ *db.Database, m *wal.Marker) error {
		got = append(got, m.Tick)
		if m.Tick == 3 {
			require.NoError(t, pl.Trim(8))
		}
		return nil
	})
	require.True(t, res.OK(), res.String())
	assert.True(t, res.FromTickIncluded)
	assert.Equal(t, tickSpan(3, 10), got)

	// The next call sees the trim
	_, res = tailAll(t, access, 4, 10, largeChunk, Filter{})
	assert.False(t, res.FromTickIncluded)
}

func TestOpenTransactionsTrimBeforeSeekReportsGap(t *testing.T) {
	f := newFixture(t)
	f.append(t,
		f.control(1, wal.KindBeginTransaction, 7),
		f.txnInsert(2, f.users, 7),
		f.insert(3, f.users),
		f.insert(4, f.users),
		f.txnInsert(5, f.users, 7),
	)
	access := New(&trimOnSeek{Store: f.log, upTo: 2}, f.dm)

	var tids []uint64
	res := access.OpenTransactions(context.Background(), 2, 5, Filter{}, func(tid uint64, _ tick.Tick) {
		tids = append(tids, tid)
	})
	require.True(t, res.OK(), res.String())
	assert.False(t, res.FromTickIncluded)
	assert.Equal(t, []uint64{7}, tids)
}
