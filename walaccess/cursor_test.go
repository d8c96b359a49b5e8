package walaccess

import (
	"encoding/json"
	"testing"

	"github.com/maxpert/waltail/encoding"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncodings(t *testing.T) {
	c := Cursor{TickStart: 1 << 60, FirstRegularTick: 1<<60 + 5, TransactionIDs: []uint64{3, 9}}

	raw, err := encoding.Marshal(c)
	require.NoError(t, err)
	var fromMsgpack Cursor
	require.NoError(t, encoding.Unmarshal(raw, &fromMsgpack))
	assert.Equal(t, c, fromMsgpack)

	js, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"tickStart":"1152921504606846976"`)
	var fromJSON Cursor
	require.NoError(t, json.Unmarshal(js, &fromJSON))
	assert.Equal(t, c, fromJSON)
}

func TestCursorAdvance(t *testing.T) {
	c := NewCursor(10)

	next := c.Advance(Result{LastTick: 14, LastScannedTick: 20})
	assert.Equal(t, Cursor{TickStart: 21, FirstRegularTick: 21}, next)

	// Nothing scanned keeps the position
	assert.Equal(t, c, c.Advance(Result{LastTick: 9, LastScannedTick: 9}))

	pending := Cursor{TickStart: 5, FirstRegularTick: 10, TransactionIDs: []uint64{7}}
	partial := pending.Advance(Result{LastTick: 6, LastScannedTick: 6})
	assert.Equal(t, Cursor{TickStart: 7, FirstRegularTick: 10, TransactionIDs: []uint64{7}}, partial)

	done := pending.Advance(Result{LastTick: 12, LastScannedTick: 12})
	assert.Equal(t, Cursor{TickStart: 13, FirstRegularTick: 13}, done)
}

func TestCursorWithOpenTransactions(t *testing.T) {
	c := NewCursor(10)
	assert.Equal(t, c, c.WithOpenTransactions(12, []uint64{1}))
	assert.Equal(t, c, c.WithOpenTransactions(4, nil))

	rewound := c.WithOpenTransactions(4, []uint64{1, 2})
	assert.Equal(t, Cursor{TickStart: 4, FirstRegularTick: 10, TransactionIDs: []uint64{1, 2}}, rewound)

	f := rewound.Filter(Filter{DatabaseID: 3})
	assert.Equal(t, uint64(3), f.DatabaseID)
	assert.Equal(t, tick.Tick(10), f.FirstRegularTick)
	assert.True(t, f.TransactionIDs.Contains(2))
	assert.False(t, f.TransactionIDs.Contains(5))
}

// A follower that starts in the middle of a transaction recovers its
// earlier markers through OpenTransactions and a rewound cursor
func TestCursorResumesStraddlingTransaction(t *testing.T) {
	f := newFixture(t)
	f.append(t,
		f.control(2, wal.KindBeginTransaction, 7),
		f.txnInsert(3, f.users, 7),
		f.insert(4, f.orders),
		f.txnInsert(5, f.users, 8),
		f.txnInsert(6, f.users, 7),
		f.control(7, wal.KindCommitTransaction, 7),
	)

	cursor := NewCursor(4)
	var tids []uint64
	res := f.access.OpenTransactions(t.Context(), 1, cursor.TickStart.Prev(), Filter{}, func(tid uint64, _ tick.Tick) {
		tids = append(tids, tid)
	})
	require.True(t, res.OK())
	cursor = cursor.WithOpenTransactions(res.FirstTick, tids)

	markers, res := tailAll(t, f.access, cursor.TickStart, tick.Max, largeChunk, cursor.Filter(Filter{}))
	require.True(t, res.OK())
	assert.Equal(t, []tick.Tick{2, 3, 4, 5, 6, 7}, ticksOf(markers))

	cursor = cursor.Advance(res)
	assert.Equal(t, NewCursor(8), cursor)
}
