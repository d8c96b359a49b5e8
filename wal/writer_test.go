package wal

import (
	"errors"
	"testing"

	"github.com/maxpert/waltail/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	signals map[uint64]tick.Tick
}

func (r *recordingNotifier) Signal(databaseID uint64, head tick.Tick) {
	if r.signals == nil {
		r.signals = make(map[uint64]tick.Tick)
	}
	r.signals[databaseID] = head
}

func TestWriterAssignsTicksAndSignals(t *testing.T) {
	ml := NewMemoryLog()
	n := &recordingNotifier{}
	w := NewWriter(ml, n)

	a := &Marker{Kind: KindBeginTransaction, DatabaseID: 1, TransactionID: 9}
	b := &Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 2, TransactionID: 9}
	c := &Marker{Kind: KindInsert, DatabaseID: 3, CollectionID: 4}

	r, err := w.Write(a, b, c)
	require.NoError(t, err)
	assert.Equal(t, tick.Range{Min: 1, Max: 3}, r)
	assert.Equal(t, []tick.Tick{1, 2, 3}, []tick.Tick{a.Tick, b.Tick, c.Tick})
	assert.Equal(t, map[uint64]tick.Tick{1: 3, 3: 3}, n.signals)
	assert.Equal(t, tick.Tick(3), w.Head())
}

func TestWriterFailedAppendLeavesNoHole(t *testing.T) {
	ml := NewMemoryLog()
	w := NewWriter(ml, nil)

	_, err := w.Write(&Marker{Kind: KindInsert, DatabaseID: 1}) // no collection
	require.Error(t, err)

	r, err := w.Write(&Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 1})
	require.NoError(t, err)
	assert.Equal(t, tick.Tick(1), r.Min)
}

func TestWriterClosedLog(t *testing.T) {
	ml := NewMemoryLog()
	w := NewWriter(ml, nil)
	require.NoError(t, ml.Close())

	_, err := w.Write(&Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 1})
	assert.True(t, errors.Is(err, ErrLogClosed))
}

func TestWriterCatchesUpWithLogHead(t *testing.T) {
	ml := NewMemoryLog()
	w := NewWriter(ml, nil)
	require.NoError(t, ml.Append(insertAt(5, 1, 1)))

	_, err := w.Write(&Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 1})
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, tick.Tick(5), w.Head())

	r, err := w.Write(&Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 1})
	require.NoError(t, err)
	assert.Equal(t, tick.Range{Min: 6, Max: 6}, r)
}
