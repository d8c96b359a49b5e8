package wal

import (
	"errors"
	"testing"

	"github.com/maxpert/waltail/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertAt(t tick.Tick, db, cid uint64) *Marker {
	return &Marker{Tick: t, Kind: KindInsert, DatabaseID: db, CollectionID: cid, Payload: []byte{0x80}}
}

func collect(t *testing.T, l Log, from tick.Tick) []tick.Tick {
	t.Helper()
	it, err := l.Seek(from)
	require.NoError(t, err)
	defer it.Close()

	var ticks []tick.Tick
	for it.Next() {
		ticks = append(ticks, it.Marker().Tick)
	}
	require.NoError(t, it.Err())
	return ticks
}

// runStoreContract exercises behavior every Store must share
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("empty", func(t *testing.T) {
		s := open(t)
		b, err := s.Bounds()
		require.NoError(t, err)
		assert.True(t, b.Empty())
		assert.Equal(t, tick.None, s.Head())
		assert.Empty(t, collect(t, s, 0))
	})

	t.Run("append and seek", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Append(insertAt(3, 1, 1), insertAt(5, 1, 1)))
		require.NoError(t, s.Append(insertAt(9, 2, 4)))

		assert.Equal(t, tick.Tick(9), s.Head())
		assert.Equal(t, []tick.Tick{3, 5, 9}, collect(t, s, 0))
		assert.Equal(t, []tick.Tick{5, 9}, collect(t, s, 4))
		assert.Equal(t, []tick.Tick{9}, collect(t, s, 9))
		assert.Empty(t, collect(t, s, 10))

		b, err := s.Bounds()
		require.NoError(t, err)
		assert.Equal(t, Bounds{First: 3, Last: 9}, b)
	})

	t.Run("iterator bounds are fixed at seek", func(t *testing.T) {
		s := open(t)
		for i := tick.Tick(1); i <= 6; i++ {
			require.NoError(t, s.Append(insertAt(i, 1, 1)))
		}
		require.NoError(t, s.Trim(2))

		it, err := s.Seek(1)
		require.NoError(t, err)
		defer it.Close()

		require.NoError(t, s.Append(insertAt(7, 1, 1)))
		assert.Equal(t, Bounds{First: 3, Last: 6, Trimmed: 2}, it.Bounds())

		b, err := s.Bounds()
		require.NoError(t, err)
		assert.Equal(t, Bounds{First: 3, Last: 7, Trimmed: 2}, b)
	})

	t.Run("markers survive intact", func(t *testing.T) {
		s := open(t)
		payload, err := NewPayload(map[string]interface{}{"_key": "doc"})
		require.NoError(t, err)
		in := &Marker{Tick: 1, Kind: KindUpdate, DatabaseID: 7, CollectionID: 8, TransactionID: 9, Payload: payload}
		require.NoError(t, s.Append(in))

		it, err := s.Seek(1)
		require.NoError(t, err)
		defer it.Close()
		require.True(t, it.Next())
		assert.Equal(t, in, it.Marker())
		assert.False(t, it.Next())
	})

	t.Run("rejects out of order", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Append(insertAt(5, 1, 1)))

		err := s.Append(insertAt(5, 1, 1))
		assert.True(t, errors.Is(err, ErrOutOfOrder))
		err = s.Append(insertAt(7, 1, 1), insertAt(6, 1, 1))
		assert.True(t, errors.Is(err, ErrOutOfOrder))

		// Nothing from the rejected batch is visible
		assert.Equal(t, []tick.Tick{5}, collect(t, s, 0))
		assert.Equal(t, tick.Tick(5), s.Head())
	})

	t.Run("rejects invalid marker", func(t *testing.T) {
		s := open(t)
		err := s.Append(&Marker{Tick: 1, Kind: KindInsert, DatabaseID: 1})
		assert.Error(t, err)
		assert.Equal(t, tick.None, s.Head())
	})

	t.Run("trim", func(t *testing.T) {
		s := open(t)
		for i := tick.Tick(1); i <= 10; i++ {
			require.NoError(t, s.Append(insertAt(i, 1, 1)))
		}

		require.NoError(t, s.Trim(4))
		assert.Equal(t, []tick.Tick{5, 6, 7, 8, 9, 10}, collect(t, s, 0))

		b, err := s.Bounds()
		require.NoError(t, err)
		assert.Equal(t, Bounds{First: 5, Last: 10, Trimmed: 4}, b)

		// Trimming backwards is a no-op
		require.NoError(t, s.Trim(2))
		b, err = s.Bounds()
		require.NoError(t, err)
		assert.Equal(t, tick.Tick(4), b.Trimmed)

		require.NoError(t, s.Trim(10))
		b, err = s.Bounds()
		require.NoError(t, err)
		assert.True(t, b.Empty())
		assert.Equal(t, tick.Tick(10), b.Last)
		assert.Equal(t, tick.Tick(11), b.FirstRetained())

		// Head survives a full trim and appends continue after it
		require.NoError(t, s.Append(insertAt(11, 1, 1)))
		assert.Equal(t, []tick.Tick{11}, collect(t, s, 0))
	})

	t.Run("closed", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Append(insertAt(1, 1, 1)))
		require.NoError(t, s.Close())

		_, err := s.Seek(0)
		assert.True(t, errors.Is(err, ErrLogClosed))
		_, err = s.Bounds()
		assert.True(t, errors.Is(err, ErrLogClosed))
		assert.True(t, errors.Is(s.Append(insertAt(2, 1, 1)), ErrLogClosed))
		assert.Equal(t, tick.Tick(1), s.Head())
	})
}

func TestMemoryLogContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryLog()
	})
}

func TestPebbleLogContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		pl, err := OpenPebbleLog(t.TempDir(), PebbleOptions{NoSync: true})
		require.NoError(t, err)
		t.Cleanup(func() {
			if !pl.closed.Load() {
				pl.Close()
			}
		})
		return pl
	})
}
