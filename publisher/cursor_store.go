package publisher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/waltail/encoding"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/maxpert/waltail/walaccess"
	"github.com/rs/zerolog/log"
)

// ErrCursorStoreClosed is returned after Close
var ErrCursorStoreClosed = errors.New("cursor store is closed")

// Key prefixes for Pebble storage
const (
	prefixPubCursor = "/pubcursor/" // /pubcursor/{sinkName} -> msgpack(walaccess.Cursor)
)

// Pebble configuration constants
const (
	memTableSize          = 4 << 20 // cursors are tiny
	l0CompactionThreshold = 2
	l0StopWritesThreshold = 12
)

// CursorStore persists one walaccess.Cursor per sink
type CursorStore struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]walaccess.Cursor
	cursorsMu sync.RWMutex

	closed atomic.Bool
}

// OpenCursorStore creates or opens the cursor store under dataDir/publisher
func OpenCursorStore(dataDir string) (*CursorStore, error) {
	storePath := filepath.Join(dataDir, "publisher")

	opts := &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
		L0StopWritesThreshold: l0StopWritesThreshold,
		Logger:                &pebbleLogger{},
	}

	db, err := pebble.Open(storePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store at %s: %w", storePath, err)
	}

	cs := &CursorStore{
		db:      db,
		path:    storePath,
		cursors: make(map[string]walaccess.Cursor),
	}

	if err := cs.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return cs, nil
}

// loadCursors loads all cursors from Pebble into the in-memory map
func (cs *CursorStore) loadCursors() error {
	prefix := []byte(prefixPubCursor)
	iter, err := cs.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: wal.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixPubCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var c walaccess.Cursor
		if err := encoding.Unmarshal(val, &c); err != nil {
			return fmt.Errorf("invalid cursor for sink %s: %w", name, err)
		}
		cs.cursors[name] = c
	}

	if err := iter.Error(); err != nil {
		return err
	}

	log.Debug().Int("count", len(cs.cursors)).Msg("Loaded publisher cursors")
	return nil
}

// Get returns the cursor of a sink. ok is false for a sink that never
// saved one.
func (cs *CursorStore) Get(sinkName string) (walaccess.Cursor, bool, error) {
	if cs.closed.Load() {
		return walaccess.Cursor{}, false, ErrCursorStoreClosed
	}

	cs.cursorsMu.RLock()
	defer cs.cursorsMu.RUnlock()
	c, ok := cs.cursors[sinkName]
	return c, ok, nil
}

// Save persists the cursor of a sink
func (cs *CursorStore) Save(sinkName string, c walaccess.Cursor) error {
	if cs.closed.Load() {
		return ErrCursorStoreClosed
	}

	val, err := encoding.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	if err := cs.db.Set([]byte(prefixPubCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	cs.cursorsMu.Lock()
	cs.cursors[sinkName] = c
	cs.cursorsMu.Unlock()
	return nil
}

// Delete forgets the cursor of a sink, used after a full resync
func (cs *CursorStore) Delete(sinkName string) error {
	if cs.closed.Load() {
		return ErrCursorStoreClosed
	}
	if err := cs.db.Delete([]byte(prefixPubCursor+sinkName), pebble.Sync); err != nil {
		return err
	}
	cs.cursorsMu.Lock()
	delete(cs.cursors, sinkName)
	cs.cursorsMu.Unlock()
	return nil
}

// MinTick returns the smallest tick any sink still needs. Markers below it
// may be trimmed. ok is false when no cursor exists.
func (cs *CursorStore) MinTick() (tick.Tick, bool) {
	cs.cursorsMu.RLock()
	defer cs.cursorsMu.RUnlock()

	if len(cs.cursors) == 0 {
		return tick.None, false
	}
	min := tick.Max
	for _, c := range cs.cursors {
		if c.TickStart < min {
			min = c.TickStart
		}
	}
	return min, true
}

// Close closes the Pebble database
func (cs *CursorStore) Close() error {
	if !cs.closed.CompareAndSwap(false, true) {
		return ErrCursorStoreClosed
	}
	return cs.db.Close()
}

// pebbleLogger routes pebble's own logging through zerolog
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}
