package wal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/waltail/cfg"
	"github.com/maxpert/waltail/tick"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixMarker  = "/wal/"          // /wal/{16-digit-hex-tick}
	keyHead       = "/walmeta/head"  // uint64: largest tick ever appended
	keyTrimmed    = "/walmeta/trim"  // uint64: trim watermark
	markerKeySize = len(prefixMarker) + 16
)

// PebbleOptions configures the pebble backed WAL
type PebbleOptions struct {
	CacheSizeMB           int64
	MemTableSizeMB        int64
	L0CompactionThreshold int
	L0StopWrites          int
	MaxConcurrentCompact  int
	CompressThreshold     int  // payloads above this size are zstd compressed
	NoSync                bool // only for tests
}

// DefaultPebbleOptions returns options from cfg.Config.WAL
func DefaultPebbleOptions() PebbleOptions {
	w := cfg.Config.WAL
	return PebbleOptions{
		CacheSizeMB:           w.CacheSizeMB,
		MemTableSizeMB:        w.MemTableSizeMB,
		L0CompactionThreshold: w.L0CompactionThreshold,
		L0StopWrites:          w.L0StopWrites,
		MaxConcurrentCompact:  3,
		CompressThreshold:     w.CompressThresholdKB << 10,
	}
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

// PebbleLog is a Pebble-backed append-only marker log
type PebbleLog struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions
	compress  int

	// appendMu serializes Append and Trim; readers never take it
	appendMu sync.Mutex

	head    atomic.Uint64
	first   atomic.Uint64
	trimmed atomic.Uint64

	closed atomic.Bool
}

var _ Store = (*PebbleLog)(nil)

// OpenPebbleLog creates or opens a pebble WAL under dataDir/wal
func OpenPebbleLog(dataDir string, opts PebbleOptions) (*PebbleLog, error) {
	logPath := filepath.Join(dataDir, "wal")

	cacheMB := opts.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = 8
	}
	cache := pebble.NewCache(cacheMB << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:                 cache,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWrites,
		Logger:                &pebbleLogger{},
	}
	if opts.MemTableSizeMB > 0 {
		pebbleOpts.MemTableSize = uint64(opts.MemTableSizeMB << 20)
	}
	if opts.MaxConcurrentCompact > 0 {
		n := opts.MaxConcurrentCompact
		pebbleOpts.MaxConcurrentCompactions = func() int { return n }
	}

	db, err := pebble.Open(logPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal at %s: %w", logPath, err)
	}

	pl := &PebbleLog{
		db:        db,
		path:      logPath,
		writeOpts: pebble.Sync,
		compress:  opts.CompressThreshold,
	}
	if opts.NoSync {
		pl.writeOpts = pebble.NoSync
	}

	if err := pl.loadState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load wal state: %w", err)
	}

	log.Info().
		Str("path", logPath).
		Uint64("first_tick", pl.first.Load()).
		Uint64("head_tick", pl.head.Load()).
		Uint64("trimmed_tick", pl.trimmed.Load()).
		Msg("Opened WAL")

	return pl, nil
}

func (pl *PebbleLog) loadState() error {
	b, err := readBounds(pl.db)
	if err != nil {
		return err
	}
	pl.head.Store(uint64(b.Last))
	pl.trimmed.Store(uint64(b.Trimmed))
	pl.first.Store(uint64(b.First))
	return nil
}

// readBounds reads head, trim watermark and smallest retained tick from r.
// Head and watermark are written in the same batches as the markers, so a
// snapshot yields bounds that match exactly what it holds.
func readBounds(r pebble.Reader) (Bounds, error) {
	head, err := getUint64(r, keyHead)
	if err != nil {
		return Bounds{}, err
	}
	trimmed, err := getUint64(r, keyTrimmed)
	if err != nil {
		return Bounds{}, err
	}
	first, err := firstTick(r)
	if err != nil {
		return Bounds{}, err
	}
	return Bounds{First: first, Last: tick.Tick(head), Trimmed: tick.Tick(trimmed)}, nil
}

func getUint64(r pebble.Reader, key string) (uint64, error) {
	val, closer, err := r.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

// firstTick returns the smallest marker tick in r, None when there is none
func firstTick(r pebble.Reader) (tick.Tick, error) {
	prefix := []byte(prefixMarker)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return tick.None, err
	}
	defer iter.Close()

	if !iter.First() {
		return tick.None, iter.Error()
	}
	t, ok := parseMarkerKey(iter.Key())
	if !ok {
		return tick.None, fmt.Errorf("malformed wal key %q", iter.Key())
	}
	return t, nil
}

// refreshFirst re-reads the smallest retained tick
func (pl *PebbleLog) refreshFirst() error {
	first, err := firstTick(pl.db)
	if err != nil {
		return err
	}
	pl.first.Store(uint64(first))
	return nil
}

// Append stores markers in a single batch
func (pl *PebbleLog) Append(markers ...*Marker) error {
	if len(markers) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return ErrLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	if err := checkAppendOrder(tick.Tick(pl.head.Load()), markers); err != nil {
		return err
	}

	batch := pl.db.NewBatch()
	defer batch.Close()

	for _, m := range markers {
		val, err := encodeMarker(m, pl.compress)
		if err != nil {
			return err
		}
		if err := batch.Set(markerKey(m.Tick), val, nil); err != nil {
			return fmt.Errorf("failed to write marker %d: %w", m.Tick, err)
		}
	}

	last := markers[len(markers)-1].Tick
	if err := batch.Set([]byte(keyHead), uint64Bytes(uint64(last)), nil); err != nil {
		return fmt.Errorf("failed to update head: %w", err)
	}

	if err := batch.Commit(pl.writeOpts); err != nil {
		return fmt.Errorf("failed to commit wal batch: %w", err)
	}

	// Only publish the new head AFTER a successful commit
	pl.first.CompareAndSwap(0, uint64(markers[0].Tick))
	pl.head.Store(uint64(last))
	return nil
}

// Trim deletes every marker with tick <= upTo
func (pl *PebbleLog) Trim(upTo tick.Tick) error {
	if pl.closed.Load() {
		return ErrLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	if uint64(upTo) <= pl.trimmed.Load() {
		return nil
	}

	batch := pl.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange([]byte(prefixMarker), markerKey(upTo.Next()), nil); err != nil {
		return fmt.Errorf("failed to trim wal: %w", err)
	}
	if upTo == tick.Max {
		// markerKey(Max.Next()) == markerKey(Max); include it explicitly
		if err := batch.Delete(markerKey(tick.Max), nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyTrimmed), uint64Bytes(uint64(upTo)), nil); err != nil {
		return fmt.Errorf("failed to update trim watermark: %w", err)
	}
	if err := batch.Commit(pl.writeOpts); err != nil {
		return fmt.Errorf("failed to commit wal trim: %w", err)
	}

	pl.trimmed.Store(uint64(upTo))
	if err := pl.refreshFirst(); err != nil {
		return err
	}

	log.Debug().Uint64("up_to", uint64(upTo)).Uint64("first", pl.first.Load()).Msg("Trimmed WAL")
	return nil
}

// Seek returns an iterator over a point-in-time snapshot of the log, so a
// concurrent Trim never removes markers from under a running reader.
func (pl *PebbleLog) Seek(from tick.Tick) (Iterator, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}

	snap := pl.db.NewSnapshot()
	bounds, err := readBounds(snap)
	if err != nil {
		snap.Close()
		return nil, fmt.Errorf("failed to read wal bounds: %w", err)
	}
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: markerKey(from),
		UpperBound: PrefixUpperBound([]byte(prefixMarker)),
	})
	if err != nil {
		snap.Close()
		return nil, err
	}

	return &pebbleIterator{iter: iter, snap: snap, bounds: bounds}, nil
}

// Bounds returns the retained range
func (pl *PebbleLog) Bounds() (Bounds, error) {
	if pl.closed.Load() {
		return Bounds{}, ErrLogClosed
	}
	return Bounds{
		First:   tick.Tick(pl.first.Load()),
		Last:    tick.Tick(pl.head.Load()),
		Trimmed: tick.Tick(pl.trimmed.Load()),
	}, nil
}

// Head returns the largest tick ever appended
func (pl *PebbleLog) Head() tick.Tick {
	return tick.Tick(pl.head.Load())
}

// Close closes the Pebble database
func (pl *PebbleLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("wal already closed")
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()
	return pl.db.Close()
}

type pebbleIterator struct {
	iter    *pebble.Iterator
	snap    *pebble.Snapshot
	bounds  Bounds
	started bool
	current *Marker
	err     error
}

func (it *pebbleIterator) Next() bool {
	if it.err != nil {
		return false
	}

	var ok bool
	if !it.started {
		it.started = true
		ok = it.iter.First()
	} else {
		ok = it.iter.Next()
	}
	if !ok {
		it.current = nil
		it.err = it.iter.Error()
		return false
	}

	t, valid := parseMarkerKey(it.iter.Key())
	if !valid {
		it.err = &CorruptionError{Tick: tick.None, Cause: fmt.Errorf("malformed key %q", it.iter.Key())}
		return false
	}

	val, err := it.iter.ValueAndErr()
	if err != nil {
		it.err = err
		return false
	}

	m, err := decodeMarker(val)
	if err != nil {
		it.err = &CorruptionError{Tick: t, Cause: err}
		return false
	}
	if m.Tick != t {
		it.err = &CorruptionError{Tick: t, Cause: fmt.Errorf("key tick %d holds marker %d", t, m.Tick)}
		return false
	}

	it.current = m
	return true
}

func (it *pebbleIterator) Marker() *Marker {
	return it.current
}

func (it *pebbleIterator) Err() error {
	return it.err
}

func (it *pebbleIterator) Bounds() Bounds {
	return it.bounds
}

func (it *pebbleIterator) Close() error {
	err := it.iter.Close()
	if serr := it.snap.Close(); err == nil {
		err = serr
	}
	return err
}

func markerKey(t tick.Tick) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixMarker, uint64(t)))
}

func parseMarkerKey(key []byte) (tick.Tick, bool) {
	if len(key) != markerKeySize || string(key[:len(prefixMarker)]) != prefixMarker {
		return tick.None, false
	}
	var v uint64
	for _, c := range key[len(prefixMarker):] {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint64(c-'a'+10)
		default:
			return tick.None, false
		}
	}
	return tick.Tick(v), true
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// PrefixUpperBound returns the smallest key greater than every key starting
// with prefix, for use as a pebble iterator UpperBound
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // Prefix is all 0xff
}
