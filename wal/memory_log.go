package wal

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/waltail/tick"
	"github.com/zhangyunhao116/skipmap"
)

// memoryIterBatch is how many markers a MemoryLog iterator copies per refill
const memoryIterBatch = 128

// MemoryLog is an in-process Store backed by a lock-free skiplist. It holds
// no snapshot: iterators observe concurrent trims and fail with ErrLogTrimmed
// rather than silently skipping markers.
type MemoryLog struct {
	markers *skipmap.OrderedMap[uint64, *Marker]

	appendMu sync.Mutex

	head    atomic.Uint64
	first   atomic.Uint64
	trimmed atomic.Uint64

	closed atomic.Bool
}

var _ Store = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		markers: skipmap.New[uint64, *Marker](),
	}
}

// Append stores copies of markers
func (ml *MemoryLog) Append(markers ...*Marker) error {
	if len(markers) == 0 {
		return nil
	}
	if ml.closed.Load() {
		return ErrLogClosed
	}

	ml.appendMu.Lock()
	defer ml.appendMu.Unlock()

	if err := checkAppendOrder(tick.Tick(ml.head.Load()), markers); err != nil {
		return err
	}

	for _, m := range markers {
		ml.markers.Store(uint64(m.Tick), m.Clone())
	}

	ml.first.CompareAndSwap(0, uint64(markers[0].Tick))
	ml.head.Store(uint64(markers[len(markers)-1].Tick))
	return nil
}

// Trim removes every marker with tick <= upTo
func (ml *MemoryLog) Trim(upTo tick.Tick) error {
	if ml.closed.Load() {
		return ErrLogClosed
	}

	ml.appendMu.Lock()
	defer ml.appendMu.Unlock()

	if uint64(upTo) <= ml.trimmed.Load() {
		return nil
	}

	// Publish the watermark first so running iterators notice before the
	// markers disappear
	ml.trimmed.Store(uint64(upTo))

	var doomed []uint64
	ml.markers.Range(func(k uint64, _ *Marker) bool {
		if k > uint64(upTo) {
			return false
		}
		doomed = append(doomed, k)
		return true
	})
	for _, k := range doomed {
		ml.markers.Delete(k)
	}

	first := uint64(0)
	ml.markers.Range(func(k uint64, _ *Marker) bool {
		first = k
		return false
	})
	ml.first.Store(first)
	return nil
}

// Seek returns an iterator starting at the first marker with tick >= from
func (ml *MemoryLog) Seek(from tick.Tick) (Iterator, error) {
	if ml.closed.Load() {
		return nil, ErrLogClosed
	}

	// Appends and trims hold appendMu, so the three counters agree here
	ml.appendMu.Lock()
	bounds := Bounds{
		First:   tick.Tick(ml.first.Load()),
		Last:    tick.Tick(ml.head.Load()),
		Trimmed: tick.Tick(ml.trimmed.Load()),
	}
	ml.appendMu.Unlock()

	return &memoryIterator{
		log:    ml,
		next:   from,
		bounds: bounds,
	}, nil
}

// Bounds returns the retained range
func (ml *MemoryLog) Bounds() (Bounds, error) {
	if ml.closed.Load() {
		return Bounds{}, ErrLogClosed
	}
	return Bounds{
		First:   tick.Tick(ml.first.Load()),
		Last:    tick.Tick(ml.head.Load()),
		Trimmed: tick.Tick(ml.trimmed.Load()),
	}, nil
}

// Head returns the largest tick ever appended
func (ml *MemoryLog) Head() tick.Tick {
	return tick.Tick(ml.head.Load())
}

// Len returns the number of retained markers
func (ml *MemoryLog) Len() int {
	return ml.markers.Len()
}

// Close marks the log closed. Open iterators fail on their next refill.
func (ml *MemoryLog) Close() error {
	if !ml.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	return nil
}

type memoryIterator struct {
	log       *MemoryLog
	next    tick.Tick // smallest tick not yet returned
	bounds  Bounds    // observed at Seek
	buf     []*Marker
	current *Marker
	done    bool
	err     error
}

func (it *memoryIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	if len(it.buf) == 0 && !it.refill() {
		it.current = nil
		return false
	}

	it.current = it.buf[0]
	it.buf = it.buf[1:]
	if it.current.Tick == tick.Max {
		it.done = true
	} else {
		it.next = it.current.Tick.Next()
	}
	return true
}

func (it *memoryIterator) refill() bool {
	if it.log.closed.Load() {
		it.err = ErrLogClosed
		return false
	}
	if it.trimmedPast() {
		it.err = ErrLogTrimmed
		return false
	}

	pos := it.next
	if first := tick.Tick(it.log.first.Load()); pos < first {
		pos = first
	}

	// Writer hands out dense ticks, so walk them by key and only fall back
	// to an ordered scan at a hole
	head := tick.Tick(it.log.head.Load())
	for len(it.buf) < memoryIterBatch && pos != tick.None && pos <= head {
		m, ok := it.log.markers.Load(uint64(pos))
		if !ok {
			break
		}
		it.buf = append(it.buf, m)
		if pos == tick.Max {
			break
		}
		pos = pos.Next()
	}
	if len(it.buf) == 0 && pos != tick.None && pos <= head {
		start := uint64(pos)
		it.log.markers.Range(func(k uint64, m *Marker) bool {
			if k < start {
				return true
			}
			it.buf = append(it.buf, m)
			return len(it.buf) < memoryIterBatch
		})
	}

	if len(it.buf) == 0 {
		it.done = true
		return false
	}

	// A trim may have raced with the copy above
	if it.trimmedPast() {
		it.buf = nil
		it.err = ErrLogTrimmed
		return false
	}
	return true
}

// trimmedPast reports whether a trim after Seek removed markers this
// iterator has not returned yet
func (it *memoryIterator) trimmedPast() bool {
	trimmed := tick.Tick(it.log.trimmed.Load())
	return trimmed > it.bounds.Trimmed && trimmed >= it.next
}

func (it *memoryIterator) Marker() *Marker {
	return it.current
}

func (it *memoryIterator) Err() error {
	return it.err
}

func (it *memoryIterator) Bounds() Bounds {
	return it.bounds
}

func (it *memoryIterator) Close() error {
	it.buf = nil
	it.current = nil
	it.done = true
	return nil
}
