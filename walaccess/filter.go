package walaccess

import (
	"sort"

	"github.com/maxpert/waltail/tick"
)

// TransactionSet is a set of transaction ids
type TransactionSet map[uint64]struct{}

// NewTransactionSet builds a set from ids
func NewTransactionSet(ids ...uint64) TransactionSet {
	s := make(TransactionSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s TransactionSet) Contains(id uint64) bool {
	_, ok := s[id]
	return ok
}

func (s TransactionSet) Add(id uint64) {
	s[id] = struct{}{}
}

// Sorted returns the ids in ascending order
func (s TransactionSet) Sorted() []uint64 {
	out := make([]uint64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Filter selects which markers a call surfaces
type Filter struct {
	// IncludeSystem admits markers of system collections
	IncludeSystem bool

	// DatabaseID restricts to one database; 0 means all
	DatabaseID uint64

	// CollectionID restricts to one collection; 0 means all. A collection
	// restriction hides transaction control and database creation markers.
	CollectionID uint64

	// Below FirstRegularTick only markers of these transactions are
	// considered. Used to finish transactions that began before the window.
	TransactionIDs   TransactionSet
	FirstRegularTick tick.Tick
}

// admitsTick applies the transaction id rule for ticks below FirstRegularTick
func (f *Filter) admitsTick(t tick.Tick, tid uint64) bool {
	if t >= f.FirstRegularTick {
		return true
	}
	return tid != 0 && f.TransactionIDs.Contains(tid)
}

func (f *Filter) admitsDatabase(dbid uint64) bool {
	return f.DatabaseID == 0 || f.DatabaseID == dbid
}
