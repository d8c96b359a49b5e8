package admin

import (
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/waltail/telemetry"
	"github.com/maxpert/waltail/tick"
)

// DefaultMaxFollowers bounds the follower registry when not configured
const DefaultMaxFollowers = 1024

// FollowerState is the last position a follower fetched
type FollowerState struct {
	LastTick tick.Tick `json:"lastTick"`
	Time     time.Time `json:"time"`
}

// FollowerRegistry remembers the most recently active followers. The least
// recently seen follower is evicted once the registry is full.
type FollowerRegistry struct {
	cache *lru.Cache[uint64, FollowerState]
}

// NewFollowerRegistry creates a registry holding at most size followers
func NewFollowerRegistry(size int) (*FollowerRegistry, error) {
	if size <= 0 {
		size = DefaultMaxFollowers
	}
	cache, err := lru.NewWithEvict[uint64, FollowerState](size, func(id uint64, _ FollowerState) {
		telemetry.FollowerLagTicks.With(strconv.FormatUint(id, 10)).Set(0)
	})
	if err != nil {
		return nil, err
	}
	return &FollowerRegistry{cache: cache}, nil
}

// Touch records that follower id has fetched everything up to lastTick
// while the head was at head
func (f *FollowerRegistry) Touch(id uint64, lastTick, head tick.Tick) {
	f.cache.Add(id, FollowerState{LastTick: lastTick, Time: time.Now().UTC()})

	lag := float64(0)
	if head > lastTick {
		lag = float64(head - lastTick)
	}
	telemetry.FollowerLagTicks.With(strconv.FormatUint(id, 10)).Set(lag)
}

// Get returns the state of one follower
func (f *FollowerRegistry) Get(id uint64) (FollowerState, bool) {
	return f.cache.Peek(id)
}

// Snapshot returns every tracked follower keyed by decimal server id
func (f *FollowerRegistry) Snapshot() map[string]FollowerState {
	out := make(map[string]FollowerState, f.cache.Len())
	for _, id := range f.cache.Keys() {
		if state, ok := f.cache.Peek(id); ok {
			out[strconv.FormatUint(id, 10)] = state
		}
	}
	return out
}

// MinTick is the smallest tick a tracked follower still needs
func (f *FollowerRegistry) MinTick() (tick.Tick, bool) {
	min, found := tick.Max, false
	for _, id := range f.cache.Keys() {
		state, ok := f.cache.Peek(id)
		if !ok {
			continue
		}
		if next := state.LastTick.Next(); next < min {
			min = next
		}
		found = true
	}
	return min, found
}
