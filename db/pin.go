package db

import (
	"context"
	"sync"
	"sync/atomic"
)

const droppedBit = int64(1) << 62

// pinCount counts outstanding uses of a catalog entity. Pinning never
// blocks; once the entity is dropped new pins fail and the dropper waits
// for the count to drain.
type pinCount struct {
	state   atomic.Int64 // droppedBit | count
	drained chan struct{}
	once    sync.Once
}

func newPinCount() *pinCount {
	return &pinCount{drained: make(chan struct{})}
}

// use adds a pin, failing if the entity was dropped
func (p *pinCount) use() bool {
	for {
		s := p.state.Load()
		if s&droppedBit != 0 {
			return false
		}
		if p.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

func (p *pinCount) release() {
	s := p.state.Add(-1)
	if s&^droppedBit < 0 {
		panic("db: release without matching use")
	}
	if s == droppedBit {
		p.signalDrained()
	}
}

// markDropped rejects future pins. It reports false if already dropped.
func (p *pinCount) markDropped() bool {
	for {
		s := p.state.Load()
		if s&droppedBit != 0 {
			return false
		}
		if p.state.CompareAndSwap(s, s|droppedBit) {
			if s == 0 {
				p.signalDrained()
			}
			return true
		}
	}
}

func (p *pinCount) dropped() bool {
	return p.state.Load()&droppedBit != 0
}

func (p *pinCount) count() int64 {
	return p.state.Load() &^ droppedBit
}

// wait blocks until every pin taken before markDropped was released
func (p *pinCount) wait(ctx context.Context) error {
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pinCount) signalDrained() {
	p.once.Do(func() { close(p.drained) })
}
