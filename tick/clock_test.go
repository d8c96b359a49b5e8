package tick

import (
	"sync"
	"testing"
)

func TestClock_ReserveOne(t *testing.T) {
	clock := NewClock(0)

	t1 := clock.Reserve(1).Max
	if t1 != 1 {
		t.Errorf("Expected first tick 1, got %d", t1)
	}

	t2 := clock.Reserve(1).Max
	if t2 != t1+1 {
		t.Errorf("Expected tick %d, got %d", t1+1, t2)
	}
}

func TestClock_MonotonicConcurrent(t *testing.T) {
	clock := NewClock(100)

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[Tick]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev Tick
			for i := 0; i < perWorker; i++ {
				tk := clock.Reserve(1).Max
				if tk <= prev {
					t.Errorf("tick went backwards: %d after %d", tk, prev)
				}
				prev = tk
				mu.Lock()
				if seen[tk] {
					t.Errorf("duplicate tick %d", tk)
				}
				seen[tk] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d distinct ticks, got %d", workers*perWorker, len(seen))
	}
	if clock.Current() != Tick(100+workers*perWorker) {
		t.Errorf("Unexpected current tick %d", clock.Current())
	}
}

func TestClock_Update(t *testing.T) {
	clock := NewClock(5)

	if got := clock.Update(3); got != 5 {
		t.Errorf("Update with older tick must not move clock back, got %d", got)
	}

	if got := clock.Update(42); got != 42 {
		t.Errorf("Expected clock at 42, got %d", got)
	}

	if next := clock.Reserve(1).Max; next != 43 {
		t.Errorf("Expected 43 after update, got %d", next)
	}
}

func TestClock_Reserve(t *testing.T) {
	clock := NewClock(10)

	r := clock.Reserve(3)
	if r.Min != 11 || r.Max != 13 {
		t.Errorf("Expected [11, 13], got %s", r)
	}
	if clock.Reserve(1).Max != 14 {
		t.Error("Reserve must advance the clock past the reserved range")
	}
}
