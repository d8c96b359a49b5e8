package main

import (
	"context"
	"time"

	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/rs/zerolog/log"
)

// Floor reports the smallest tick a consumer still needs
type Floor func() (tick.Tick, bool)

// Retention trims the WAL to at most Keep ticks behind the head, never
// removing a tick some floor still needs
type Retention struct {
	Store interface {
		wal.Log
		wal.Trimmer
	}
	Keep   tick.Tick
	Floors []Floor
}

// Target computes the tick to trim up to. ok is false when nothing may be
// trimmed.
func (r *Retention) Target() (tick.Tick, bool, error) {
	if r.Keep == 0 {
		return tick.None, false, nil
	}

	bounds, err := r.Store.Bounds()
	if err != nil {
		return tick.None, false, err
	}
	if bounds.Last <= r.Keep {
		return tick.None, false, nil
	}

	target := bounds.Last - r.Keep
	for _, floor := range r.Floors {
		if needed, ok := floor(); ok && needed.Prev() < target {
			target = needed.Prev()
		}
	}

	if target <= bounds.Trimmed {
		return tick.None, false, nil
	}
	return target, true, nil
}

// Trim runs one retention pass
func (r *Retention) Trim() error {
	target, ok, err := r.Target()
	if err != nil || !ok {
		return err
	}
	if err := r.Store.Trim(target); err != nil {
		return err
	}
	log.Debug().Uint64("up_to", uint64(target)).Msg("Trimmed WAL")
	return nil
}

// Run trims every interval until ctx is done
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Trim(); err != nil {
				log.Warn().Err(err).Msg("WAL trim failed")
			}
		}
	}
}
