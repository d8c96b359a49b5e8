package walaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/waltail/telemetry"
	"github.com/maxpert/waltail/tick"
	"github.com/rs/zerolog/log"
)

// Tail streams markers with tick in [tickStart, tickEnd] that pass filter to
// cb, in increasing tick order. It stops at tickEnd, at the head observed
// when the call started, once the emitted marker sizes add up to chunkSize,
// when cb returns ErrStopTailing, or when ctx is done.
//
// The next call should start at Result.ResumeTick. When nothing was trimmed
// in between it neither repeats nor skips a marker.
func (a *Access) Tail(
	ctx context.Context,
	tickStart, tickEnd tick.Tick,
	chunkSize int,
	filter Filter,
	cb MarkerCallback,
) Result {
	started := time.Now()
	res := Result{
		FirstTick:       tickStart,
		LastTick:        tickStart.Prev(),
		LastScannedTick: tickStart.Prev(),
	}

	var emitted, skipped, bytes int
	defer func() {
		telemetry.TailCallsTotal.With(res.Code.String()).Inc()
		telemetry.TailMarkersTotal.Add(float64(emitted))
		telemetry.TailBytesTotal.Add(float64(bytes))
		telemetry.TailSkippedTotal.Add(float64(skipped))
		telemetry.TailDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	if !a.available() {
		return res.fail(CodeEngineUnavailable, ErrEngineUnavailable)
	}
	if tickStart > tickEnd {
		return res.fail(CodeBadParameter, fmt.Errorf("%w: tick start %d after tick end %d", ErrBadParameter, tickStart, tickEnd))
	}
	if chunkSize <= 0 {
		return res.fail(CodeBadParameter, fmt.Errorf("%w: chunk size %d", ErrBadParameter, chunkSize))
	}

	it, bounds, err := a.seek(tickStart)
	if err != nil {
		return res.fail(classify(err), engineError(err))
	}
	defer it.Close()

	// A gap exists only if something at or after tickStart was trimmed
	res.FromTickIncluded = bounds.Trimmed < maxTick(tickStart, 1)
	res.FirstTick = maxTick(tickStart, bounds.FirstRetained())
	end := minTick(tickEnd, bounds.Last)
	if res.FirstTick > end {
		return res
	}

	rc := NewContext(a.catalog, filter)
	defer rc.Close()

	for it.Next() {
		m := it.Marker()
		if m.Tick > end {
			break
		}
		if !a.available() {
			return res.fail(CodeEngineUnavailable, ErrEngineUnavailable)
		}

		prevScanned := res.LastScannedTick
		res.LastScannedTick = m.Tick

		if rc.ShouldHandleMarker(m) {
			err := cb(rc.LoadDatabase(m.DatabaseID), m)
			if err != nil && !errors.Is(err, ErrStopTailing) {
				res.LastScannedTick = prevScanned
				return res.fail(CodeInternal, fmt.Errorf("tail callback failed at tick %d: %w", m.Tick, err))
			}

			res.LastTick = m.Tick
			emitted++
			bytes += m.Size()
			if err != nil {
				return res
			}
			if bytes >= chunkSize {
				res.HasMore = m.Tick < end
				return res
			}
		} else {
			skipped++
		}

		if err := ctx.Err(); err != nil {
			return res.fail(CodeCanceled, err)
		}
	}

	if err := it.Err(); err != nil {
		code := classify(err)
		switch code {
		case CodeTickGap:
			res.FromTickIncluded = false
			err = fmt.Errorf("%w after tick %d: %w", ErrTickGap, res.LastScannedTick, err)
		case CodeCorrupted:
			log.Error().Err(err).Uint64("last_good_tick", uint64(res.LastScannedTick)).Msg("WAL read error")
		case CodeEngineUnavailable:
			err = engineError(err)
		}
		return res.fail(code, err)
	}
	return res
}
