package walaccess

import (
	"errors"
	"fmt"

	"github.com/maxpert/waltail/tick"
)

var (
	// ErrEngineUnavailable is returned while the engine is shutting down or
	// the log is closed. Callers retry with backoff.
	ErrEngineUnavailable = errors.New("storage engine unavailable")

	// ErrStopTailing may be returned by a MarkerCallback to end a tail call
	// early. The marker it was called with counts as emitted.
	ErrStopTailing = errors.New("stop tailing")

	// ErrBadParameter is returned for an invalid tick range
	ErrBadParameter = errors.New("bad parameter")

	// ErrTickGap is returned when markers the call had not yet read were
	// trimmed away while it was reading
	ErrTickGap = errors.New("wal trimmed during scan")
)

// Code classifies the outcome of a WAL access call
type Code int

const (
	CodeOK Code = iota
	CodeEngineUnavailable
	CodeBadParameter
	CodeTickGap
	CodeCorrupted
	CodeCanceled
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeEngineUnavailable:
		return "engine_unavailable"
	case CodeBadParameter:
		return "bad_parameter"
	case CodeTickGap:
		return "tick_gap"
	case CodeCorrupted:
		return "corrupted"
	case CodeCanceled:
		return "canceled"
	case CodeInternal:
		return "internal"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Retryable reports whether the same call may succeed later
func (c Code) Retryable() bool {
	return c == CodeEngineUnavailable || c == CodeCanceled
}

// Result is the outcome of Tail and OpenTransactions
type Result struct {
	Code Code
	Err  error

	// FromTickIncluded is false when markers at or after the requested start
	// were already trimmed. The caller must fully resynchronize.
	FromTickIncluded bool

	// FirstTick is the start actually used. OpenTransactions may widen it
	// backwards; Tail moves it forward to the first retained tick.
	FirstTick tick.Tick

	// LastTick is the last emitted tick, or start-1 when nothing was emitted.
	// For OpenTransactions it is the effective end of the scan.
	LastTick tick.Tick

	// LastScannedTick is the last tick examined, emitted or not
	LastScannedTick tick.Tick

	// HasMore is set when the scan stopped at the chunk bound
	HasMore bool
}

// OK reports whether the call succeeded
func (r Result) OK() bool {
	return r.Code == CodeOK
}

// ResumeTick is where the next call should start. Every tick up to the last
// scanned one was either emitted or rejected by the filter.
func (r Result) ResumeTick() tick.Tick {
	last := r.LastTick
	if r.LastScannedTick > last {
		last = r.LastScannedTick
	}
	return last.Next()
}

func (r Result) String() string {
	s := fmt.Sprintf("result{code=%s fromIncluded=%t first=%d last=%d scanned=%d more=%t",
		r.Code, r.FromTickIncluded, r.FirstTick, r.LastTick, r.LastScannedTick, r.HasMore)
	if r.Err != nil {
		s += " err=" + r.Err.Error()
	}
	return s + "}"
}

func (r *Result) fail(code Code, err error) Result {
	r.Code = code
	r.Err = err
	return *r
}
