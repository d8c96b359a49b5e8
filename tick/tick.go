// Package tick defines the logical clock that orders every WAL marker.
package tick

import (
	"fmt"
	"math"
	"strconv"
)

// Tick is a monotonically increasing logical position within the WAL.
// Zero is never assigned to a marker and means "none".
type Tick uint64

const (
	// None is the zero tick, used for "no marker" positions
	None Tick = 0
	// Max is the largest representable tick, used as an unbounded range end
	Max Tick = math.MaxUint64
)

// String renders the tick as a decimal string (the wire form)
func (t Tick) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Prev returns t-1, saturating at zero
func (t Tick) Prev() Tick {
	if t == None {
		return None
	}
	return t - 1
}

// Next returns t+1, saturating at Max
func (t Tick) Next() Tick {
	if t == Max {
		return Max
	}
	return t + 1
}

// Parse parses a decimal tick string. An empty string parses as None.
func Parse(s string) (Tick, error) {
	if s == "" {
		return None, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return None, fmt.Errorf("invalid tick %q: %w", s, err)
	}
	return Tick(v), nil
}

// MarshalJSON encodes the tick as a quoted decimal string so that
// JavaScript clients never lose precision above 2^53.
func (t Tick) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal numbers
func (t *Tick) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*t = None
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Range is an inclusive [Min, Max] tick interval
type Range struct {
	Min Tick `json:"tickMin"`
	Max Tick `json:"tickMax"`
}

// Contains reports whether t lies inside the range
func (r Range) Contains(t Tick) bool {
	return t >= r.Min && t <= r.Max
}

// Empty reports whether the range holds no tick at all
func (r Range) Empty() bool {
	return r.Min > r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}
