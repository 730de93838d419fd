// Package cardinality resolves distinct-value counts for candidate partition columns.
package cardinality

import (
	"context"
	"encoding/json"
	"strconv"
)

// Measurement is either a known distinct-value count or explicitly unknown.
// The zero value is unknown.
type Measurement struct {
	value int64
	known bool
}

// Known returns a measurement holding n distinct values.
// A negative n cannot be a count and yields Unknown.
func Known(n int64) Measurement {
	if n < 0 {
		return Unknown()
	}
	return Measurement{value: n, known: true}
}

// Unknown returns a measurement with no value.
func Unknown() Measurement {
	return Measurement{}
}

// Value returns the count and whether it is known.
func (m Measurement) Value() (int64, bool) {
	return m.value, m.known
}

// IsKnown reports whether the measurement carries a count.
func (m Measurement) IsKnown() bool {
	return m.known
}

// String returns the count, or "unknown".
func (m Measurement) String() string {
	if !m.known {
		return "unknown"
	}
	return strconv.FormatInt(m.value, 10)
}

// MarshalJSON encodes a known measurement as a number and unknown as null.
func (m Measurement) MarshalJSON() ([]byte, error) {
	if !m.known {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(m.value, 10)), nil
}

// UnmarshalJSON accepts a number or null.
func (m *Measurement) UnmarshalJSON(data []byte) error {
	var n *int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n == nil {
		*m = Unknown()
		return nil
	}
	*m = Known(*n)
	return nil
}

// Resolver supplies the cardinality of a table column.
// Implementations must not fail: any error, timeout or non-numeric result is
// reported as Unknown.
type Resolver interface {
	Resolve(ctx context.Context, table, column string) Measurement
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, table, column string) Measurement

// Resolve calls f.
func (f Func) Resolve(ctx context.Context, table, column string) Measurement {
	return f(ctx, table, column)
}

// Static resolves from a fixed column → count map. Missing columns are Unknown.
type Static map[string]int64

// Resolve looks column up in the map.
func (s Static) Resolve(_ context.Context, _, column string) Measurement {
	n, ok := s[column]
	if !ok {
		return Unknown()
	}
	return Known(n)
}

// Unavailable is a resolver that knows nothing. It is used when no query
// engine is configured.
var Unavailable Resolver = Func(func(context.Context, string, string) Measurement {
	return Unknown()
})
