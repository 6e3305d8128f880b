package engine

import "time"

// Clock is the engine's source of wall time. Run timestamps and run key
// retention are computed from it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
