// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements portfolio.Clock. Readings are UTC and truncated to the
// microsecond, the precision of a Postgres timestamptz, so a scan time read
// back from the store equals the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
