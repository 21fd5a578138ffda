package domain

import "time"

// Clock supplies the current time. The engine never reads the wall clock
// directly so lifecycle transitions can be driven from tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
