package models

import "time"

// Clock abstracts time for components whose behavior depends on it
// (audit timestamps, cache TTLs, permission expiry). Tests substitute a
// fake; production uses SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
