package ratelimit

import "time"

// Clock abstracts time.Now so rate limiting and the relay's maintenance
// timing can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
