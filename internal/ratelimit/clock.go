package ratelimit

import "time"

// Clock supplies the time used to refill connection allowances.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
