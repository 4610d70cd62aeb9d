// Package ratelimit bounds how fast a single relay connection may send.
package ratelimit

import (
	"sync"
	"time"
)

// microUnits is the fixed-point scale of an allowance: one event or one byte
// is stored as a million micro-units, so a rate of N per second refills N
// micro-units per microsecond.
const microUnits = 1_000_000

// maxRate keeps rate*microUnits inside int64.
const maxRate = int64(^uint64(0)>>1) / microUnits

// allowance is a refilling quota of one kind of traffic. Its burst is one
// second's worth of the rate.
type allowance struct {
	rate  int64
	level int64
	at    time.Time
}

func newAllowance(rate int, now time.Time) *allowance {
	if rate <= 0 {
		return nil
	}
	r := int64(rate)
	if r > maxRate {
		r = maxRate
	}
	return &allowance{rate: r, level: r * microUnits, at: now}
}

func (a *allowance) refill(now time.Time) {
	if !now.After(a.at) {
		// Clock stepped back; restart accounting from here.
		a.at = now
		return
	}
	full := a.rate * microUnits
	elapsed := now.Sub(a.at)
	if elapsed >= time.Second {
		a.level = full
		a.at = now
		return
	}
	us := elapsed.Microseconds()
	a.at = a.at.Add(time.Duration(us) * time.Microsecond)
	a.level += us * a.rate
	if a.level > full {
		a.level = full
	}
}

// fits reports whether n units are available. It does not consume them.
func (a *allowance) fits(n int64) bool {
	if a == nil || n <= 0 {
		return true
	}
	if n > a.rate {
		return false
	}
	return a.level >= n*microUnits
}

func (a *allowance) take(n int64) {
	if a == nil || n <= 0 {
		return
	}
	a.level -= n * microUnits
}

// ConnLimiter bounds the event rate and byte rate of one relay connection.
// A zero rate disables that limit. An event rejected by either limit
// consumes nothing.
type ConnLimiter struct {
	clock Clock

	mu     sync.Mutex
	events *allowance
	bytes  *allowance
}

// NewConnLimiter allows a burst of one second's worth of traffic.
func NewConnLimiter(clock Clock, eventsPerSecond, bytesPerSecond int) *ConnLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	now := clock.Now()
	return &ConnLimiter{
		clock:  clock,
		events: newAllowance(eventsPerSecond, now),
		bytes:  newAllowance(bytesPerSecond, now),
	}
}

// Allow reports whether an event of size bytes may be processed now and
// charges it against the connection when it may.
func (l *ConnLimiter) Allow(size int) bool {
	if l == nil || (l.events == nil && l.bytes == nil) {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events != nil {
		l.events.refill(now)
	}
	if l.bytes != nil {
		l.bytes.refill(now)
	}
	if !l.events.fits(1) || !l.bytes.fits(int64(size)) {
		return false
	}
	l.events.take(1)
	l.bytes.take(int64(size))
	return true
}
