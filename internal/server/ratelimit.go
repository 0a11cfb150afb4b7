package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a caller's limiter survives without requests.
const idleAfter = 10 * time.Minute

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CallerLimiter keeps one token bucket per caller id.
type CallerLimiter struct {
	perSecond rate.Limit
	burst     int

	mu        sync.Mutex
	callers   map[string]*callerEntry
	lastSweep time.Time
	clockNow  func() time.Time
}

// NewCallerLimiter returns nil when perSecond is not positive, which
// disables limiting.
func NewCallerLimiter(perSecond float64, burst int) *CallerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &CallerLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		callers:   make(map[string]*callerEntry),
		clockNow:  time.Now,
	}
}

// Allow takes one token from caller's bucket.
func (l *CallerLimiter) Allow(caller string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clockNow()
	if now.Sub(l.lastSweep) > idleAfter {
		for id, e := range l.callers {
			if now.Sub(e.lastSeen) > idleAfter {
				delete(l.callers, id)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.callers[caller]
	if !ok {
		e = &callerEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.callers[caller] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Callers returns the number of tracked callers.
func (l *CallerLimiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}
