package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sessionLimiter keeps one token bucket per session id and forgets
// sessions idle for longer than limiterIdleTTL.
type sessionLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	sessions  map[string]*limiterEntry
	lastSweep time.Time
}

func newSessionLimiter(perSecond float64, burst int, now func() time.Time) *sessionLimiter {
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &sessionLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      now,
		sessions: make(map[string]*limiterEntry),
	}
}

func (l *sessionLimiter) Allow(session string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, e := range l.sessions {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.sessions, id)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.sessions[session]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[session] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *sessionLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
