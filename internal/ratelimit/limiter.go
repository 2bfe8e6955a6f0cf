package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per key. Idle buckets are dropped by a
// background sweep.
type Limiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	localCache  map[string]*entry
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleAfter = 5 * time.Minute

// NewLimiter allows burst events per key, refilled at one every interval.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	l := &Limiter{
		limit:       limit,
		burst:       burst,
		localCache:  make(map[string]*entry),
		cleanupDone: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

func (l *Limiter) AllowAt(key string, now time.Time) bool {
	l.mu.Lock()
	e, ok := l.localCache[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.localCache[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Reset forgets key so its next event is allowed.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.localCache, key)
	l.mu.Unlock()
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(idleAfter)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.mu.Lock()
			for key, e := range l.localCache {
				if now.Sub(e.lastSeen) > idleAfter {
					delete(l.localCache, key)
				}
			}
			l.mu.Unlock()
		case <-l.cleanupDone:
			return
		}
	}
}

func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.cleanupDone) })
}
