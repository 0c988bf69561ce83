package server

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter holds one token bucket per client address. A bucket refills
// burst tokens per window, so a client may send burst requests at once and
// then continues at the window's average rate.
type ipLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	burst   int
	every   rate.Limit
	buckets map[string]*bucket

	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(window time.Duration, burst int) *ipLimiter {
	return &ipLimiter{
		window:    window,
		burst:     burst,
		every:     rate.Every(window / time.Duration(burst)),
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// allow reports whether ip may make another request now.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for a full window; they would be full again.
func (l *ipLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.window {
			delete(l.buckets, ip)
		}
	}
	l.lastSweep = now
}

// retryAfter is the Retry-After header value in seconds for a refused request.
func (l *ipLimiter) retryAfter() string {
	secs := int64(l.window/time.Duration(l.burst)) / int64(time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
