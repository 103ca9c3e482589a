package relay

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterSweepInterval = time.Minute

// HostLimiter throttles failed producer handshakes per remote host. Only
// failures are charged, so a host that authenticates correctly is never
// slowed down by its own successful reconnects or by other hosts.
type HostLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	hosts     map[string]*rate.Limiter
	lastSweep time.Time
}

func NewHostLimiter(limit rate.Limit, burst int) *HostLimiter {
	return &HostLimiter{
		limit: limit,
		burst: burst,
		now:   time.Now,
		hosts: make(map[string]*rate.Limiter),
	}
}

// Throttled reports whether host has used up its failed attempts. It does
// not consume a token.
func (l *HostLimiter) Throttled(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)

	lim, ok := l.hosts[host]
	return ok && lim.TokensAt(now) < 1
}

// Fail charges one failed attempt to host.
func (l *HostLimiter) Fail(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)

	lim, ok := l.hosts[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.hosts[host] = lim
	}
	lim.AllowN(now, 1)
}

// Len is the number of hosts currently tracked.
func (l *HostLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// sweep forgets hosts whose bucket has refilled; a full bucket behaves the
// same as a new one.
func (l *HostLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterSweepInterval {
		return
	}
	l.lastSweep = now
	for host, lim := range l.hosts {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.hosts, host)
		}
	}
}

// RemoteHost is the host part of r.RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
