package api

import (
	"sync"
	"sync/atomic"
)

// Connection caps preventing a single host, or the world, from pinning the
// server with long-lived websockets.
const (
	// DefaultMaxConnsPerIP is the per-IP concurrent websocket cap.
	DefaultMaxConnsPerIP = 16

	// DefaultMaxConnsGlobal is the global concurrent websocket cap.
	DefaultMaxConnsGlobal = 4096
)

// ConnLimiter tracks concurrent websocket connections per IP and globally,
// with an atomic counter for the global cap and a mutex-protected map for the
// per-IP ones.
type ConnLimiter struct {
	perIPMax  int64
	globalMax int64

	global atomic.Int64
	mu     sync.Mutex
	perIP  map[string]*atomic.Int64
}

// NewConnLimiter creates a limiter; non-positive caps use the defaults.
func NewConnLimiter(perIPMax, globalMax int) *ConnLimiter {
	if perIPMax <= 0 {
		perIPMax = DefaultMaxConnsPerIP
	}
	if globalMax <= 0 {
		globalMax = DefaultMaxConnsGlobal
	}
	return &ConnLimiter{
		perIPMax:  int64(perIPMax),
		globalMax: int64(globalMax),
		perIP:     make(map[string]*atomic.Int64),
	}
}

// Acquire registers a connection for ip, reporting whether it is allowed.
// Every successful Acquire must be paired with a Release.
func (l *ConnLimiter) Acquire(ip string) bool {
	if l.global.Load() >= l.globalMax {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= l.perIPMax {
		return false
	}

	// Increment both, then re-check: another goroutine may have raced past
	// the loads above.
	ipCount := counter.Add(1)
	globalCount := l.global.Add(1)
	if ipCount > l.perIPMax || globalCount > l.globalMax {
		counter.Add(-1)
		l.global.Add(-1)
		return false
	}
	return true
}

// Release undoes one Acquire, dropping empty per-IP entries so the map does
// not grow without bound.
func (l *ConnLimiter) Release(ip string) {
	l.global.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()
	if !ok {
		return
	}
	if counter.Add(-1) <= 0 {
		l.mu.Lock()
		if counter.Load() <= 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
	}
}

// Active returns the current global connection count.
func (l *ConnLimiter) Active() int64 {
	return l.global.Load()
}
