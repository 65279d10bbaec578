package server

import (
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	"github.com/gomodule/redigo/redis"
)

// IPLimiter paces how often a single remote IP may submit a census
// record (spec.md's "per-remote-IP submission window dedup"). With a
// Redis pool it coordinates the window across census replicas via
// redsync; without one it falls back to an in-process map, which is
// enough for a single-instance deployment.
type IPLimiter struct {
	window time.Duration
	rs     *redsync.Redsync

	mu    sync.Mutex
	local map[string]time.Time
}

// NewIPLimiter builds a limiter enforcing window between submissions
// from the same IP. pool may be nil to use the in-process fallback.
func NewIPLimiter(window time.Duration, pool *redis.Pool) *IPLimiter {
	l := &IPLimiter{window: window, local: make(map[string]time.Time)}
	if pool != nil {
		l.rs = redsync.New(redsyncredigo.NewPool(pool))
	}
	return l
}

// Allow reports whether ip may submit now. An allowed attempt is
// recorded, so further calls within window of it are refused; a refused
// attempt is not recorded and does not extend the window.
func (l *IPLimiter) Allow(ip string) bool {
	if l.rs != nil {
		return l.allowDistributed(ip)
	}
	return l.allowLocal(ip)
}

func (l *IPLimiter) allowLocal(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if last, ok := l.local[ip]; ok && now.Sub(last) < l.window {
		return false
	}
	l.local[ip] = now
	return true
}

func (l *IPLimiter) allowDistributed(ip string) bool {
	mutex := l.rs.NewMutex("census:ip:"+ip, redsync.WithExpiry(l.window), redsync.WithTries(1))
	return mutex.Lock() == nil
}

// Reset clears the in-process table; used by the server's periodic IP
// table reset (original_source/census/src/db.rs: every 20 drain cycles).
func (l *IPLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local = make(map[string]time.Time)
}
