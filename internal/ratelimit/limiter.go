// Package ratelimit enforces the per-address limits: sliding windows
// for session creates and joins, a token bucket for signaling messages,
// and a concurrent connection count.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	createWindow = time.Hour
	joinWindow   = time.Hour
)

// Limits carries the per-address thresholds. The windows are fixed:
// creates and joins count against the trailing hour, messages refill
// continuously at the per-minute rate.
type Limits struct {
	CreatesPerHour        int
	JoinsPerHour          int
	MessagesPerMinute     int
	ConnectionsPerAddress int
}

// Limiter tracks per-address state. All methods are safe for
// concurrent use.
type Limiter struct {
	limits Limits
	clock  clockwork.Clock

	mu      sync.Mutex
	creates map[string][]time.Time
	joins   map[string][]time.Time
	msgs    map[string]*rate.Limiter
	conns   map[string]int
}

func New(limits Limits, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		limits:  limits,
		clock:   clock,
		creates: make(map[string][]time.Time),
		joins:   make(map[string][]time.Time),
		msgs:    make(map[string]*rate.Limiter),
		conns:   make(map[string]int),
	}
}

// AllowCreate checks the create window for addr and records the attempt
// when allowed. On reject it reports how long until a slot frees up.
func (l *Limiter) AllowCreate(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowWindow(l.creates, addr, l.limits.CreatesPerHour, createWindow)
}

// AllowJoin checks the join window for addr and records the attempt
// when allowed.
func (l *Limiter) AllowJoin(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowWindow(l.joins, addr, l.limits.JoinsPerHour, joinWindow)
}

// allowWindow prunes expired entries, then either records the attempt
// or rejects with the delay until the oldest entry leaves the window.
// Caller holds mu.
func (l *Limiter) allowWindow(m map[string][]time.Time, addr string, max int, window time.Duration) (bool, time.Duration) {
	now := l.clock.Now()
	cutoff := now.Add(-window)

	existing := m[addr]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= max {
		m[addr] = pruned
		return false, pruned[0].Add(window).Sub(now)
	}
	m[addr] = append(pruned, now)
	return true, 0
}

// AllowMessage draws one token from addr's message bucket. The bucket
// holds a full minute of burst and refills at the configured rate.
func (l *Limiter) AllowMessage(addr string) (bool, time.Duration) {
	l.mu.Lock()
	lim, ok := l.msgs[addr]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.limits.MessagesPerMinute)/60), l.limits.MessagesPerMinute)
		l.msgs[addr] = lim
	}
	l.mu.Unlock()

	now := l.clock.Now()
	if lim.AllowN(now, 1) {
		return true, 0
	}
	r := lim.ReserveN(now, 1)
	retry := r.DelayFrom(now)
	r.CancelAt(now)
	return false, retry
}

// AddConn counts a new connection for addr. Returns false without
// counting when the address is at its concurrent connection limit.
func (l *Limiter) AddConn(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[addr] >= l.limits.ConnectionsPerAddress {
		return false
	}
	l.conns[addr]++
	return true
}

// RemoveConn releases a connection slot for addr.
func (l *Limiter) RemoveConn(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.conns[addr]; n > 1 {
		l.conns[addr] = n - 1
	} else {
		delete(l.conns, addr)
	}
}

// Prune drops fully-expired window slices and idle message buckets so
// the maps don't accumulate one entry per address ever seen. Called
// from the expiry sweeper.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	pruneWindow(l.creates, now.Add(-createWindow))
	pruneWindow(l.joins, now.Add(-joinWindow))
	for addr, lim := range l.msgs {
		if lim.TokensAt(now) >= float64(l.limits.MessagesPerMinute) {
			delete(l.msgs, addr)
		}
	}
}

func pruneWindow(m map[string][]time.Time, cutoff time.Time) {
	for addr, entries := range m {
		live := entries[:0]
		for _, t := range entries {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(m, addr)
		} else {
			m[addr] = live
		}
	}
}

// Reset clears all per-address state (for testing).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates = make(map[string][]time.Time)
	l.joins = make(map[string][]time.Time)
	l.msgs = make(map[string]*rate.Limiter)
	l.conns = make(map[string]int)
}

// RetrySeconds converts a retry delay to the whole-second hint carried
// in error payloads, rounding up so clients never retry early.
func RetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
