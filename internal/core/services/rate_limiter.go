package services

import (
	"fmt"
	"sync"
	"time"

	"undercover/internal/core/domain"
)

const (
	rateWindow        = time.Minute
	ReasonRateLimited = "rate limited"
)

type rateEntry struct {
	last  time.Time
	sends []time.Time
}

// RateLimiter enforces a per-user cooldown and a sliding one-minute cap.
// Limits are global per user, shared across rooms.
type RateLimiter struct {
	mu           sync.Mutex
	cooldown     time.Duration
	maxPerMinute int
	entries      map[domain.UserID]*rateEntry
}

func NewRateLimiter(cooldown time.Duration, maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		cooldown:     cooldown,
		maxPerMinute: maxPerMinute,
		entries:      make(map[domain.UserID]*rateEntry),
	}
}

// Check returns a rejection reason, or "" when user may send at now.
func (l *RateLimiter) Check(user domain.UserID, now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(user, now)
}

// Attempt checks user at now and, when allowed, runs commit while still
// holding the limiter. The send is recorded only if commit returns true.
func (l *RateLimiter) Attempt(user domain.UserID, now time.Time, commit func() bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reason := l.checkLocked(user, now); reason != "" {
		return reason
	}
	if commit() {
		e := l.entry(user)
		e.last = now
		e.sends = append(e.sends, now)
	}
	return ""
}

func (l *RateLimiter) checkLocked(user domain.UserID, now time.Time) string {
	e, ok := l.entries[user]
	if !ok {
		return ""
	}

	if !e.last.IsZero() {
		if since := now.Sub(e.last); since < l.cooldown {
			return fmt.Sprintf("please wait %.1f seconds before sending another message", (l.cooldown - since).Seconds())
		}
	}

	e.sends = pruneBefore(e.sends, now.Add(-rateWindow))
	if len(e.sends) >= l.maxPerMinute {
		return ReasonRateLimited
	}
	return ""
}

func (l *RateLimiter) entry(user domain.UserID) *rateEntry {
	e, ok := l.entries[user]
	if !ok {
		e = &rateEntry{}
		l.entries[user] = e
	}
	return e
}

// Prune forgets users with no send inside the window or the cooldown.
func (l *RateLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	horizon := rateWindow
	if l.cooldown > horizon {
		horizon = l.cooldown
	}

	removed := 0
	for user, e := range l.entries {
		if now.Sub(e.last) > horizon {
			delete(l.entries, user)
			removed++
		}
	}
	return removed
}

// pruneBefore keeps timestamps strictly after cutoff.
func pruneBefore(sends []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(sends) && !sends[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return sends
	}
	return append(sends[:0], sends[i:]...)
}
