// Package ratelimit provides sliding-window admission control per
// (user, scope). Scopes are either a subscription tier or a target platform;
// counters for different scopes are fully independent, so exhausting one
// platform never blocks another. Counters are process-local and approximate.
package ratelimit

import (
	"sync"
	"time"
)

// ScopeKind distinguishes tier quotas from platform quotas.
type ScopeKind string

const (
	ScopeTier     ScopeKind = "tier"
	ScopePlatform ScopeKind = "platform"
)

// Scope names one quota bucket family, e.g. {tier, "pro"} or
// {platform, "linkedin"}.
type Scope struct {
	Kind ScopeKind
	Name string
}

// Tier returns a tier scope.
func Tier(name string) Scope { return Scope{Kind: ScopeTier, Name: name} }

// Platform returns a platform scope.
func Platform(name string) Scope { return Scope{Kind: ScopePlatform, Name: name} }

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // how long until one slot frees up
	ResetAt    time.Time     // when the violated window fully resets
	Source     string        // "hourly" or "daily" when denied
}

// Caps holds the per-window limits for one scope. Zero means uncapped.
type Caps struct {
	Hourly int
	Daily  int
}

// Uncapped reports whether no window applies.
func (c Caps) Uncapped() bool { return c.Hourly == 0 && c.Daily == 0 }

// Default tier caps. Values are non-decreasing from free through premium;
// enterprise is uncapped.
var defaultTierCaps = map[string]Caps{
	"free":       {Hourly: 5, Daily: 20},
	"starter":    {Hourly: 10, Daily: 50},
	"pro":        {Hourly: 25, Daily: 150},
	"premium":    {Hourly: 50, Daily: 300},
	"enterprise": {},
}

// Default platform caps, tuned to each platform's tolerance for automation.
var defaultPlatformCaps = map[string]Caps{
	"linkedin":   {Hourly: 10, Daily: 50},
	"greenhouse": {Hourly: 20, Daily: 100},
	"workday":    {Hourly: 15, Daily: 75},
	"lever":      {Hourly: 20, Daily: 100},
	"indeed":     {Hourly: 15, Daily: 75},
}

// fallbackPlatformCaps applies to platforms without an explicit entry.
var fallbackPlatformCaps = Caps{Hourly: 30, Daily: 150}

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

type bucketKey struct {
	userID string
	scope  Scope
}

// Limiter is a process-local sliding-window rate limiter.
// Safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	now          func() time.Time
	tierCaps     map[string]Caps
	platformCaps map[string]Caps
	buckets      map[bucketKey][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithTierCaps replaces the default tier cap table.
func WithTierCaps(caps map[string]Caps) Option {
	return func(l *Limiter) { l.tierCaps = caps }
}

// WithPlatformCaps replaces the default platform cap table.
func WithPlatformCaps(caps map[string]Caps) Option {
	return func(l *Limiter) { l.platformCaps = caps }
}

// New creates a Limiter with the default cap tables.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:          func() time.Time { return time.Now().UTC() },
		tierCaps:     defaultTierCaps,
		platformCaps: defaultPlatformCaps,
		buckets:      make(map[bucketKey][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow performs an admission check for one unit of work and, when allowed,
// records it against the scope's windows.
func (l *Limiter) Allow(userID string, scope Scope) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	caps := l.capsFor(scope)
	now := l.now()

	key := bucketKey{userID: userID, scope: scope}
	events := prune(l.buckets[key], now)

	if caps.Uncapped() {
		l.buckets[key] = append(events, now)
		return Decision{Allowed: true}
	}

	if d, denied := deny(events, now, caps.Hourly, hourWindow, "hourly"); denied {
		l.buckets[key] = events
		return d
	}
	if d, denied := deny(events, now, caps.Daily, dayWindow, "daily"); denied {
		l.buckets[key] = events
		return d
	}

	l.buckets[key] = append(events, now)
	return Decision{Allowed: true}
}

// TierCaps returns the cap table entry for a tier name.
func (l *Limiter) TierCaps(name string) (Caps, bool) {
	c, ok := l.tierCaps[name]
	return c, ok
}

func (l *Limiter) capsFor(scope Scope) Caps {
	switch scope.Kind {
	case ScopeTier:
		if c, ok := l.tierCaps[scope.Name]; ok {
			return c
		}
		// Unknown tiers get the most restrictive caps.
		return l.tierCaps["free"]
	default:
		if c, ok := l.platformCaps[scope.Name]; ok {
			return c
		}
		return fallbackPlatformCaps
	}
}

// prune drops events older than the widest window.
func prune(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-dayWindow)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

// deny checks one window. Events are in insertion (time) order, so the
// oldest in-window event determines when a slot frees up.
func deny(events []time.Time, now time.Time, cap int, window time.Duration, source string) (Decision, bool) {
	if cap <= 0 {
		return Decision{}, false
	}

	cutoff := now.Add(-window)
	count := 0
	var oldest, newest time.Time
	for _, ev := range events {
		if ev.After(cutoff) {
			if count == 0 {
				oldest = ev
			}
			newest = ev
			count++
		}
	}

	if count < cap {
		return Decision{}, false
	}

	return Decision{
		Allowed:    false,
		RetryAfter: oldest.Add(window).Sub(now),
		ResetAt:    newest.Add(window),
		Source:     source,
	}, true
}
