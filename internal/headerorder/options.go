package headerorder

import "time"

const (
	DefaultBlockWhenAttemptsReach = 3
	DefaultPerLastMilliseconds    = 3000
)

// Config is the decision configuration. It is read on every check, so swapping it with
// SetOptions affects all keys from the next call on.
type Config struct {
	// BlockWhenAttemptsReach is the in-window count at which a key is blocked
	BlockWhenAttemptsReach int
	// PerLastMilliseconds is the base sliding window width
	PerLastMilliseconds int64
	// UseBackOffFactor adds BackOff's result to the window width
	UseBackOffFactor bool
	// BackOff may be nil, which contributes nothing even when UseBackOffFactor is set
	BackOff BackOff
}

// DefaultConfig returns 3 attempts per 3000ms with a 1000ms linear back-off step
func DefaultConfig() Config {
	return Config{
		BlockWhenAttemptsReach: DefaultBlockWhenAttemptsReach,
		PerLastMilliseconds:    DefaultPerLastMilliseconds,
		UseBackOffFactor:       true,
		BackOff:                LinearBackOff{StepMilliseconds: DefaultBackOffStepMilliseconds},
	}
}

// Option overrides a single setting, anything not set keeps its default
type Option func(*RateLimiter)

// WithBlockWhenAttemptsReach sets the blocking threshold
func WithBlockWhenAttemptsReach(n int) Option {
	return func(l *RateLimiter) {
		l.cfg.BlockWhenAttemptsReach = n
	}
}

// WithPerLastMilliseconds sets the base window width
func WithPerLastMilliseconds(ms int64) Option {
	return func(l *RateLimiter) {
		l.cfg.PerLastMilliseconds = ms
	}
}

// WithBackOffFactor turns window widening on or off
func WithBackOffFactor(enabled bool) Option {
	return func(l *RateLimiter) {
		l.cfg.UseBackOffFactor = enabled
	}
}

// WithBackOff replaces the back-off policy
func WithBackOff(b BackOff) Option {
	return func(l *RateLimiter) {
		l.cfg.BackOff = b
	}
}

// WithClock sets the wall clock used by Track and Check. Mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) {
		if now != nil {
			l.clock = now
		}
	}
}

// WithIdleTTL lets Sweep drop keys whose newest timestamp is older than d.
// Zero (the default) keeps every key forever.
func WithIdleTTL(d time.Duration) Option {
	return func(l *RateLimiter) {
		l.idleTTL = d
	}
}

// WithOnSweep is called after each sweep that removed at least one key, with the number removed.
// Called without the ledger lock held.
func WithOnSweep(fn func(removed int)) Option {
	return func(l *RateLimiter) {
		l.onSweep = fn
	}
}
