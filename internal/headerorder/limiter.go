package headerorder

import (
	"context"
	"sync"
	"time"
)

// RateLimiter holds the per-ordering timestamp ledger and the active Config.
// Safe for concurrent use: Track takes the write lock, Check/Inspect the read lock.
type RateLimiter struct {
	mu sync.RWMutex

	// rates maps ordering key to timestamps (epoch ms) in the order they were tracked
	rates map[string][]int64
	cfg   Config

	clock func() time.Time

	// idleTTL is zero unless sweeping was opted into
	idleTTL time.Duration
	onSweep func(removed int)
}

// Verdict is the detailed result of a check
type Verdict struct {
	Key     string
	Blocked bool
	// Attempts is every timestamp stored for the key
	Attempts int
	// InWindow is how many of them fell inside the window
	InWindow int
	// WindowMilliseconds is the effective width, base plus back-off
	WindowMilliseconds int64
}

// Stats reports ledger size
type Stats struct {
	Keys       int `json:"keys"`
	Timestamps int `json:"timestamps"`
}

// New creates a RateLimiter with DefaultConfig, overridden field by field by opts
func New(opts ...Option) *RateLimiter {
	l := &RateLimiter{
		rates: make(map[string][]int64),
		cfg:   DefaultConfig(),
		clock: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Options returns a copy of the active configuration
func (l *RateLimiter) Options() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// SetOptions replaces the active configuration wholesale, no merging with defaults
func (l *RateLimiter) SetOptions(c Config) {
	l.mu.Lock()
	l.cfg = c
	l.mu.Unlock()
}

func (l *RateLimiter) now() int64 { return l.clock().UnixMilli() }

// Track records a request for the ordering of h at the current time and returns that time in epoch ms
func (l *RateLimiter) Track(h Headers) int64 { return l.TrackAt(h, l.now()) }

// TrackAt records a request at nowMs and returns nowMs
func (l *RateLimiter) TrackAt(h Headers, nowMs int64) int64 {
	key := h.Key()
	l.mu.Lock()
	l.rates[key] = append(l.rates[key], nowMs)
	l.mu.Unlock()
	return nowMs
}

// Check reports whether the ordering of h is blocked at the current time. It never modifies the ledger.
func (l *RateLimiter) Check(h Headers) bool { return l.CheckAt(h, l.now()) }

// CheckAt reports whether the ordering of h is blocked at nowMs
func (l *RateLimiter) CheckAt(h Headers, nowMs int64) bool { return l.Inspect(h, nowMs).Blocked }

// Inspect evaluates the window for the ordering of h at nowMs.
// A key that was never tracked is never blocked.
func (l *RateLimiter) Inspect(h Headers, nowMs int64) Verdict {
	key := h.Key()

	l.mu.RLock()
	defer l.mu.RUnlock()

	seq, ok := l.rates[key]
	if !ok {
		return Verdict{Key: key}
	}

	cfg := l.cfg
	width := cfg.PerLastMilliseconds
	if cfg.UseBackOffFactor && cfg.BackOff != nil {
		// cap the slice so an appending BackOff can't write into the ledger's spare capacity
		width += cfg.BackOff.Compute(cfg.BlockWhenAttemptsReach, seq[:len(seq):len(seq)])
	}

	// negative elapsed (clock went backwards) counts as inside the window
	inWindow := 0
	for _, t := range seq {
		if nowMs-t <= width {
			inWindow++
		}
	}

	return Verdict{
		Key:                key,
		Blocked:            inWindow >= cfg.BlockWhenAttemptsReach,
		Attempts:           len(seq),
		InWindow:           inWindow,
		WindowMilliseconds: width,
	}
}

// Stats returns the number of keys and stored timestamps
func (l *RateLimiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{Keys: len(l.rates)}
	for _, seq := range l.rates {
		s.Timestamps += len(seq)
	}
	return s
}

// Forget drops all history for the ordering of h, reports whether anything was stored
func (l *RateLimiter) Forget(h Headers) bool {
	key := h.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rates[key]; !ok {
		return false
	}
	delete(l.rates, key)
	return true
}

// Sweep drops keys whose most recently tracked timestamp is more than the idle TTL before nowMs.
// Returns how many keys were removed. Without WithIdleTTL it does nothing.
func (l *RateLimiter) Sweep(nowMs int64) int {
	if l.idleTTL <= 0 {
		return 0
	}
	ttl := l.idleTTL.Milliseconds()

	removed := 0
	l.mu.Lock()
	for key, seq := range l.rates {
		if len(seq) == 0 || nowMs-seq[len(seq)-1] > ttl {
			delete(l.rates, key)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 && l.onSweep != nil {
		l.onSweep(removed)
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled. Returns immediately when no idle TTL is set.
// Intended to be launched as: go limiter.Run(ctx, time.Minute)
func (l *RateLimiter) Run(ctx context.Context, every time.Duration) {
	if l.idleTTL <= 0 {
		return
	}
	if every <= 0 {
		every = max(l.idleTTL/2, time.Millisecond)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.now())
		}
	}
}
