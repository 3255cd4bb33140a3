// Package guard is the HTTP side of the header-order limiter
//
// Every request that is not exempt is tracked under its header-order key and then checked. In enforce
// mode a blocked key gets a 429, in observe mode it is only logged and counted so a new policy can be
// tried on live traffic first.
//
// What this does protect against:
//   - a single automated client hammering the service from many ips with one fixed client config
//   - gives visibility into which orderings trip the limit without logging raw header lists
//
// What this does NOT protect against:
//   - clients that shuffle or vary their header order
//   - anything that happens before the request head is read, inbound data is already accepted
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/httpmw"
	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/wireorder"
)

// Mode controls what happens to a blocked request
type Mode string

const (
	// ModeEnforce rejects blocked requests with 429
	ModeEnforce Mode = "enforce"
	// ModeObserve lets blocked requests through, they are still logged and counted
	ModeObserve Mode = "observe"
)

// ParseMode accepts enforce or observe, case insensitive
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeEnforce:
		return ModeEnforce, true
	case ModeObserve:
		return ModeObserve, true
	}
	return "", false
}

// DefaultExemptPrefixes keeps health and ops paths out of the ledger
var DefaultExemptPrefixes = []string{"/-/"}

// Guard decides per request using a shared headerorder.RateLimiter
type Guard struct {
	limiter *headerorder.RateLimiter
	mode    Mode
	exempt  []string
	logger  log.Logger

	// logs for blocked requests are throttled, a flood of one ordering should not flood the log too
	blockLog *rate.Sometimes

	// OnTracked is called after every tracked request, used for incrementing prometheus counters
	OnTracked func()
	// OnBlocked is called on every blocked request, enforced is false in observe mode
	OnBlocked func(key string, enforced bool)
	// OnFallback is called when no wire order was captured and the sorted fallback key was used
	OnFallback func()
}

type Option func(*Guard)

// WithMode sets enforce or observe, default enforce
func WithMode(m Mode) Option {
	return func(g *Guard) {
		g.mode = m
	}
}

// WithExemptPrefixes replaces the default exempt path prefixes. No arguments exempts nothing.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(g *Guard) {
		g.exempt = prefixes
	}
}

// WithLogger sets the logger for block events
func WithLogger(l log.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithLogInterval logs the first block and then at most one per interval. Zero logs every block.
func WithLogInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d <= 0 {
			g.blockLog = &rate.Sometimes{Every: 1}
			return
		}
		g.blockLog = &rate.Sometimes{First: 1, Interval: d}
	}
}

// WithOnTracked sets a callback for every tracked request
func WithOnTracked(fn func()) Option {
	return func(g *Guard) {
		g.OnTracked = fn
	}
}

// WithOnBlocked sets a callback for every blocked request
func WithOnBlocked(fn func(key string, enforced bool)) Option {
	return func(g *Guard) {
		g.OnBlocked = fn
	}
}

// WithOnFallback sets a callback for requests keyed without a captured wire order
func WithOnFallback(fn func()) Option {
	return func(g *Guard) {
		g.OnFallback = fn
	}
}

// New creates a Guard in enforce mode
func New(l *headerorder.RateLimiter, opts ...Option) *Guard {
	g := &Guard{
		limiter:  l,
		mode:     ModeEnforce,
		exempt:   DefaultExemptPrefixes,
		logger:   log.Nop(),
		blockLog: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Mode reports the configured mode
func (g *Guard) Mode() Mode { return g.mode }

func (g *Guard) isExempt(path string) bool {
	for _, p := range g.exempt {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware tracks then checks every non-exempt request
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		h, captured := wireorder.FromRequest(r)
		if !captured && g.OnFallback != nil {
			g.OnFallback()
		}
		now := g.limiter.Track(h)
		if g.OnTracked != nil {
			g.OnTracked()
		}
		v := g.limiter.Inspect(h, now)

		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.Bool("orderguard.blocked", v.Blocked),
			attribute.Int("orderguard.attempts", v.Attempts),
			attribute.Bool("orderguard.captured", captured),
		)

		if !v.Blocked {
			next.ServeHTTP(w, r)
			return
		}

		enforced := g.mode == ModeEnforce
		if g.OnBlocked != nil {
			g.OnBlocked(v.Key, enforced)
		}
		g.logBlocked(r.Context(), v, captured, enforced)

		if !enforced {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(v.WindowMilliseconds), 10))
		w.WriteHeader(http.StatusTooManyRequests)
		// no detail about thresholds, attempts or the window
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	})
}

func (g *Guard) logBlocked(ctx context.Context, v headerorder.Verdict, captured, enforced bool) {
	g.blockLog.Do(func() {
		g.logger.Warn(ctx, "header order limit triggered",
			"key_digest", KeyDigest(v.Key),
			"attempts", v.Attempts,
			"in_window", v.InWindow,
			"window_ms", v.WindowMilliseconds,
			"enforced", enforced,
			"captured", captured,
			"client_ip", httpmw.ClientIPFromContext(ctx),
			"request_id", httpmw.RequestIDFromContext(ctx),
		)
	})
}

// RetryAfterSeconds rounds the window up to whole seconds, at least 1
func RetryAfterSeconds(windowMs int64) int64 {
	s := (windowMs + 999) / 1000
	if s < 1 {
		return 1
	}
	return s
}

// KeyDigest is a short stable identifier for a key, safe to log or use as a label
func KeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
