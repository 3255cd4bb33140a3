package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/wireorder"
)

// recordingLogger counts Warn calls and keeps their key/values
type recordingLogger struct {
	log.Logger
	mu    sync.Mutex
	warns [][]any
}

func (l *recordingLogger) Warn(_ context.Context, _ string, kv ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, kv)
	l.mu.Unlock()
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// newTestGuard returns a guard over a limiter with a fixed clock
func newTestGuard(opts ...Option) (*Guard, *headerorder.RateLimiter) {
	fixed := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	l := headerorder.New(headerorder.WithClock(func() time.Time { return fixed }))
	return New(l, opts...), l
}

// makeRequest builds a request whose captured header order is names
func makeRequest(path string, names ...string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	return r.WithContext(wireorder.WithHeaders(r.Context(), headerorder.FromNames(names...)))
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestMiddleware_AllowsUntilThreshold(t *testing.T) {
	g, _ := newTestGuard()
	h := g.Middleware(okHandler)

	for i := 0; i < 2; i++ {
		rec := serve(h, makeRequest("/", "user-agent", "accept-language"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := serve(h, makeRequest("/", "user-agent", "accept-language"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 3: status = %d, want 429", rec.Code)
	}
}

func TestMiddleware_429Response(t *testing.T) {
	g, _ := newTestGuard()
	h := g.Middleware(okHandler)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = serve(h, makeRequest("/", "a", "b"))
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	// 3 attempts: window 3000 + 1000*(3-3) = 3000ms
	if ra := rec.Header().Get("Retry-After"); ra != "3" {
		t.Errorf("Retry-After = %q, want 3", ra)
	}
	if body := rec.Body.String(); body != `{"error":"too many requests"}` {
		t.Errorf("body = %q", body)
	}
}

func TestMiddleware_OrderingsIndependent(t *testing.T) {
	g, _ := newTestGuard()
	h := g.Middleware(okHandler)

	for i := 0; i < 5; i++ {
		serve(h, makeRequest("/", "user-agent", "accept-language"))
	}

	rec := serve(h, makeRequest("/", "accept-language", "user-agent"))
	if rec.Code != http.StatusOK {
		t.Fatalf("different ordering should be allowed, got %d", rec.Code)
	}
}

func TestMiddleware_ObserveModePassesThrough(t *testing.T) {
	var blocked []bool
	g, _ := newTestGuard(
		WithMode(ModeObserve),
		WithOnBlocked(func(_ string, enforced bool) { blocked = append(blocked, enforced) }),
	)
	h := g.Middleware(okHandler)

	for i := 0; i < 4; i++ {
		rec := serve(h, makeRequest("/", "a", "b"))
		if rec.Code != http.StatusOK {
			t.Fatalf("observe mode request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	if len(blocked) != 2 {
		t.Fatalf("OnBlocked called %d times, want 2", len(blocked))
	}
	for _, enforced := range blocked {
		if enforced {
			t.Fatal("observe mode should report enforced=false")
		}
	}
}

func TestMiddleware_ExemptPathsNotTracked(t *testing.T) {
	g, l := newTestGuard()
	h := g.Middleware(okHandler)

	for i := 0; i < 10; i++ {
		rec := serve(h, makeRequest("/-/healthy", "a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("exempt path got %d", rec.Code)
		}
	}
	if s := l.Stats(); s.Keys != 0 {
		t.Fatalf("exempt requests were tracked: %+v", s)
	}
}

func TestMiddleware_CustomExemptPrefixes(t *testing.T) {
	g, l := newTestGuard(WithExemptPrefixes("/static/"))
	h := g.Middleware(okHandler)

	serve(h, makeRequest("/static/app.js", "a"))
	serve(h, makeRequest("/-/healthy", "a"))

	if s := l.Stats(); s.Timestamps != 1 {
		t.Fatalf("Timestamps = %d, want only the non-exempt request", s.Timestamps)
	}
}

func TestMiddleware_CallbackCounts(t *testing.T) {
	var tracked, blocked atomic.Int32
	var lastKey string
	g, _ := newTestGuard(
		WithOnTracked(func() { tracked.Add(1) }),
		WithOnBlocked(func(key string, enforced bool) {
			blocked.Add(1)
			lastKey = key
		}),
	)
	h := g.Middleware(okHandler)

	for i := 0; i < 5; i++ {
		serve(h, makeRequest("/", "x", "y"))
	}

	if tracked.Load() != 5 {
		t.Errorf("OnTracked = %d, want 5", tracked.Load())
	}
	if blocked.Load() != 3 {
		t.Errorf("OnBlocked = %d, want 3", blocked.Load())
	}
	if lastKey != headerorder.FromNames("x", "y").Key() {
		t.Errorf("OnBlocked key = %q", lastKey)
	}
}

func TestMiddleware_BlockLogThrottled(t *testing.T) {
	rl := &recordingLogger{Logger: log.Nop()}
	g, _ := newTestGuard(WithLogger(rl), WithLogInterval(time.Hour))
	h := g.Middleware(okHandler)

	for i := 0; i < 20; i++ {
		serve(h, makeRequest("/", "a"))
	}

	if n := rl.count(); n != 1 {
		t.Fatalf("logged %d blocks, want 1 within the interval", n)
	}
}

func TestMiddleware_BlockLogEveryTime(t *testing.T) {
	rl := &recordingLogger{Logger: log.Nop()}
	g, _ := newTestGuard(WithLogger(rl), WithLogInterval(0))
	h := g.Middleware(okHandler)

	for i := 0; i < 5; i++ {
		serve(h, makeRequest("/", "a"))
	}

	if n := rl.count(); n != 3 {
		t.Fatalf("logged %d blocks, want 3", n)
	}
}

func TestMiddleware_LogHasDigestNotKey(t *testing.T) {
	rl := &recordingLogger{Logger: log.Nop()}
	g, _ := newTestGuard(WithLogger(rl))
	h := g.Middleware(okHandler)

	for i := 0; i < 3; i++ {
		serve(h, makeRequest("/", "secret-header-name"))
	}

	if rl.count() != 1 {
		t.Fatalf("want one block log, got %d", rl.count())
	}
	for _, v := range rl.warns[0] {
		if s, ok := v.(string); ok && strings.Contains(s, "secret-header-name") {
			t.Fatalf("raw key leaked into log: %v", rl.warns[0])
		}
	}
}

func TestMiddleware_FallbackWithoutCapture(t *testing.T) {
	var fallbacks atomic.Int32
	g, l := newTestGuard(WithOnFallback(func() { fallbacks.Add(1) }))
	h := g.Middleware(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("B", "1")
	r.Header.Set("A", "1")
	serve(h, r)

	if l.Inspect(headerorder.FromNames("A", "B"), 0).Attempts != 1 {
		t.Fatal("uncaptured request should be tracked under the sorted r.Header names")
	}
	if fallbacks.Load() != 1 {
		t.Fatalf("OnFallback calls = %d, want 1", fallbacks.Load())
	}

	serve(h, makeRequest("/", "Host", "Accept"))
	if fallbacks.Load() != 1 {
		t.Fatal("captured request counted as fallback")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		ms   int64
		want int64
	}{
		{-5000, 1},
		{0, 1},
		{1, 1},
		{1000, 1},
		{1001, 2},
		{3000, 3},
		{10000, 10},
	}
	for _, tt := range tests {
		if got := RetryAfterSeconds(tt.ms); got != tt.want {
			t.Errorf("RetryAfterSeconds(%d) = %d, want %d", tt.ms, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"enforce", ModeEnforce, true},
		{"OBSERVE", ModeObserve, true},
		{" observe ", ModeObserve, true},
		{"block", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseMode(%q) = %q %v, want %q %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestKeyDigest(t *testing.T) {
	a := KeyDigest(`["a","b"]`)
	b := KeyDigest(`["b","a"]`)
	if a == b {
		t.Fatal("digests should differ for different keys")
	}
	if len(a) != 12 {
		t.Fatalf("digest length = %d, want 12", len(a))
	}
	if a != KeyDigest(`["a","b"]`) {
		t.Fatal("digest should be stable")
	}
}
