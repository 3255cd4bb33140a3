package wireorder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/orderguard/internal/headerorder"
)

// echoHandler answers "<captured> <name,name,...>" for the request
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	h, captured := FromRequest(r)
	fmt.Fprintf(w, "%v %s", captured, strings.Join(h.Names(), ","))
})

// startServer serves h on a loopback Listener wrapped for capture and returns its address
func startServer(t *testing.T, opts CaptureOptions, h http.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{
		Handler:           Capture(opts)(h),
		ConnContext:       ConnContext,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(NewListener(ln, ListenerOptions{})) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String()
}

// rawRoundTrip writes raw to a fresh connection and reads n responses
func rawRoundTrip(t *testing.T, addr, raw string, n int) []string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	br := bufio.NewReader(c)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		out = append(out, string(b))
	}
	return out
}

func TestCapture_WireOrder(t *testing.T) {
	addr := startServer(t, CaptureOptions{}, echoHandler)

	got := rawRoundTrip(t, addr,
		"GET / HTTP/1.1\r\nuser-agent: node\r\naccept-language: en\r\nHost: x\r\n\r\n", 1)

	if want := "true user-agent,accept-language,Host"; got[0] != want {
		t.Fatalf("body = %q, want %q", got[0], want)
	}
}

func TestCapture_DifferentOrdersDiffer(t *testing.T) {
	addr := startServer(t, CaptureOptions{}, echoHandler)

	a := rawRoundTrip(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nA: 1\r\nB: 2\r\n\r\n", 1)[0]
	b := rawRoundTrip(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nB: 2\r\nA: 1\r\n\r\n", 1)[0]

	if a == b {
		t.Fatalf("different wire orders captured the same: %q", a)
	}
}

func TestCapture_Pipelined(t *testing.T) {
	addr := startServer(t, CaptureOptions{}, echoHandler)

	raw := "POST /one HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nX-First: 1\r\n\r\nhello" +
		"POST /two HTTP/1.1\r\nTransfer-Encoding: chunked\r\nHost: x\r\n\r\n3\r\nabc\r\n0\r\n\r\n" +
		"GET /three HTTP/1.1\r\nX-Third: 1\r\nHost: x\r\n\r\n"

	got := rawRoundTrip(t, addr, raw, 3)
	want := []string{
		"true Host,Content-Length,X-First",
		"true Transfer-Encoding,Host",
		"true X-Third,Host",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("response %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCapture_CanonicalNames(t *testing.T) {
	addr := startServer(t, CaptureOptions{CanonicalNames: true}, echoHandler)

	got := rawRoundTrip(t, addr, "GET / HTTP/1.1\r\nuser-agent: node\r\nhost: x\r\n\r\n", 1)

	if want := "true User-Agent,Host"; got[0] != want {
		t.Fatalf("body = %q, want %q", got[0], want)
	}
}

func TestCapture_Values(t *testing.T) {
	ch := make(chan headerorder.Headers, 1)
	addr := startServer(t, CaptureOptions{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, _ := FromRequest(r)
		ch <- h
	}))

	rawRoundTrip(t, addr, "GET / HTTP/1.1\r\nX-Dup: a\r\nHost: example.com\r\nx-dup: b\r\n\r\n", 1)
	got := <-ch

	want := headerorder.FromPairs("X-Dup", "a", "Host", "example.com", "x-dup", "b")
	if len(got) != len(want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d = %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestCapture_ThroughHTTPClient(t *testing.T) {
	addr := startServer(t, CaptureOptions{}, echoHandler)

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/x?y=1", nil)
	req.Header.Set("X-Test", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if !strings.HasPrefix(string(b), "true ") {
		t.Fatalf("request through net/http client was not captured: %q", b)
	}
	if !strings.Contains(string(b), "X-Test") {
		t.Fatalf("captured names missing X-Test: %q", b)
	}
}

func TestFromRequest_FallbackSorted(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Zeta", "z")
	r.Header.Set("Accept", "a")
	r.Header.Set("Mid", "m")

	h, captured := FromRequest(r)
	if captured {
		t.Fatal("captured = true for a request that never went through Capture")
	}
	if want := `["Accept","Mid","Zeta"]`; h.Key() != want {
		t.Fatalf("Key() = %s, want %s", h.Key(), want)
	}
	if h[0].Value != "a" {
		t.Fatalf("fallback value = %q, want a", h[0].Value)
	}
}

func TestFromRequest_WithHeaders(t *testing.T) {
	want := headerorder.FromNames("b", "a")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithHeaders(r.Context(), want))

	h, captured := FromRequest(r)
	if !captured || h.Key() != want.Key() {
		t.Fatalf("FromRequest = %v %v, want %v true", h, captured, want)
	}
}

func TestCapture_NoConnPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("A", "1")

	Capture(CaptureOptions{})(echoHandler).ServeHTTP(rec, r)

	if want := "false A"; rec.Body.String() != want {
		t.Fatalf("body = %q, want %q", rec.Body.String(), want)
	}
}

// pipeConn returns a Conn that has scanned raw
func pipeConn(t *testing.T, opts ListenerOptions, raw string, heads int) *Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	conn := newConn(server, opts)
	go func() { _, _ = io.WriteString(client, raw) }()

	buf := make([]byte, 256)
	for conn.Pending() < heads {
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	return conn
}

func serveWithConn(conn *Conn, method, target string) string {
	r := httptest.NewRequest(method, target, nil)
	r = r.WithContext(context.WithValue(r.Context(), connKey{}, conn))
	rec := httptest.NewRecorder()
	Capture(CaptureOptions{})(echoHandler).ServeHTTP(rec, r)
	return rec.Body.String()
}

func TestCapture_SkipsHeadsWithoutHandler(t *testing.T) {
	conn := pipeConn(t, ListenerOptions{},
		"OPTIONS * HTTP/1.1\r\nA: 1\r\n\r\nGET /x HTTP/1.1\r\nB: 1\r\nA: 1\r\n\r\n", 2)

	if got, want := serveWithConn(conn, http.MethodGet, "/x"), "true B,A"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
	if !conn.Active() || conn.Pending() != 0 {
		t.Fatalf("conn should keep capturing, active=%v pending=%d", conn.Active(), conn.Pending())
	}
}

func TestCapture_NoMatchingHeadStops(t *testing.T) {
	conn := pipeConn(t, ListenerOptions{},
		"GET /other HTTP/1.1\r\nA: 1\r\n\r\nGET /x HTTP/1.1\r\nB: 1\r\n\r\n", 2)

	if got := serveWithConn(conn, http.MethodGet, "/"); !strings.HasPrefix(got, "false") {
		t.Fatalf("mismatched head should not be used: %q", got)
	}
	if conn.Active() || conn.Pending() != 0 {
		t.Fatalf("conn should stop capturing without a match, active=%v pending=%d", conn.Active(), conn.Pending())
	}
}

func TestCapture_OptionsStarKeepsCapture(t *testing.T) {
	addr := startServer(t, CaptureOptions{}, echoHandler)

	get := "GET / HTTP/1.1\r\nuser-agent: node\r\naccept-language: en\r\nHost: x\r\n\r\n"
	got := rawRoundTrip(t, addr, "OPTIONS * HTTP/1.1\r\nHost: x\r\n\r\n"+get+get, 3)

	want := "true user-agent,accept-language,Host"
	for i := 1; i < 3; i++ {
		if got[i] != want {
			t.Errorf("response %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestCapture_DeepPipeline(t *testing.T) {
	addr := startServer(t, CaptureOptions{}, echoHandler)

	// well over a hundred heads land in the server's first 4KB read
	const n = 120
	var raw strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&raw, "GET /%d HTTP/1.1\r\nHost: x\r\nB: 1\r\nA: 1\r\n\r\n", i)
	}

	got := rawRoundTrip(t, addr, raw.String(), n)
	for i, body := range got {
		if body != "true Host,B,A" {
			t.Fatalf("response %d = %q, want captured order", i, body)
		}
	}
}

func TestConn_MaxPendingStops(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := newConn(server, ListenerOptions{MaxPending: 1})
	go func() { _, _ = io.WriteString(client, "GET /1 HTTP/1.1\r\n\r\nGET /2 HTTP/1.1\r\n\r\n") }()

	buf := make([]byte, 256)
	for conn.Active() {
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("read: %v", err)
		}
	}

	h, ok := conn.Next()
	if !ok || h.Target != "/1" {
		t.Fatalf("first head = %+v %v, want /1", h, ok)
	}
	if _, ok := conn.Next(); ok {
		t.Fatal("overflowing head should have been dropped")
	}
}

func TestConnContext_IgnoresOtherConns(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx := ConnContext(context.Background(), server)
	if ConnFromContext(ctx) != nil {
		t.Fatal("plain net.Conn should not be stored")
	}
}
