package wireorder

import (
	"context"
	"net/http"
	"net/textproto"
	"sort"

	"github.com/keithlinneman/orderguard/internal/headerorder"
)

// CaptureOptions configures the Capture middleware
type CaptureOptions struct {
	// CanonicalNames rewrites captured names with textproto.CanonicalMIMEHeaderKey.
	// Off by default, the raw case is part of the fingerprint.
	CanonicalNames bool
}

type capturedKey struct{}

// WithHeaders stores h as the captured header list for the request
func WithHeaders(ctx context.Context, h headerorder.Headers) context.Context {
	return context.WithValue(ctx, capturedKey{}, h)
}

// Capture claims the head scanned for this request off its connection and stores the ordered headers
// in the request context. Needs Listener and ConnContext, without them every request falls back.
func Capture(opts CaptureOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn := ConnFromContext(r.Context())
			if conn == nil {
				next.ServeHTTP(w, r)
				return
			}
			head, ok := conn.claim(r.Method, r.RequestURI)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			h := withValues(head.Names, r, opts.CanonicalNames)
			next.ServeHTTP(w, r.WithContext(WithHeaders(r.Context(), h)))
		})
	}
}

// withValues pairs the wire-order names with their parsed values. Repeated names take successive
// values from r.Header, Host comes from r.Host since net/http removes it from the map.
func withValues(names []string, r *http.Request, canonical bool) headerorder.Headers {
	h := make(headerorder.Headers, len(names))
	seen := make(map[string]int, len(names))
	for i, name := range names {
		ck := textproto.CanonicalMIMEHeaderKey(name)
		f := headerorder.Field{Name: name}
		if canonical {
			f.Name = ck
		}
		if ck == "Host" {
			f.Value = r.Host
		} else {
			vals := r.Header[ck]
			if idx := seen[ck]; idx < len(vals) {
				f.Value = vals[idx]
			}
			seen[ck]++
		}
		h[i] = f
	}
	return h
}

// FromRequest returns the ordered headers for r. captured is false when Capture had nothing for this
// request, the result is then the names of r.Header in sorted order with their first values.
func FromRequest(r *http.Request) (h headerorder.Headers, captured bool) {
	if h, ok := r.Context().Value(capturedKey{}).(headerorder.Headers); ok {
		return h, true
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	h = make(headerorder.Headers, len(names))
	for i, name := range names {
		h[i] = headerorder.Field{Name: name, Value: r.Header.Get(name)}
	}
	return h, false
}
