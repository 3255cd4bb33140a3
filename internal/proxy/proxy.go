// Package proxy forwards allowed requests to the upstream origin.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/xerrors"
)

type Options struct {
	Upstream *url.URL
	// Transport defaults to NewTransport wrapped for trace propagation
	Transport http.RoundTripper
	// PreserveHost forwards the client's Host header instead of the upstream's
	PreserveHost bool
	// FlushInterval is passed to httputil.ReverseProxy, negative flushes after every write
	FlushInterval time.Duration
	// OnError runs for every request that failed to reach the upstream
	OnError func()
}

// TransportOptions bound how long the proxy waits on the upstream
type TransportOptions struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.TLSHandshakeTimeout <= 0 {
		o.TLSHandshakeTimeout = 5 * time.Second
	}
	if o.ResponseHeaderTimeout <= 0 {
		o.ResponseHeaderTimeout = 30 * time.Second
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 90 * time.Second
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 64
	}
	return o
}

// NewTransport is an http.Transport with every wait bounded. Proxy settings from the environment
// are ignored, the upstream is always dialed directly.
func NewTransport(o TransportOptions) *http.Transport {
	o = o.withDefaults()
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   o.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          o.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// New returns a reverse proxy to opts.Upstream. The incoming path is joined onto the upstream
// path and X-Forwarded-For/Host/Proto are set from the inbound request.
func New(opts Options) (*httputil.ReverseProxy, error) {
	up := opts.Upstream
	if up == nil || up.Host == "" || (up.Scheme != "http" && up.Scheme != "https") {
		return nil, xerrors.Newf("proxy: upstream must be an absolute http(s) URL, got %v", up)
	}

	rt := opts.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(NewTransport(TransportOptions{}))
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(up)
			pr.SetXForwarded()
			if opts.PreserveHost {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport:     rt,
		FlushInterval: opts.FlushInterval,
		ErrorHandler:  errorHandler(opts.OnError),
	}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// errorHandler answers 502, 504 when the upstream timed out, or 413 when the body hit MaxBody. A client that went away is not an
// upstream failure and is only logged at debug.
func errorHandler(onError func()) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			L.Debug(ctx, "client went away before upstream answered")
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			L.Debug(ctx, "request body over limit", "limit", mbe.Limit)
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		code, msg := http.StatusBadGateway, "bad gateway"
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			code, msg = http.StatusGatewayTimeout, "gateway timeout"
		}
		if onError != nil {
			onError()
		}
		L.Error(ctx, err, "upstream request failed", "http.response.status_code", code)

		writeError(w, code, msg)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
