package httpserver

import (
	"net/http"

	"github.com/keithlinneman/orderguard/internal/health"
	"github.com/keithlinneman/orderguard/internal/httpmw"
	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/wireorder"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions

	// Capture and Listener configure wire header order recording
	Capture  wireorder.CaptureOptions
	Listener wireorder.ListenerOptions

	// GuardMW runs after routing, usually (*guard.Guard).Middleware
	GuardMW func(http.Handler) http.Handler
	// Upstream serves every path that is not a health route, usually the reverse proxy
	Upstream http.Handler
	// MaxBodyBytes caps request bodies forwarded upstream, 0 leaves them unbounded
	MaxBodyBytes int64
}
