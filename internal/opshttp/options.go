package opshttp

import (
	"net/http"

	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/health"
	"github.com/keithlinneman/orderguard/internal/policy"
)

// Limiter is the part of the header-order limiter the admin API needs
type Limiter interface {
	Stats() headerorder.Stats
	Options() headerorder.Config
	Forget(headerorder.Headers) bool
}

// PolicyStatus reports the active policy, *policy.Watcher satisfies it
type PolicyStatus interface {
	Status() policy.Status
}

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters

	// Limiter enables the /-/orderguard/ stats and forget endpoints
	Limiter Limiter
	// Mode is reported by the stats endpoint
	Mode string
	// Policy enables /-/orderguard/policy, nil when no policy source is configured
	Policy PolicyStatus
}
