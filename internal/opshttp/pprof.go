package opshttp

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RegisterPprof mounts the net/http/pprof handlers under /debug/pprof/
func RegisterPprof(r chi.Router) {
	r.Mount("/debug", middleware.Profiler())
}
