package opshttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/orderguard/internal/guard"
	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/httpmw"
	"github.com/keithlinneman/orderguard/internal/log"
)

// maxForgetBody bounds the forget request, a header name list is small
const maxForgetBody = 64 << 10

type configView struct {
	BlockWhenAttemptsReach  int   `json:"block_when_attempts_reach"`
	PerLastMilliseconds     int64 `json:"per_last_milliseconds"`
	UseBackOffFactor        bool  `json:"use_back_off_factor"`
	BackOffStepMilliseconds int64 `json:"back_off_step_milliseconds,omitempty"`
}

type statsView struct {
	Mode       string     `json:"mode"`
	Keys       int        `json:"keys"`
	Timestamps int        `json:"timestamps"`
	Config     configView `json:"config"`
}

type forgetView struct {
	KeyDigest string `json:"key_digest"`
	Forgotten bool   `json:"forgotten"`
}

func viewConfig(c headerorder.Config) configView {
	v := configView{
		BlockWhenAttemptsReach: c.BlockWhenAttemptsReach,
		PerLastMilliseconds:    c.PerLastMilliseconds,
		UseBackOffFactor:       c.UseBackOffFactor,
	}
	if lb, ok := c.BackOff.(headerorder.LinearBackOff); ok {
		v.BackOffStepMilliseconds = lb.StepMilliseconds
	}
	return v
}

// registerAdmin adds the /-/orderguard/ endpoints
func registerAdmin(r chi.Router, L log.Logger, opts *Options) {
	r.Route("/-/orderguard", func(r chi.Router) {
		r.Use(middleware.NoCache)

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			s := opts.Limiter.Stats()
			writeJSON(w, http.StatusOK, statsView{
				Mode:       opts.Mode,
				Keys:       s.Keys,
				Timestamps: s.Timestamps,
				Config:     viewConfig(opts.Limiter.Options()),
			})
		})

		r.Get("/policy", func(w http.ResponseWriter, r *http.Request) {
			if opts.Policy == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no policy source configured"})
				return
			}
			writeJSON(w, http.StatusOK, opts.Policy.Status())
		})

		r.With(
			middleware.AllowContentType("application/json"),
			httpmw.MaxBody(maxForgetBody),
		).Post("/forget", func(w http.ResponseWriter, r *http.Request) {
			var names []string
			if err := json.NewDecoder(r.Body).Decode(&names); err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
					return
				}
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON array of header names"})
				return
			}
			h := headerorder.FromNames(names...)
			res := forgetView{
				KeyDigest: guard.KeyDigest(h.Key()),
				Forgotten: opts.Limiter.Forget(h),
			}
			L.Info(r.Context(), "header order key forgotten",
				"key_digest", res.KeyDigest,
				"forgotten", res.Forgotten,
				"remote_addr", r.RemoteAddr,
			)
			writeJSON(w, http.StatusOK, res)
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
