package policy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher asks the source for its version
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive version errors
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange        pollResult = iota // version matches current
	pollSwapped                           // new version fetched, validated and applied
	pollVersionError                      // version lookup failed, caller should back off
	pollFetchError                        // version succeeded but fetch/verify/parse failed
	pollValidationError                   // document parsed but failed validation
	pollRejected                          // version already failed validation, not fetched again
)

// Target receives the merged config, implemented by *headerorder.RateLimiter
type Target interface {
	SetOptions(c headerorder.Config)
}

// WatcherMetrics is implemented by the metrics package
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(errType string)
	SetPolicyLastSuccess(unixSeconds float64)
	SetPolicyStale(stale bool)
}

type WatcherOptions struct {
	Logger  log.Logger
	Source  Source
	Limiter Target

	// Base is what documents are merged over, normally the flag defaults
	Base headerorder.Config

	PollInterval time.Duration

	// Trigger, when set, forces an immediate poll, see FileSource.Watch
	Trigger <-chan struct{}

	// OnSwap is called after a new policy was applied, synchronously on the poll goroutine
	OnSwap func(version string, cfg headerorder.Config)

	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful version lookup before the watcher logs
	// that the policy may be stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Status is the watcher's view of the active policy
type Status struct {
	Version  string    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Document *Document `json:"document,omitempty"`
	Stale    bool      `json:"stale"`
	Polls    int64     `json:"polls"`
	Swaps    int64     `json:"swaps"`
}

// Watcher polls a Source and applies new versions to the limiter
type Watcher struct {
	source   Source
	limiter  Target
	base     headerorder.Config
	logger   log.Logger
	interval time.Duration
	trigger  <-chan struct{}
	onSwap   func(version string, cfg headerorder.Config)
	metrics  WatcherMetrics

	// backoff state
	consecutiveErrs int

	// rejected is the last version that failed validation, it is skipped until the source moves on
	rejected string

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	// mu guards status, read from the ops API
	mu     sync.RWMutex
	status Status
}

// NewWatcher creates a policy watcher. Call Load for the initial policy and Run to keep polling.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &Watcher{
		source:         opts.Source,
		limiter:        opts.Limiter,
		base:           opts.Base,
		logger:         opts.Logger,
		interval:       interval,
		trigger:        opts.Trigger,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Status returns a snapshot of the active policy
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Watcher) currentVersion() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.Version
}

// Load runs one poll cycle and returns an error unless a policy is active afterwards
func (w *Watcher) Load(ctx context.Context) error {
	switch w.checkOnce(ctx) {
	case pollSwapped, pollNoChange:
		return nil
	case pollVersionError:
		return xerrors.New("policy version lookup failed")
	case pollValidationError, pollRejected:
		return xerrors.New("policy document failed validation")
	default:
		return xerrors.New("policy document could not be loaded")
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_version", w.currentVersion(),
		"triggered", w.trigger != nil,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s := w.Status()
			w.logger.Info(ctx, "policy watcher stopping",
				"reason", ctx.Err(),
				"polls", s.Polls,
				"swaps", s.Swaps,
			)
			return ctx.Err()
		case <-w.trigger:
			w.afterPoll(ctx, ticker, w.checkOnce(ctx))
		case <-ticker.C:
			w.afterPoll(ctx, ticker, w.checkOnce(ctx))
		}
	}
}

// afterPoll adjusts cadence and staleness after a poll
func (w *Watcher) afterPoll(ctx context.Context, ticker *time.Ticker, result pollResult) {
	if result == pollVersionError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "policy watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)
	} else if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "policy watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}

	if result != pollVersionError {
		if w.staleLogged {
			w.logger.Info(ctx, "policy watcher: staleness recovered")
			w.setStale(false)
		}
		return
	}
	if since := time.Since(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
		w.logger.Error(ctx, fmt.Errorf("last successful policy version lookup was %s ago", since.Truncate(time.Second)),
			"policy watcher: policy may be stale, unable to verify freshness",
		)
		w.setStale(true)
	}
}

func (w *Watcher) setStale(stale bool) {
	w.staleLogged = stale
	w.mu.Lock()
	w.status.Stale = stale
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.SetPolicyStale(stale)
	}
}

// checkOnce performs a single version-compare-apply cycle
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.mu.Lock()
	w.status.Polls++
	current := w.status.Version
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	version, err := w.source.Version(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: version lookup failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("version")
		}
		return pollVersionError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetPolicyLastSuccess(float64(now.Unix()))
	}

	if version == current {
		return pollNoChange
	}
	if version == w.rejected {
		return pollRejected
	}

	w.logger.Info(ctx, "policy watcher: new policy version detected",
		"old_version", current,
		"new_version", version,
	)

	doc, err := w.source.Fetch(ctx, version)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: failed to load policy", "version", version)
		if w.metrics != nil {
			w.metrics.IncPolicyError("fetch")
		}
		return pollFetchError
	}

	if err := doc.Validate(); err != nil {
		w.logger.Error(ctx, err, "policy watcher: new policy failed validation, keeping current policy",
			"rejected_version", version,
			"current_version", current,
		)
		if w.metrics != nil {
			w.metrics.IncPolicyError("validation")
		}
		w.rejected = version
		return pollValidationError
	}

	cfg := doc.Config(w.base)
	w.limiter.SetOptions(cfg)
	w.rejected = ""

	w.mu.Lock()
	w.status.Version = version
	w.status.Document = doc
	w.status.LoadedAt = now.UTC()
	w.status.Swaps++
	swaps := w.status.Swaps
	w.mu.Unlock()

	w.logger.Info(ctx, "policy watcher: policy applied",
		"old_version", current,
		"new_version", version,
		"block_when_attempts_reach", cfg.BlockWhenAttemptsReach,
		"per_last_milliseconds", cfg.PerLastMilliseconds,
		"use_back_off_factor", cfg.UseBackOffFactor,
		"total_swaps", swaps,
	)

	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"policy watcher: OnSwap callback panicked, continuing",
						"version", version,
					)
				}
			}()
			w.onSwap(version, cfg)
		}()
	}

	return pollSwapped
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
