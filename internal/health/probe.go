package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/orderguard/internal/xerrors"
)

// Probe returns nil when healthy, otherwise the reason
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every probe passes and returns the first failure. Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when one probe passes, otherwise it returns the last failure
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last == nil {
			return xerrors.New("no healthy probes")
		}
		return last
	}
}

// ShutdownGate flips readiness to false during drain
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}

// Latch fails with its reason until Open is called, and passes from then on
type Latch struct {
	open   atomic.Bool
	reason string
}

func NewLatch(reason string) *Latch {
	if reason == "" {
		reason = "not ready"
	}
	return &Latch{reason: reason}
}

func (l *Latch) Open() { l.open.Store(true) }

func (l *Latch) IsOpen() bool { return l.open.Load() }

func (l *Latch) Probe() CheckFunc {
	return func(context.Context) error {
		if l.open.Load() {
			return nil
		}
		return xerrors.New(l.reason)
	}
}
