package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Periodic runs fn on a fixed interval. A tick that fires while the previous
// run is still going is skipped, never queued.
type Periodic struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	Log      *zap.Logger

	running atomic.Bool
}

// Tick runs fn once unless a run is already in progress. It reports whether
// fn was invoked.
func (p *Periodic) Tick(ctx context.Context) (bool, error) {
	if !p.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer p.running.Store(false)
	return true, p.Fn(ctx)
}

// Run ticks immediately and then every Interval until ctx is cancelled.
// Errors are logged; the next tick is the retry.
func (p *Periodic) Run(ctx context.Context) error {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("job", p.Name))
	log.Info("started", zap.Duration("interval", p.Interval))
	defer log.Info("stopped")

	t := time.NewTicker(p.Interval)
	defer t.Stop()

	for {
		if ran, err := p.Tick(ctx); !ran {
			log.Debug("previous run still in progress, skipping tick")
		} else if err != nil && ctx.Err() == nil {
			log.Error("run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
