// Package timer runs named periodic tasks with jitter and overlap
// protection.
package timer

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"oc-futures-bot/internal/logging"
)

// Runner owns a set of periodic tasks and waits for them on shutdown.
type Runner struct {
	log *logging.Logger
	wg  sync.WaitGroup
}

// NewRunner creates a task runner.
func NewRunner(log *logging.Logger) *Runner {
	return &Runner{log: log.WithComponent("timer")}
}

// Every runs task on the given interval until ctx is canceled. Each firing
// gets up to 10% random jitter so co-scheduled tasks don't align, and a
// firing is skipped when the previous run is still in flight.
func (r *Runner) Every(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	var running atomic.Bool

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(withJitter(interval))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if running.CompareAndSwap(false, true) {
				started := time.Now()
				task(ctx)
				running.Store(false)
				if d := time.Since(started); d > interval {
					r.log.Warn("task overran its interval", "task", name, "took", d.Round(time.Millisecond).String())
				}
			} else {
				r.log.Debug("task still running, firing skipped", "task", name)
			}

			timer.Reset(withJitter(interval))
		}
	}()
}

// Wait blocks until every task loop has exited.
func (r *Runner) Wait() { r.wg.Wait() }

func withJitter(d time.Duration) time.Duration {
	if d < 10*time.Millisecond {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 10))
	return d + jitter - d/20
}
