package posmon

import (
	"context"
	"sync"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
)

// job is one unit of per-position work.
type job struct {
	pos       store.Position
	emergency bool
}

// workQueue is a bounded two-level queue. Emergency jobs always win over
// normal ones; within a level, enqueue order is priority order (the cycle
// scans positions oldest-first).
type workQueue struct {
	name      string
	emergency chan job
	normal    chan job
	log       *logging.Logger
}

func newWorkQueue(name string, depth int, log *logging.Logger) *workQueue {
	return &workQueue{
		name:      name,
		emergency: make(chan job, depth),
		normal:    make(chan job, depth),
		log:       log,
	}
}

// push enqueues without blocking; a full queue drops the job and reports
// false. The next cycle re-enqueues anything still pending.
func (q *workQueue) push(j job) bool {
	ch := q.normal
	if j.emergency {
		ch = q.emergency
	}
	select {
	case ch <- j:
		return true
	default:
		q.log.Warn("queue full, job deferred to next cycle",
			"queue", q.name, "position_id", j.pos.ID, "emergency", j.emergency)
		return false
	}
}

// run starts n workers draining the queue until ctx is canceled.
func (q *workQueue) run(ctx context.Context, n int, handle func(context.Context, job)) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// Drain emergency work before touching the normal level.
				select {
				case <-ctx.Done():
					return
				case j := <-q.emergency:
					handle(ctx, j)
					continue
				default:
				}
				select {
				case <-ctx.Done():
					return
				case j := <-q.emergency:
					handle(ctx, j)
				case j := <-q.normal:
					handle(ctx, j)
				}
			}
		}()
	}
	return &wg
}
