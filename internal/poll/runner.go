// Package poll runs the periodic background tasks: stats and performance
// ticks, node API pollers, the alert evaluator, hourly aggregation, and
// retention pruning. Each task gets a supervised loop that survives
// errors and panics.
package poll

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// errBackoff is how long a task sits out after a failed run before its
// regular cadence resumes.
const errBackoff = 60 * time.Second

// Task is one periodic unit of work. Implementations must respect ctx,
// which is canceled when the runner stops.
type Task func(ctx context.Context) error

// Runner owns a set of periodic task loops sharing one stop signal.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	backoff time.Duration // shortened in tests
}

// NewRunner creates an empty runner. Tasks are added with Go.
func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		backoff: errBackoff,
	}
}

// Go schedules fn under name: one run immediately, then one per
// interval. A failed or panicking run is logged and the task backs off
// before resuming its cadence. Stop is observed within one interval.
func (r *Runner) Go(name string, interval time.Duration, fn Task) {
	if interval <= 0 {
		interval = time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-timer.C:
			}
			if err := r.runOne(fn); err != nil {
				select {
				case <-r.stopCh:
					// Shutdown cancellation, not a task failure.
					return
				default:
				}
				log.Printf("[poll] %s: %v (backing off %s)", name, err, r.backoff)
				timer.Reset(r.backoff)
				continue
			}
			timer.Reset(interval)
		}
	}()
}

// runOne executes a single run, converting panics into errors so one bad
// cycle never takes the process down.
func (r *Runner) runOne(fn Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(r.ctx)
}

// Stop cancels in-flight runs and waits for every task loop to exit.
func (r *Runner) Stop() {
	r.cancel()
	close(r.stopCh)
	r.wg.Wait()
}
