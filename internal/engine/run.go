package engine

import (
	"context"
	"errors"
	"fmt"

	logx "librusbot/pkg/logx"
)

// ErrQueueFull is returned by Submit when the loop is busy and the job queue
// has no room.
var ErrQueueFull = errors.New("engine: job queue full")

// Run is the engine loop. The first cycle starts after Schedule.InitialDelay;
// each next one Interval after a success or RetryDelay after a failure, with
// no limit on consecutive failures. Submitted jobs run between cycles.
//
// Run returns nil when ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		logx.Int("destinations", len(e.dests)),
		logx.Duration("initial_delay", e.sched.InitialDelay),
		logx.Duration("interval", e.sched.Interval),
		logx.Duration("retry_delay", e.sched.RetryDelay),
	)
	next := e.clock.After(e.sched.InitialDelay)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return nil
		case <-next:
			delay := e.sched.Interval
			if !e.runCycle(ctx) {
				delay = e.sched.RetryDelay
			}
			if ctx.Err() != nil {
				continue
			}
			e.log.Debug("next cycle scheduled", logx.Duration("in", delay))
			next = e.clock.After(delay)
		case j := <-e.jobs:
			e.runJob(ctx, j)
		}
	}
}

// Submit queues fn to run on the engine loop. It never blocks.
func (e *Engine) Submit(name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	select {
	case e.jobs <- job{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

func (e *Engine) runJob(ctx context.Context, j job) {
	log := e.log.With(logx.String("job", j.name))
	started := e.clock.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.fn(ctx)
	}()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("job failed", logx.Err(err))
		return
	}
	log.Debug("job done", logx.Duration("took", e.clock.Now().Sub(started)))
}
