package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"librusbot/internal/librus"
	logx "librusbot/pkg/logx"
)

// Bus event types published by the engine.
const (
	EventCycleStarted  = "cycle.started"
	EventCycleFinished = "cycle.finished"
	EventCycleFailed   = "cycle.failed"
)

// CycleResult summarizes one change-feed cycle.
type CycleResult struct {
	ID           string
	Fetched      int
	Skipped      int
	Acknowledged int
	Err          error
}

// Cycle fetches pending changes, dispatches them in order and acknowledges
// them. If any dispatch fails nothing is acknowledged; every change stays
// pending for the next cycle.
func (e *Engine) Cycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{ID: uuid.NewString()}
	e.cycleID = res.ID
	defer func() { e.cycleID = "" }()
	log := e.log.With(logx.String("cycle", res.ID))

	changes, err := e.src.PushChanges(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch changes: %w", err)
	}
	res.Fetched = len(changes)
	log.Debug("changes fetched", logx.Int("count", len(changes)))

	processed := make([]string, 0, len(changes))
	for _, ch := range changes {
		handled, err := e.dispatch(ctx, ch)
		if err != nil {
			return res, fmt.Errorf("change %s (%s %s/%s): %w", ch.ID, ch.Type, ch.Resource.Type, ch.Resource.ID, err)
		}
		if !handled {
			res.Skipped++
		}
		processed = append(processed, ch.ID.String())
	}

	if err := e.src.DeletePushChanges(ctx, processed); err != nil {
		return res, fmt.Errorf("acknowledge changes: %w", err)
	}
	res.Acknowledged = len(processed)
	return res, nil
}

// dispatch routes one change. handled is false for changes that were
// deliberately skipped; those are still acknowledged.
func (e *Engine) dispatch(ctx context.Context, ch librus.Change) (handled bool, err error) {
	switch ch.Resource.Type {
	case librus.ResourceSchoolNotices:
		return e.handleNotice(ctx, ch)
	case librus.ResourceTeacherFreeDays:
		return e.handleFreeDay(ctx, ch)
	default:
		e.log.Info("skipping change", logx.String("resource", ch.Resource.Type), logx.String("url", ch.Resource.URL))
		return false, nil
	}
}

// runCycle wraps Cycle with logging, reporting and bus events. It returns
// whether the cycle succeeded.
func (e *Engine) runCycle(ctx context.Context) bool {
	started := e.clock.Now()
	e.publish(EventCycleStarted, nil)
	res, err := e.Cycle(ctx)
	log := e.log.With(logx.String("cycle", res.ID), logx.Duration("took", e.clock.Now().Sub(started)))
	if err != nil {
		res.Err = err
		e.publish(EventCycleFailed, res)
		if ctx.Err() != nil {
			log.Info("cycle interrupted by shutdown", logx.Err(err))
			return false
		}
		log.Error("change feed cycle failed", logx.Err(err), logx.Duration("retry_in", e.sched.RetryDelay), logx.Reported())
		e.report(ctx, fmt.Sprintf("Something in checking pushChanges failed: %v (retrying in %s)", err, e.sched.RetryDelay))
		return false
	}
	e.publish(EventCycleFinished, res)
	log.Info("change feed cycle done",
		logx.Int("fetched", res.Fetched),
		logx.Int("skipped", res.Skipped),
		logx.Int("acknowledged", res.Acknowledged),
	)
	return true
}
