package executor

import (
	"context"
	"errors"
	"time"

	"fitsched/internal/action"
	"fitsched/internal/eventbus"
	"fitsched/internal/queue"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

// HandleJob is the queue.Handler for schedule jobs. Action failures are
// absorbed into the retry policy; only bookkeeping failures are returned.
func (e *Executor) HandleJob(ctx context.Context, job *queue.Job) error {
	p, err := decodePayload(job.Data)
	if err != nil {
		return err
	}
	log := e.log.With(logx.String("schedule_id", p.ScheduleID), logx.String("job_id", job.ID))

	sc, err := e.svc.Get(ctx, p.ScheduleID)
	if errors.Is(err, schedule.ErrNotFound) {
		log.Info("schedule gone, dropping job")
		return nil
	}
	if err != nil {
		return err
	}

	switch p.Kind {
	case KindAdvance:
		_, err := e.svc.ExecuteAndUpdateNext(ctx, sc.ID)
		return err
	case KindRun, KindRetry:
	default:
		log.Warn("unknown job kind, dropping", logx.String("kind", p.Kind))
		return nil
	}
	if sc.Status == schedule.StatusCompleted {
		log.Info("schedule completed, skipping redelivered job", logx.String("kind", p.Kind))
		return nil
	}

	// Each occurrence of a repeating job gets its own retry slot.
	if job.Repeat != nil {
		p.Slot = slotKey(job.RunAt.In(sc.Location()))
	}

	started := time.Now()
	runErr := e.actions.Execute(ctx, sc.Action, action.Call{
		Data:       sc.Data,
		EntityID:   sc.EntityID,
		UserID:     sc.UserID,
		ScheduleID: sc.ID,
		Attempt:    p.Attempt,
	})
	took := time.Since(started)
	var open *action.CircuitOpenError
	if errors.As(runErr, &open) {
		return e.deferRun(ctx, log, sc, p, open)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.ScheduleExecuted, Data: eventbus.Execution{
		ScheduleID: sc.ID,
		Action:     sc.Action,
		Success:    runErr == nil,
		Took:       took,
	}})

	if runErr == nil {
		return e.onSuccess(ctx, log, sc, took)
	}
	return e.onFailure(ctx, log, sc, p, runErr)
}

func (e *Executor) onSuccess(ctx context.Context, log logx.Logger, sc *schedule.Schedule, took time.Duration) error {
	log.Info("action succeeded", logx.String("action", sc.Action), logx.Duration("took", took))
	if _, err := e.svc.TrackExecution(ctx, sc.ID, true, ""); err != nil {
		return err
	}
	if sc.CurrentRetries != 0 {
		if _, err := e.svc.ResetRetries(ctx, sc.ID); err != nil {
			return err
		}
	}
	if sc.HasInterval() {
		return nil
	}
	_, err := e.svc.ExecuteAndUpdateNext(ctx, sc.ID)
	return err
}

func (e *Executor) onFailure(ctx context.Context, log logx.Logger, sc *schedule.Schedule, p Payload, runErr error) error {
	if _, err := e.svc.TrackExecution(ctx, sc.ID, false, runErr.Error()); err != nil {
		return err
	}

	retryable := action.Retryable(runErr)
	cur, attempt, ok, err := e.svc.BeginRetry(ctx, sc.ID, retryable)
	if err != nil {
		return err
	}
	if ok {
		next := p
		next.Kind = KindRetry
		next.Attempt = attempt
		delay := time.Duration(cur.RetryDelayMinutes) * time.Minute
		_, _, err := e.q.Enqueue(ctx, queue.JobSpec{
			ID:    next.JobID(),
			Queue: e.config().Queue,
			Name:  KindRetry,
			Data:  next.encode(),
			Delay: delay,
			Tags:  []string{ScheduleTag(sc.ID)},
		})
		if err != nil {
			log.Error("retry dispatch failed", logx.Int("attempt", attempt), logx.Err(err))
			return err
		}
		log.Warn("action failed, retry scheduled",
			logx.String("action", sc.Action),
			logx.Int("attempt", attempt),
			logx.Int("max_retries", cur.MaxRetries),
			logx.Duration("delay", delay),
			logx.Err(runErr),
		)
		return nil
	}

	if retryable && sc.RetryOnFailure {
		log.Error("action failed, retries exhausted", logx.String("action", sc.Action), logx.Int("max_retries", sc.MaxRetries), logx.Err(runErr))
	} else {
		log.Error("action failed", logx.String("action", sc.Action), logx.Bool("retryable", retryable), logx.Err(runErr))
	}
	if sc.HasInterval() {
		return nil
	}
	_, err = e.svc.ExecuteAndUpdateNext(ctx, sc.ID)
	return err
}

// deferRun re-enqueues a run skipped by an open breaker for when the breaker
// closes. The skip is not an execution: counters and retries are untouched.
func (e *Executor) deferRun(ctx context.Context, log logx.Logger, sc *schedule.Schedule, p Payload, open *action.CircuitOpenError) error {
	next := p
	next.Deferrals++
	_, _, err := e.q.Enqueue(ctx, queue.JobSpec{
		ID:    next.JobID(),
		Queue: e.config().Queue,
		Name:  next.Kind,
		Data:  next.encode(),
		Delay: max(open.Wait, 0),
		Tags:  []string{ScheduleTag(sc.ID)},
	})
	if err != nil {
		log.Error("deferred run dispatch failed", logx.Err(err))
		return err
	}
	log.Warn("circuit open, run deferred",
		logx.String("action", sc.Action),
		logx.Time("until", open.Until),
		logx.Int("deferrals", next.Deferrals),
	)
	return nil
}
