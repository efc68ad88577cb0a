package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"fitsched/internal/runtime/supervisor"
	logx "fitsched/pkg/logx"
)

// Claimer is the backend half of a worker pool.
type Claimer interface {
	// Claim marks one due job of queue active and returns it; nil when idle.
	Claim(ctx context.Context, queue string) (*Job, error)
	// Finish records the outcome of a claimed job.
	Finish(ctx context.Context, job *Job, runErr error) error
}

// RunPool runs opts.Workers workers against c until ctx is done. wake, if
// non-nil, short-circuits the idle poll wait.
func RunPool(ctx context.Context, queue string, c Claimer, h Handler, opts Options, log logx.Logger, wake <-chan struct{}) error {
	if h == nil {
		return errors.New("nil handler")
	}
	opts = opts.WithDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("queue", queue))

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	for i := 0; i < opts.Workers; i++ {
		name := "queue." + queue + ".worker." + strconv.Itoa(i)
		sup.Go0(name, func(ctx context.Context) {
			worker(ctx, queue, c, h, opts, log, wake)
		})
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), opts.VisibilityTimeout)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func worker(ctx context.Context, queue string, c Claimer, h Handler, opts Options, log logx.Logger, wake <-chan struct{}) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		case <-wake:
		}

		for ctx.Err() == nil {
			job, err := c.Claim(ctx, queue)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("queue claim failed", logx.Err(err))
				}
				break
			}
			if job == nil {
				break
			}
			runErr := runJob(ctx, job, h, opts.VisibilityTimeout)
			if runErr != nil {
				log.Warn("job failed", logx.String("job_id", job.ID), logx.String("name", job.Name), logx.Err(runErr))
			} else {
				log.Debug("job done", logx.String("job_id", job.ID), logx.String("name", job.Name))
			}
			// Finish must land even while shutting down.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := c.Finish(fctx, job, runErr); err != nil {
				log.Error("job finish failed", logx.String("job_id", job.ID), logx.Err(err))
			}
			cancel()
		}
		idle.Reset(opts.PollInterval)
	}
}

func runJob(ctx context.Context, job *Job, h Handler, timeout time.Duration) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(runCtx, job)
}

// Finished computes the post-run state of a claimed job: repeating jobs go
// back to delayed at their next occurrence, the rest complete or fail.
func Finished(job *Job, runErr error, now time.Time) *Job {
	out := *job
	out.UpdatedAt = now
	out.Attempts++
	out.LastError = ""
	if runErr != nil {
		out.LastError = runErr.Error()
	}
	if next, ok := job.NextRepeat(); ok {
		for !next.After(now) {
			out.RunAt = next
			n, more := out.NextRepeat()
			if !more {
				break
			}
			next = n
		}
		if next.After(now) {
			out.RunAt = next
			out.State = StateDelayed
			return &out
		}
	}
	out.State = StateCompleted
	if runErr != nil {
		out.State = StateFailed
	}
	out.FinishedAt = &now
	return &out
}
