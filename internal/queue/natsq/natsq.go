// Package natsq is a queue.Dispatcher on NATS JetStream.
//
// Job state lives in a KV bucket keyed by queue and job id; the stream only
// carries "this job is ready" notifications. Delayed jobs stay in KV until a
// promoter publishes them, and every state change is a compare-and-swap on
// the KV revision so concurrent workers and promoters never double-run a job.
package natsq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"fitsched/internal/queue"
	"fitsched/internal/runtime/supervisor"
	logx "fitsched/pkg/logx"
)

const (
	StreamName    = "FITSCHED"
	SubjectPrefix = "fitsched.queue"
	BucketJobs    = "fitsched-jobs"
	BucketQueues  = "fitsched-queues"
)

type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	jobs   jetstream.KeyValue
	queues jetstream.KeyValue
	opts   queue.Options
	log    logx.Logger
	now    func() time.Time

	consumers sync.Map // queue name -> jetstream.Consumer
}

var (
	_ queue.Dispatcher = (*Queue)(nil)
	_ queue.Claimer    = (*Queue)(nil)
)

// New connects to url and sets up the stream and KV buckets.
func New(ctx context.Context, url string, opts queue.Options, log logx.Logger) (*Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("fitsched"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	q := &Queue{nc: nc, js: js, opts: opts.WithDefaults(), log: log, now: time.Now}
	if err := q.setup(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) setup(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    q.opts.Retention,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}
	if q.jobs, err = q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: BucketJobs, Storage: jetstream.FileStorage}); err != nil {
		return fmt.Errorf("creating KV bucket %s: %w", BucketJobs, err)
	}
	if q.queues, err = q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: BucketQueues, Storage: jetstream.FileStorage}); err != nil {
		return fmt.Errorf("creating KV bucket %s: %w", BucketQueues, err)
	}
	return nil
}

// record is the KV value of one job.
type record struct {
	queue.Job
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
}

type queueMeta struct {
	Paused bool `json:"paused"`
}

// Keys and subject tokens only allow a restricted alphabet; job ids carry ':'.
func token(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func jobKey(queueName, id string) string { return token(queueName) + "." + token(id) }

func subject(queueName string) string { return SubjectPrefix + "." + token(queueName) }

func consumerName(queueName string) string { return "fitsched-" + token(queueName) }

func (q *Queue) load(ctx context.Context, key string) (*record, uint64, error) {
	e, err := q.jobs.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var r record
	if err := json.Unmarshal(e.Value(), &r); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return &r, e.Revision(), nil
}

// update applies fn under compare-and-swap, retrying on revision conflicts.
// fn returning false leaves the record unchanged.
func (q *Queue) update(ctx context.Context, key string, fn func(r *record) bool) (*record, bool, error) {
	for i := 0; i < 5; i++ {
		r, rev, err := q.load(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !fn(r) {
			return r, false, nil
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, false, err
		}
		if _, err := q.jobs.Update(ctx, key, b, rev); err == nil {
			return r, true, nil
		}
	}
	return nil, false, errors.New("too many concurrent updates on " + key)
}

func (q *Queue) publish(ctx context.Context, queueName, key string) error {
	_, err := q.js.Publish(ctx, subject(queueName), []byte(key))
	return err
}

func (q *Queue) Enqueue(ctx context.Context, spec queue.JobSpec) (*queue.Job, bool, error) {
	if err := queue.ValidateSpec(spec); err != nil {
		return nil, false, err
	}
	j := queue.NewJob(spec, q.now())
	key := jobKey(spec.Queue, spec.ID)
	b, err := json.Marshal(record{Job: *j})
	if err != nil {
		return nil, false, queue.Wrap("enqueue", spec.Queue, err)
	}
	if _, err := q.jobs.Create(ctx, key, b); err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, false, queue.Wrap("enqueue", spec.Queue, err)
		}
		// A waiting duplicate may have lost its notification.
		if _, err := q.republish(ctx, spec.Queue, key, q.now()); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, queue.Wrap("enqueue", spec.Queue, err)
		}
		existing, err := q.Get(ctx, spec.Queue, spec.ID)
		return existing, false, err
	}
	if j.State == queue.StateWaiting {
		if err := q.publish(ctx, spec.Queue, key); err != nil {
			return nil, false, queue.Wrap("enqueue", spec.Queue, err)
		}
	}
	return j, true, nil
}

// republish re-announces a waiting job last touched at or before cutoff.
// Claim ignores the extra message if the job was picked up meanwhile.
func (q *Queue) republish(ctx context.Context, queueName, key string, cutoff time.Time) (bool, error) {
	now := q.now()
	_, changed, err := q.update(ctx, key, func(r *record) bool {
		if r.State != queue.StateWaiting || r.UpdatedAt.After(cutoff) {
			return false
		}
		r.UpdatedAt = now
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	return true, q.publish(ctx, queueName, key)
}

// strandedAfter is how long a waiting job may go unclaimed before its
// notification is assumed lost.
func (q *Queue) strandedAfter() time.Duration { return 3 * q.opts.PollInterval }

func (q *Queue) Get(ctx context.Context, queueName, id string) (*queue.Job, error) {
	r, _, err := q.load(ctx, jobKey(queueName, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, queue.NotFound(queueName, id)
	}
	if err != nil {
		return nil, queue.Wrap("get", queueName, err)
	}
	return &r.Job, nil
}

func (q *Queue) Remove(ctx context.Context, queueName, id string) error {
	if _, err := q.Get(ctx, queueName, id); err != nil {
		return err
	}
	return queue.Wrap("remove", queueName, q.jobs.Delete(ctx, jobKey(queueName, id)))
}

func (q *Queue) Retry(ctx context.Context, queueName, id string) error {
	key := jobKey(queueName, id)
	now := q.now()
	r, changed, err := q.update(ctx, key, func(r *record) bool {
		if r.State != queue.StateFailed {
			return false
		}
		r.State, r.RunAt, r.UpdatedAt, r.FinishedAt = queue.StateWaiting, now, now, nil
		return true
	})
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return queue.NotFound(queueName, id)
	}
	if err != nil {
		return queue.Wrap("retry", queueName, err)
	}
	if !changed {
		return queue.NotFailed(queueName, id, r.State)
	}
	return queue.Wrap("retry", queueName, q.publish(ctx, queueName, key))
}

func (q *Queue) setPaused(ctx context.Context, queueName string, paused bool) error {
	b, _ := json.Marshal(queueMeta{Paused: paused})
	_, err := q.queues.Put(ctx, token(queueName), b)
	return err
}

func (q *Queue) Pause(ctx context.Context, queueName string) error {
	return queue.Wrap("pause", queueName, q.setPaused(ctx, queueName, true))
}

func (q *Queue) Resume(ctx context.Context, queueName string) error {
	return queue.Wrap("resume", queueName, q.setPaused(ctx, queueName, false))
}

func (q *Queue) paused(ctx context.Context, queueName string) (bool, error) {
	e, err := q.queues.Get(ctx, token(queueName))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var m queueMeta
	if err := json.Unmarshal(e.Value(), &m); err != nil {
		return false, err
	}
	return m.Paused, nil
}

// scan visits every record of queueName.
func (q *Queue) scan(ctx context.Context, queueName string, fn func(key string, r *record) error) error {
	lister, err := q.jobs.ListKeys(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lister.Stop() }()

	prefix := token(queueName) + "."
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		r, _, err := q.load(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(key, r); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Clean(ctx context.Context, queueName string, f queue.JobFilter) (int, error) {
	now := q.now()
	n := 0
	err := q.scan(ctx, queueName, func(key string, r *record) error {
		if f.Limit > 0 && n >= f.Limit {
			return nil
		}
		if !f.Match(&r.Job, now) {
			return nil
		}
		if err := q.jobs.Delete(ctx, key); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, queue.Wrap("clean", queueName, err)
}

func (q *Queue) Jobs(ctx context.Context, queueName string, f queue.JobFilter) ([]*queue.Job, error) {
	now := q.now()
	var out []*queue.Job
	err := q.scan(ctx, queueName, func(_ string, r *record) error {
		if f.Match(&r.Job, now) {
			j := r.Job
			out = append(out, &j)
		}
		return nil
	})
	if err != nil {
		return nil, queue.Wrap("jobs", queueName, err)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].RunAt.Equal(out[k].RunAt) {
			return out[i].RunAt.Before(out[k].RunAt)
		}
		return out[i].ID < out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	st := queue.Stats{Queue: queueName}
	p, err := q.paused(ctx, queueName)
	if err != nil {
		return st, queue.Wrap("stats", queueName, err)
	}
	st.Paused = p
	err = q.scan(ctx, queueName, func(_ string, r *record) error {
		st.Add(r.State, 1)
		return nil
	})
	return st, queue.Wrap("stats", queueName, err)
}

// Claim implements queue.Claimer. The stream message is acked as soon as
// the KV record moves to active; the promoter republishes stalled jobs and
// waiting jobs whose message was acked without the record moving.
func (q *Queue) Claim(ctx context.Context, queueName string) (*queue.Job, error) {
	if p, err := q.paused(ctx, queueName); err != nil || p {
		return nil, queue.Wrap("claim", queueName, err)
	}
	cons, err := q.consumer(ctx, queueName)
	if err != nil {
		return nil, queue.Wrap("claim", queueName, err)
	}
	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(q.opts.PollInterval))
	if err != nil {
		return nil, queue.Wrap("claim", queueName, err)
	}
	for msg := range batch.Messages() {
		key := string(msg.Data())
		now := q.now()
		r, changed, err := q.update(ctx, key, func(r *record) bool {
			if r.State != queue.StateWaiting {
				return false
			}
			r.State = queue.StateActive
			r.UpdatedAt = now
			r.LockedUntil = now.Add(q.opts.VisibilityTimeout)
			return true
		})
		_ = msg.Ack()
		if errors.Is(err, jetstream.ErrKeyNotFound) || (err == nil && !changed) {
			// Removed or already handled; the message is stale.
			continue
		}
		if err != nil {
			return nil, queue.Wrap("claim", queueName, err)
		}
		return &r.Job, nil
	}
	return nil, queue.Wrap("claim", queueName, batch.Error())
}

func (q *Queue) consumer(ctx context.Context, queueName string) (jetstream.Consumer, error) {
	if c, ok := q.consumers.Load(queueName); ok {
		return c.(jetstream.Consumer), nil
	}
	c, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName(queueName),
		FilterSubject: subject(queueName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.VisibilityTimeout,
		MaxDeliver:    1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for queue %s: %w", queueName, err)
	}
	q.consumers.Store(queueName, c)
	return c, nil
}

func (q *Queue) Finish(ctx context.Context, job *queue.Job, runErr error) error {
	_, _, err := q.update(ctx, jobKey(job.Queue, job.ID), func(r *record) bool {
		next := queue.Finished(&r.Job, runErr, q.now())
		r.Job = *next
		r.LockedUntil = time.Time{}
		return true
	})
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return queue.Wrap("finish", job.Queue, err)
}

// Promote publishes due delayed jobs, requeues stalled active ones and
// re-announces waiting jobs nobody claimed within strandedAfter. It returns
// how many jobs were made ready.
func (q *Queue) Promote(ctx context.Context, queueName string) (int, error) {
	now := q.now()
	paused, err := q.paused(ctx, queueName)
	if err != nil {
		return 0, queue.Wrap("promote", queueName, err)
	}
	cutoff := now.Add(-q.strandedAfter())
	var ready, stranded []string
	err = q.scan(ctx, queueName, func(key string, r *record) error {
		switch {
		case r.State == queue.StateDelayed && !r.RunAt.After(now),
			r.State == queue.StateActive && now.After(r.LockedUntil):
			ready = append(ready, key)
		case r.State == queue.StateWaiting && !paused && !r.UpdatedAt.After(cutoff):
			stranded = append(stranded, key)
		}
		return nil
	})
	if err != nil {
		return 0, queue.Wrap("promote", queueName, err)
	}

	n := 0
	for _, key := range ready {
		_, changed, err := q.update(ctx, key, func(r *record) bool {
			due := r.State == queue.StateDelayed && !r.RunAt.After(now)
			stalled := r.State == queue.StateActive && now.After(r.LockedUntil)
			if !due && !stalled {
				return false
			}
			if stalled {
				q.log.Warn("requeueing stalled job", logx.String("queue", queueName), logx.String("job_id", r.ID))
			}
			r.State, r.UpdatedAt, r.LockedUntil = queue.StateWaiting, now, time.Time{}
			return true
		})
		if err != nil || !changed {
			continue
		}
		if err := q.publish(ctx, queueName, key); err != nil {
			return n, queue.Wrap("promote", queueName, err)
		}
		n++
	}
	for _, key := range stranded {
		ok, err := q.republish(ctx, queueName, key, cutoff)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return n, queue.Wrap("promote", queueName, err)
		}
		if ok {
			q.log.Warn("republishing stranded job", logx.String("queue", queueName), logx.String("key", key))
			n++
		}
	}
	return n, nil
}

// Prune deletes finished jobs older than the retention window.
func (q *Queue) Prune(ctx context.Context, queueName string) (int, error) {
	return q.Clean(ctx, queueName, queue.JobFilter{
		States:    []queue.State{queue.StateCompleted, queue.StateFailed},
		OlderThan: q.opts.Retention,
	})
}

func (q *Queue) Consume(ctx context.Context, queueName string, h queue.Handler) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(q.log), supervisor.WithCancelOnError(true))
	sup.Go0("queue."+queueName+".promote", func(ctx context.Context) {
		t := time.NewTicker(q.opts.PollInterval)
		defer t.Stop()
		lastPrune := time.Time{}
		for {
			if _, err := q.Promote(ctx, queueName); err != nil && ctx.Err() == nil {
				q.log.Warn("queue promote failed", logx.Err(err))
			}
			if time.Since(lastPrune) > time.Hour {
				lastPrune = time.Now()
				if n, err := q.Prune(ctx, queueName); err != nil && ctx.Err() == nil {
					q.log.Warn("queue prune failed", logx.Err(err))
				} else if n > 0 {
					q.log.Info("queue pruned", logx.Int("removed", n))
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	})
	sup.Go("queue."+queueName+".pool", func(ctx context.Context) error {
		return queue.RunPool(ctx, queueName, q, h, q.opts, q.log, nil)
	})
	return sup.Wait(context.Background())
}

func (q *Queue) Close() error {
	if q.nc == nil {
		return nil
	}
	return q.nc.Drain()
}
