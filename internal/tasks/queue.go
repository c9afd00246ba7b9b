// Package tasks runs background work with retries and an outbound rate limit.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mind-engage/mindengage-lti-tool/internal/obs"
)

var ErrClosed = errors.New("tasks: queue closed")

// Func is one unit of work. Returning an error schedules a retry; wrap it
// with backoff.Permanent to give up immediately.
type Func func(ctx context.Context) error

type Options struct {
	Workers         int
	Buffer          int
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RatePerSecond limits attempts across all workers; zero disables.
	RatePerSecond float64
	// DrainTimeout bounds how long Stop waits for queued tasks before
	// cancelling them; zero waits until the queue is empty.
	DrainTimeout time.Duration
}

type task struct {
	name string
	fn   Func
}

type Queue struct {
	opts    Options
	log     logrus.FieldLogger
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	ch     chan task
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(opts Options, log logrus.FieldLogger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = time.Minute
	}
	q := &Queue{opts: opts, log: log, ch: make(chan task, opts.Buffer)}
	if opts.RatePerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Workers)
	}
	return q
}

// Start launches the workers. Tasks run on a context that keeps ctx's
// values but outlives its cancellation; only Stop ends it, after draining.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.ch {
				q.run(ctx, t)
			}
		}()
	}
}

// Enqueue schedules fn, blocking while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, name string, fn Func) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- task{name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work and waits for queued tasks to finish. Past
// DrainTimeout the remaining tasks see a cancelled context.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	if q.opts.DrainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(q.opts.DrainTimeout):
			q.log.WithField("timeout", q.opts.DrainTimeout.String()).Warn("task queue drain timed out, cancelling")
			if cancel != nil {
				cancel()
			}
			<-done
		}
	} else {
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) run(ctx context.Context, t task) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialInterval
	b.MaxInterval = q.opts.MaxInterval
	b.Reset()

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		err := t.fn(ctx)
		obs.TaskRuns.WithLabelValues(t.name, obs.Outcome(err)).Inc()
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(q.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			q.log.WithError(err).WithFields(logrus.Fields{"task": t.name, "attempt": attempt, "retry_in": d.String()}).
				Warn("task failed, retrying")
		}),
	)
	if err != nil {
		q.log.WithError(err).WithFields(logrus.Fields{"task": t.name, "attempts": attempt}).Error("task failed permanently")
	}
}
