// Package queue serializes commands per key. Commands sharing a key run one
// at a time in submission order; different keys progress independently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultIdleTimeout = 30 * time.Second

var ErrClosed = errors.New("queue closed")

type Options struct {
	// IdleTimeout is how long a key's worker stays alive with nothing queued.
	IdleTimeout time.Duration
}

type job struct {
	ctx       context.Context
	name      string
	fn        func(context.Context) error
	submitted time.Time
	done      chan error
}

type worker struct {
	key  string
	jobs []*job
	wake chan struct{}
}

type Queue struct {
	idle time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup

	duration metric.Float64Histogram
}

func New(opts Options) *Queue {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	q := &Queue{
		idle:    idle,
		workers: map[string]*worker{},
		closing: make(chan struct{}),
	}
	hist, err := otel.Meter("repowatch/queue").Float64Histogram("repowatch.queue.command_duration",
		metric.WithDescription("Duration of queued repository commands"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("queue metrics disabled", slog.Any("error", err))
	}
	q.duration = hist
	return q
}

// Submit queues fn behind every command already submitted for key and blocks
// until it has run or ctx is done. A command whose ctx is done before its
// turn is skipped. Failed commands are not retried.
func (q *Queue) Submit(ctx context.Context, key, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j := &job{
		ctx:       ctx,
		name:      name,
		fn:        fn,
		submitted: time.Now(),
		done:      make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	w, ok := q.workers[key]
	if !ok {
		w = &worker{key: key, wake: make(chan struct{}, 1)}
		q.workers[key] = w
		q.wg.Add(1)
		go q.run(w)
	}
	w.jobs = append(w.jobs, j)
	q.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(w *worker) {
	defer q.wg.Done()
	timer := time.NewTimer(q.idle)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(w.jobs) > 0 {
			j := w.jobs[0]
			w.jobs[0] = nil
			w.jobs = w.jobs[1:]
			q.mu.Unlock()
			q.execute(w.key, j)
			continue
		}
		if q.closed {
			delete(q.workers, w.key)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		timer.Reset(q.idle)
		select {
		case <-w.wake:
		case <-q.closing:
		case <-timer.C:
			// Only retire when nothing was queued in the meantime; Submit
			// appends under the same lock.
			q.mu.Lock()
			if len(w.jobs) == 0 {
				delete(q.workers, w.key)
				q.mu.Unlock()
				slog.Debug("queue worker idle", slog.String("key", w.key))
				return
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) execute(key string, j *job) {
	if err := j.ctx.Err(); err != nil {
		slog.Debug("queued command skipped",
			slog.String("key", key),
			slog.String("command", j.name),
			slog.Any("error", err),
		)
		j.done <- err
		return
	}
	start := time.Now()
	err := call(j)
	elapsed := time.Since(start)
	if q.duration != nil {
		q.duration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(
			attribute.String("command", j.name),
			attribute.Bool("ok", err == nil),
		))
	}
	if err != nil {
		slog.Warn("queued command failed",
			slog.String("key", key),
			slog.String("command", j.name),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
	} else {
		slog.Debug("queued command done",
			slog.String("key", key),
			slog.String("command", j.name),
			slog.Duration("waited", start.Sub(j.submitted)),
			slog.Duration("elapsed", elapsed),
		)
	}
	j.done <- err
}

func call(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", j.name, r)
		}
	}()
	return j.fn(j.ctx)
}

type Stats struct {
	Workers int
	Pending map[string]int
}

// Stats reports live workers and the commands still waiting per key. The
// command currently running for a key is not counted as pending.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{Workers: len(q.workers), Pending: make(map[string]int, len(q.workers))}
	for key, w := range q.workers {
		if len(w.jobs) > 0 {
			st.Pending[key] = len(w.jobs)
		}
	}
	return st
}

// Close rejects new submissions and waits for queued commands to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.closing)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
