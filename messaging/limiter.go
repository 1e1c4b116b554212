package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimiterStopped is returned for tasks that cannot run because the
// limiter has been stopped.
var ErrLimiterStopped = errors.New("rate limiter stopped")

const defaultFloodWait = 30 * time.Second

// FloodWaitError is implemented by platform errors that carry an explicit
// retry-after hint from the remote side.
type FloodWaitError interface {
	error
	RetryAfter() time.Duration
}

// floodWait reports whether err is a flood-control rejection and how long
// dispatch should pause. Errors without an explicit hint pause for the
// default window.
func floodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var fw FloodWaitError
	if errors.As(err, &fw) {
		if wait := fw.RetryAfter(); wait > 0 {
			return wait, true
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "flood") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "retry after") {
		return defaultFloodWait, true
	}
	return 0, false
}

type limiterTask struct {
	run    func() error
	result chan error
}

// RateLimiter serializes all outbound platform calls through one leaky
// bucket. A single worker drains the admission queue in arrival order;
// flood-control rejections pause every conversation's dispatch and requeue
// the failed task at the back of the queue.
type RateLimiter struct {
	bucket *rate.Limiter
	logger *slog.Logger

	mu          sync.Mutex
	queue       []*limiterTask
	pausedUntil time.Time
	stopped     bool

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRateLimiter admits permits tasks per window, spaced evenly.
func NewRateLimiter(permits int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if permits <= 0 {
		permits = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		bucket: rate.NewLimiter(rate.Every(window/time.Duration(permits)), 1),
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the drain worker. It must be called exactly once.
func (l *RateLimiter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.drain(ctx)
}

// Stop halts the worker and fails every task still queued.
func (l *RateLimiter) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
		<-l.done
	}

	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, t := range pending {
		t.result <- ErrLimiterStopped
	}
}

// Enqueue submits fn and blocks until it has run (including any flood-wait
// retries), returning its final result.
func (l *RateLimiter) Enqueue(ctx context.Context, fn func() error) error {
	t := &limiterTask{run: fn, result: make(chan error, 1)}
	if err := l.submit(t); err != nil {
		return err
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FireAndForget submits fn without waiting for its result; a non-flood
// failure is logged and dropped.
func (l *RateLimiter) FireAndForget(fn func() error) {
	t := &limiterTask{run: fn, result: make(chan error, 1)}
	if err := l.submit(t); err != nil {
		return
	}
	go func() {
		if err := <-t.result; err != nil {
			l.logger.Warn("limiter_task_failed", "error", err)
		}
	}()
}

// FloodPaused reports whether dispatch is currently paused by flood control.
func (l *RateLimiter) FloodPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.pausedUntil)
}

// QueueLen reports the number of tasks awaiting dispatch.
func (l *RateLimiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *RateLimiter) submit(t *limiterTask) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLimiterStopped
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

func (l *RateLimiter) pop() *limiterTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	t := l.queue[0]
	l.queue = l.queue[1:]
	return t
}

func (l *RateLimiter) drain(ctx context.Context) {
	defer close(l.done)
	for {
		t := l.pop()
		if t == nil {
			select {
			case <-l.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := l.bucket.Wait(ctx); err != nil {
			t.result <- ErrLimiterStopped
			return
		}
		err := t.run()
		wait, flooded := floodWait(err)
		if !flooded {
			t.result <- err
			continue
		}

		l.logger.Warn("limiter_flood_wait", "wait", wait, "error", err)
		l.mu.Lock()
		l.pausedUntil = time.Now().Add(wait)
		l.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			t.result <- ErrLimiterStopped
			return
		}
		// the retried task loses its original position
		if err := l.submit(t); err != nil {
			t.result <- err
		}
	}
}
