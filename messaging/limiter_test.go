package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type retryAfterError struct {
	wait time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.wait)
}

func (e *retryAfterError) RetryAfter() time.Duration { return e.wait }

func newTestLimiter(t *testing.T, permits int, window time.Duration) *RateLimiter {
	t.Helper()
	l := NewRateLimiter(permits, window, nil)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func TestFloodWaitDetection(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    time.Duration
		flooded bool
	}{
		{"nil", nil, 0, false},
		{"plain error", errors.New("connection reset"), 0, false},
		{"flood keyword", errors.New("FLOOD_WAIT_42"), defaultFloodWait, true},
		{"too many requests", errors.New("Too Many Requests"), defaultFloodWait, true},
		{"retry after keyword", errors.New("please retry after some time"), defaultFloodWait, true},
		{"explicit hint", &retryAfterError{wait: 7 * time.Second}, 7 * time.Second, true},
		{"hint without duration", &retryAfterError{}, defaultFloodWait, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wait, flooded := floodWait(tt.err)
			if flooded != tt.flooded || wait != tt.want {
				t.Fatalf("floodWait(%v) = (%v, %v), want (%v, %v)", tt.err, wait, flooded, tt.want, tt.flooded)
			}
		})
	}
}

func TestRateLimiterSerializesInOrder(t *testing.T) {
	l := newTestLimiter(t, 100, time.Second)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			// stagger submissions so arrival order is deterministic
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			_ = l.Enqueue(context.Background(), func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("task %d ran at position %d", got, i)
		}
	}
}

func TestRateLimiterPacing(t *testing.T) {
	// 1 permit per 2 units: five tasks complete no earlier than 8 units
	const unit = 25 * time.Millisecond
	l := newTestLimiter(t, 1, 2*unit)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Enqueue(context.Background(), func() error { return nil })
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 8*unit {
		t.Fatalf("5 tasks finished in %v, want >= %v", elapsed, 8*unit)
	}
}

func TestRateLimiterFloodRetry(t *testing.T) {
	l := newTestLimiter(t, 100, time.Second)

	var mu sync.Mutex
	attempts := 0
	err := l.Enqueue(context.Background(), func() error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return &retryAfterError{wait: 30 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue() = %v, want eventual success", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("task ran %d times, want 2", attempts)
	}
}

func TestRateLimiterFloodPausesDispatch(t *testing.T) {
	l := newTestLimiter(t, 100, time.Second)

	flooded := make(chan struct{})
	calls := 0
	l.FireAndForget(func() error {
		calls++
		if calls == 1 {
			close(flooded)
			return &retryAfterError{wait: 60 * time.Millisecond}
		}
		return nil
	})

	<-flooded
	waitFor(t, time.Second, func() bool { return l.FloodPaused() })

	// a task submitted during the pause only runs after it lifts
	start := time.Now()
	if err := l.Enqueue(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("task ran %v after submit, want dispatch paused ~60ms", elapsed)
	}
}

func TestRateLimiterNonFloodErrorSurfaces(t *testing.T) {
	l := newTestLimiter(t, 100, time.Second)

	boom := errors.New("boom")
	if err := l.Enqueue(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Enqueue() = %v, want %v", err, boom)
	}
	if l.FloodPaused() {
		t.Fatal("non-flood error paused the bucket")
	}
}

func TestRateLimiterStop(t *testing.T) {
	l := NewRateLimiter(100, time.Second, nil)
	l.Start()
	l.Stop()
	if err := l.Enqueue(context.Background(), func() error { return nil }); !errors.Is(err, ErrLimiterStopped) {
		t.Fatalf("Enqueue() after Stop = %v, want %v", err, ErrLimiterStopped)
	}
}
