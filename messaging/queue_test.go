package messaging

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestQueueManagerStartsIdleSessionImmediately(t *testing.T) {
	q := NewQueueManager(nil)
	ran := make(chan string, 1)

	queued := q.Enqueue("s1", QueuedMessage{SessionID: "s1"}, func(ctx context.Context, sessionID string, msg QueuedMessage) {
		ran <- sessionID
	})
	if queued {
		t.Fatalf("Enqueue() on idle session = queued, want started")
	}
	select {
	case got := <-ran:
		if got != "s1" {
			t.Fatalf("processor session = %q, want %q", got, "s1")
		}
	case <-time.After(time.Second):
		t.Fatal("processor never ran")
	}
	waitFor(t, time.Second, func() bool { return !q.IsSessionBusy("s1") })
}

func TestQueueManagerFIFOWhileBusy(t *testing.T) {
	q := NewQueueManager(nil)
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	proc := func(ctx context.Context, sessionID string, msg QueuedMessage) {
		if msg.Message.Text == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, msg.Message.Text)
		mu.Unlock()
	}

	if q.Enqueue("s1", QueuedMessage{Message: IncomingMessage{Text: "first"}}, proc) {
		t.Fatal("first Enqueue() = queued, want started")
	}
	waitFor(t, time.Second, func() bool { return q.IsSessionBusy("s1") })
	if !q.Enqueue("s1", QueuedMessage{Message: IncomingMessage{Text: "second"}}, proc) {
		t.Fatal("second Enqueue() = started, want queued")
	}
	if !q.Enqueue("s1", QueuedMessage{Message: IncomingMessage{Text: "third"}}, proc) {
		t.Fatal("third Enqueue() = started, want queued")
	}
	if got := q.GetQueueSize("s1"); got != 2 {
		t.Fatalf("GetQueueSize() = %d, want 2", got)
	}

	close(release)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, text := range want {
		if order[i] != text {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], text)
		}
	}
	if q.IsSessionBusy("s1") {
		t.Fatal("session still busy after drain")
	}
}

func TestQueueManagerCancelSession(t *testing.T) {
	q := NewQueueManager(nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})

	q.Enqueue("s1", QueuedMessage{}, func(ctx context.Context, sessionID string, msg QueuedMessage) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started
	noop := func(ctx context.Context, sessionID string, msg QueuedMessage) {}
	q.Enqueue("s1", QueuedMessage{Message: IncomingMessage{Text: "queued-1"}}, noop)
	q.Enqueue("s1", QueuedMessage{Message: IncomingMessage{Text: "queued-2"}}, noop)

	drained := q.CancelSession("s1")
	if len(drained) != 2 {
		t.Fatalf("CancelSession() drained %d messages, want 2", len(drained))
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight processor never observed cancellation")
	}
	if q.IsSessionBusy("s1") {
		t.Fatal("session busy after cancel")
	}
}

func TestQueueManagerCancelAll(t *testing.T) {
	q := NewQueueManager(nil)
	release := make(chan struct{})
	proc := func(ctx context.Context, sessionID string, msg QueuedMessage) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	q.Enqueue("a", QueuedMessage{}, proc)
	q.Enqueue("b", QueuedMessage{}, proc)
	waitFor(t, time.Second, func() bool { return q.IsSessionBusy("a") && q.IsSessionBusy("b") })
	q.Enqueue("a", QueuedMessage{Message: IncomingMessage{Text: "qa"}}, proc)
	q.Enqueue("b", QueuedMessage{Message: IncomingMessage{Text: "qb1"}}, proc)
	q.Enqueue("b", QueuedMessage{Message: IncomingMessage{Text: "qb2"}}, proc)

	drained := q.CancelAll()
	if len(drained) != 3 {
		t.Fatalf("CancelAll() drained %d messages, want 3", len(drained))
	}
	if q.IsSessionBusy("a") || q.IsSessionBusy("b") {
		t.Fatal("sessions busy after CancelAll")
	}
	close(release)
}

func TestQueueManagerCancelUnknownSession(t *testing.T) {
	q := NewQueueManager(nil)
	if drained := q.CancelSession("nope"); drained != nil {
		t.Fatalf("CancelSession(unknown) = %v, want nil", drained)
	}
}

func TestQueueManagerProcessorPanicFreesSession(t *testing.T) {
	q := NewQueueManager(nil)
	q.Enqueue("s1", QueuedMessage{}, func(ctx context.Context, sessionID string, msg QueuedMessage) {
		panic("boom")
	})
	waitFor(t, time.Second, func() bool { return !q.IsSessionBusy("s1") })

	// the conversation must still accept new work
	ran := make(chan struct{})
	q.Enqueue("s1", QueuedMessage{}, func(ctx context.Context, sessionID string, msg QueuedMessage) {
		close(ran)
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("session wedged after processor panic")
	}
}

func TestQueueManagerEvict(t *testing.T) {
	q := NewQueueManager(nil)
	done := make(chan struct{})
	q.Enqueue("old", QueuedMessage{}, func(ctx context.Context, sessionID string, msg QueuedMessage) {
		close(done)
	})
	<-done
	waitFor(t, time.Second, func() bool { return !q.IsSessionBusy("old") })

	hold := make(chan struct{})
	defer close(hold)
	q.Enqueue("busy", QueuedMessage{}, func(ctx context.Context, sessionID string, msg QueuedMessage) {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	})
	waitFor(t, time.Second, func() bool { return q.IsSessionBusy("busy") })

	time.Sleep(20 * time.Millisecond)
	if got := q.Evict(10 * time.Millisecond); got != 1 {
		t.Fatalf("Evict() = %d, want 1", got)
	}
	if !q.IsSessionBusy("busy") {
		t.Fatal("busy session evicted")
	}
}
