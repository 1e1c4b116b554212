package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// QueuedMessage is one conversational turn waiting for (or holding) the
// single in-flight slot of its conversation.
type QueuedMessage struct {
	Message         IncomingMessage
	SessionID       string
	StatusMessageID string
	QueuedAt        time.Time
}

// Processor runs one turn. ctx is cancelled when the conversation is
// cancelled; the processor must treat that as a terminal, reportable state.
type Processor func(ctx context.Context, sessionID string, msg QueuedMessage)

type queuedItem struct {
	msg  QueuedMessage
	proc Processor
}

type sessionQueue struct {
	busy       bool
	fifo       []queuedItem
	cancel     context.CancelFunc
	runID      uint64
	lastActive time.Time
}

// QueueManager enforces single-flight per conversation: at most one
// processor runs per session id, later messages wait in FIFO order. One
// mutex guards every queue mutation so a finishing processor and a new
// enqueue can never both claim the in-flight slot.
type QueueManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionQueue
}

func NewQueueManager(logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{
		logger:   logger,
		sessions: make(map[string]*sessionQueue),
	}
}

// Enqueue starts proc immediately when the conversation is idle (returns
// false) or appends msg to its FIFO (returns true).
func (q *QueueManager) Enqueue(sessionID string, msg QueuedMessage, proc Processor) bool {
	q.mu.Lock()
	sq := q.sessions[sessionID]
	if sq == nil {
		sq = &sessionQueue{}
		q.sessions[sessionID] = sq
	}
	sq.lastActive = time.Now()
	if sq.busy {
		sq.fifo = append(sq.fifo, queuedItem{msg: msg, proc: proc})
		size := len(sq.fifo)
		q.mu.Unlock()
		q.logger.Debug("queue_task_queued", "session_id", sessionID, "queue_size", size)
		return true
	}
	sq.busy = true
	sq.runID++
	runID := sq.runID
	ctx, cancel := context.WithCancel(context.Background())
	sq.cancel = cancel
	q.mu.Unlock()

	go q.run(ctx, cancel, sessionID, runID, msg, proc)
	return false
}

// run owns the conversation's busy slot until its FIFO drains or the
// conversation is cancelled (runID mismatch).
func (q *QueueManager) run(ctx context.Context, cancel context.CancelFunc, sessionID string, runID uint64, msg QueuedMessage, proc Processor) {
	defer cancel()
	for {
		q.invoke(ctx, sessionID, msg, proc)

		q.mu.Lock()
		sq, ok := q.sessions[sessionID]
		if !ok || sq.runID != runID {
			q.mu.Unlock()
			return
		}
		if len(sq.fifo) == 0 {
			sq.busy = false
			sq.cancel = nil
			sq.lastActive = time.Now()
			q.mu.Unlock()
			return
		}
		next := sq.fifo[0]
		sq.fifo = sq.fifo[1:]
		sq.lastActive = time.Now()
		q.mu.Unlock()
		msg, proc = next.msg, next.proc
	}
}

func (q *QueueManager) invoke(ctx context.Context, sessionID string, msg QueuedMessage, proc Processor) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue_processor_panic", "session_id", sessionID, "panic", r)
		}
	}()
	proc(ctx, sessionID, msg)
}

// IsSessionBusy reports whether a processor is in flight for sessionID.
func (q *QueueManager) IsSessionBusy(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq := q.sessions[sessionID]
	return sq != nil && sq.busy
}

// GetQueueSize reports how many messages wait behind the in-flight turn.
func (q *QueueManager) GetQueueSize(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq := q.sessions[sessionID]
	if sq == nil {
		return 0
	}
	return len(sq.fifo)
}

// CancelSession cancels the in-flight turn (if any), drains the FIFO and
// marks the conversation free. It returns the messages that never ran.
func (q *QueueManager) CancelSession(sessionID string) []QueuedMessage {
	q.mu.Lock()
	sq := q.sessions[sessionID]
	if sq == nil {
		q.mu.Unlock()
		return nil
	}
	cancel := sq.cancel
	drained := make([]QueuedMessage, 0, len(sq.fifo))
	for _, item := range sq.fifo {
		drained = append(drained, item.msg)
	}
	sq.fifo = nil
	sq.busy = false
	sq.cancel = nil
	sq.runID++
	sq.lastActive = time.Now()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if len(drained) == 0 && cancel == nil {
		return nil
	}
	q.logger.Info("queue_session_cancelled", "session_id", sessionID, "dropped", len(drained))
	return drained
}

// CancelAll cancels every conversation and returns all messages that were
// still queued across the whole manager.
func (q *QueueManager) CancelAll() []QueuedMessage {
	q.mu.Lock()
	ids := make([]string, 0, len(q.sessions))
	for id := range q.sessions {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	var drained []QueuedMessage
	for _, id := range ids {
		drained = append(drained, q.CancelSession(id)...)
	}
	return drained
}

// Evict removes bookkeeping for conversations that have been idle for at
// least idleFor. Busy or non-empty conversations are never evicted.
func (q *QueueManager) Evict(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := 0
	for id, sq := range q.sessions {
		if sq.busy || len(sq.fifo) > 0 {
			continue
		}
		if sq.lastActive.Before(cutoff) {
			delete(q.sessions, id)
			evicted++
		}
	}
	return evicted
}
