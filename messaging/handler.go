package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/agentgate/cli"
	"github.com/quailyquaily/agentgate/store"
)

const (
	thinkingDisplayLimit = 1200
	messageDisplayLimit  = 3800
	errorNoteLimit       = 200
	defaultUIThrottle    = time.Second
)

// statusPrefixes mark messages the gateway itself produced. Inbound text
// starting with one of these is dropped so the handler never reacts to its
// own status edits echoed back by a platform.
var statusPrefixes = []string{"⏳", "💭", "🔧", "✅", "❌", "🚀", "🤖", "📋", "📊", "🔄"}

type partKind int

const (
	partThinking partKind = iota
	partContent
	partTool
	partSubagent
	partError
)

type displayPart struct {
	kind    partKind
	content string
}

// Handler drives one conversational turn per queued message: it resolves
// replies to sessions, anchors a status message, streams backend events
// into a display buffer and edits the status message in place.
type Handler struct {
	platform Platform
	cliMgr   *cli.Manager
	store    store.SessionStore
	queue    *QueueManager
	limiter  *RateLimiter
	logger   *slog.Logger
	throttle time.Duration
}

func NewHandler(platform Platform, cliMgr *cli.Manager, sessionStore store.SessionStore, queue *QueueManager, limiter *RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		platform: platform,
		cliMgr:   cliMgr,
		store:    sessionStore,
		queue:    queue,
		limiter:  limiter,
		logger:   logger,
		throttle: defaultUIThrottle,
	}
}

// SetUIThrottle overrides the minimum interval between unforced UI edits.
func (h *Handler) SetUIThrottle(d time.Duration) {
	if d > 0 {
		h.throttle = d
	}
}

// HandleMessage is the entry point registered with the platform adapter.
func (h *Handler) HandleMessage(ctx context.Context, incoming IncomingMessage) {
	text := strings.TrimSpace(incoming.Text)
	switch text {
	case "/stop":
		h.handleStop(ctx, incoming)
		return
	case "/stats":
		h.handleStats(ctx, incoming)
		return
	}
	for _, prefix := range statusPrefixes {
		if strings.HasPrefix(text, prefix) {
			return
		}
	}

	var resumeID string
	if incoming.IsReply() {
		id, err := h.store.GetSessionByMessage(ctx, incoming.ChatID, incoming.ReplyToMessageID, incoming.Platform)
		if err != nil {
			h.logger.Error("session_lookup_failed", "error", err)
		} else if id != "" {
			resumeID = id
			h.logger.Info("session_resumed_from_reply", "session_id", resumeID)
		}
	}

	statusMsgID, err := h.send(ctx, incoming.ChatID, h.initialStatus(resumeID), incoming.MessageID)
	if err != nil {
		h.logger.Error("status_message_failed", "chat_id", incoming.ChatID, "error", err)
		return
	}

	queueID := resumeID
	if queueID == "" {
		// pre-register the provisional session so a reply arriving before
		// the turn finishes still resolves to it
		queueID = cli.ProvisionalIDPrefix + incoming.MessageID
		if err := h.store.SaveSession(ctx, queueID, incoming.ChatID, incoming.MessageID, incoming.Platform); err != nil {
			h.logger.Error("session_save_failed", "session_id", queueID, "error", err)
		}
		if err := h.store.UpdateLastMessage(ctx, queueID, statusMsgID); err != nil {
			h.logger.Error("session_update_failed", "session_id", queueID, "error", err)
		}
	}

	queued := h.queue.Enqueue(queueID, QueuedMessage{
		Message:         incoming,
		SessionID:       queueID,
		StatusMessageID: statusMsgID,
		QueuedAt:        time.Now(),
	}, h.processTask)
	if queued {
		h.logger.Info("message_queued", "session_id", queueID, "queue_size", h.queue.GetQueueSize(queueID))
	}
}

// processTask runs one turn against the backend CLI and streams its events
// into the status message.
func (h *Handler) processTask(ctx context.Context, sessionID string, queued QueuedMessage) {
	incoming := queued.Message
	chatID := incoming.ChatID
	statusMsgID := queued.StatusMessageID

	var parts []displayPart
	var lastFlush time.Time

	capturedID := ""
	provisionalID := ""
	if cli.IsProvisionalID(sessionID) {
		provisionalID = sessionID
	} else {
		capturedID = sessionID
	}

	flush := func(status string, force bool) {
		if h.limiter.FloodPaused() {
			return
		}
		now := time.Now()
		if !force && !lastFlush.IsZero() && now.Sub(lastFlush) < h.throttle {
			return
		}
		display := buildMessage(parts, status)
		if display == "" {
			return
		}
		if err := h.edit(chatID, statusMsgID, display); err != nil {
			h.logger.Error("ui_update_failed", "chat_id", chatID, "error", err)
			return
		}
		lastFlush = now
	}

	// a fold into a new part kind is a transition worth showing at once;
	// appends to the trailing part stay behind the throttle
	transition := func(kind partKind) bool {
		return len(parts) == 0 || parts[len(parts)-1].kind != kind
	}

	session, resolvedID, isNew, err := h.cliMgr.GetOrCreateSession(capturedID)
	if err != nil {
		parts = append(parts, displayPart{partError, err.Error()})
		flush("⏳ **Session limit reached**", true)
		return
	}
	if isNew {
		provisionalID = resolvedID
	} else {
		capturedID = resolvedID
	}

	events, err := session.StartTask(ctx, incoming.Text, capturedID)
	if err != nil {
		parts = append(parts, displayPart{partError, truncateNote(err.Error())})
		flush("💥 **Task Failed**", true)
		return
	}

	for ev := range events {
		if ctx.Err() != nil {
			break
		}
		if ev.Type == cli.EventSessionInfo {
			h.promoteSession(ev.SessionID, &capturedID, provisionalID, incoming)
			continue
		}
		chunk := cli.ParseEvent(ev)
		if chunk == nil {
			continue
		}
		switch chunk.Kind {
		case cli.ChunkThinking:
			force := transition(partThinking)
			parts = append(parts, displayPart{partThinking, chunk.Thinking})
			flush("🧠 **Thinking...**", force)

		case cli.ChunkContent:
			if chunk.Thinking != "" {
				parts = append(parts, displayPart{partThinking, chunk.Thinking})
			}
			if chunk.Text != "" {
				force := transition(partContent)
				if n := len(parts); n > 0 && parts[n-1].kind == partContent {
					parts[n-1].content += chunk.Text
				} else {
					parts = append(parts, displayPart{partContent, chunk.Text})
				}
				flush("🧠 **Working...**", force)
			}

		case cli.ChunkToolStart:
			names := make([]string, 0, len(chunk.Tools))
			for _, tool := range chunk.Tools {
				names = append(names, tool.Name)
			}
			force := transition(partTool)
			parts = append(parts, displayPart{partTool, strings.Join(names, ", ")})
			flush("⏳ **Executing tools...**", force)

		case cli.ChunkSubagentStart:
			force := transition(partSubagent)
			parts = append(parts, displayPart{partSubagent, strings.Join(chunk.Tasks, ", ")})
			flush("🚀 **Launching sub-agents...**", force)

		case cli.ChunkError:
			parts = append(parts, displayPart{partError, chunk.Message})
			flush("❌ **Error**", true)

		case cli.ChunkComplete:
			if len(parts) == 0 {
				parts = append(parts, displayPart{partContent, "Done."})
			}
			status := "✅ **Complete**"
			if chunk.Status == cli.StatusFailed {
				status = "❌ **Failed**"
			}
			flush(status, true)
			if capturedID != "" {
				if err := h.store.UpdateLastMessage(context.Background(), capturedID, statusMsgID); err != nil {
					h.logger.Error("session_update_failed", "session_id", capturedID, "error", err)
				}
			}
		}
	}

	if ctx.Err() != nil {
		for range events {
			// drain so the session goroutine can finish
		}
		parts = append(parts, displayPart{partError, "Task was cancelled"})
		flush("❌ **Cancelled**", true)
	}
}

// promoteSession swaps the provisional session id for the durable one the
// backend announced, in both the CLI manager and the session store.
func (h *Handler) promoteSession(realID string, capturedID *string, provisionalID string, incoming IncomingMessage) {
	if realID == "" || provisionalID == "" {
		return
	}
	h.cliMgr.RegisterRealSessionID(provisionalID, realID)
	*capturedID = realID
	if err := h.store.SaveSession(context.Background(), realID, incoming.ChatID, incoming.MessageID, incoming.Platform); err != nil {
		h.logger.Error("session_save_failed", "session_id", realID, "error", err)
	}
	h.logger.Info("cli_session_promoted", "provisional_id", provisionalID, "session_id", realID)
}

func (h *Handler) initialStatus(resumeID string) string {
	if resumeID != "" {
		if h.queue.IsSessionBusy(resumeID) {
			position := h.queue.GetQueueSize(resumeID) + 1
			return fmt.Sprintf("📋 **Queued** (position %d) - waiting...", position)
		}
		return "🔄 **Continuing conversation...**"
	}
	stats := h.cliMgr.GetStats()
	if stats.ActiveSessions >= stats.MaxSessions {
		return fmt.Sprintf("⏳ **Waiting for slot...** (%d/%d)", stats.ActiveSessions, stats.MaxSessions)
	}
	return "⏳ **Launching new agent session...**"
}

func (h *Handler) handleStop(ctx context.Context, incoming IncomingMessage) {
	cancelled := h.queue.CancelAll()
	h.cliMgr.StopAll()
	text := fmt.Sprintf("⏹ **Stopped.** Cancelled %d pending messages.", len(cancelled))
	if _, err := h.send(ctx, incoming.ChatID, text, incoming.MessageID); err != nil {
		h.logger.Error("command_reply_failed", "command", "/stop", "error", err)
	}
}

func (h *Handler) handleStats(ctx context.Context, incoming IncomingMessage) {
	stats := h.cliMgr.GetStats()
	text := fmt.Sprintf("📊 **Stats**\n• Active: %d\n• Max: %d", stats.ActiveSessions, stats.MaxSessions)
	if _, err := h.send(ctx, incoming.ChatID, text, incoming.MessageID); err != nil {
		h.logger.Error("command_reply_failed", "command", "/stats", "error", err)
	}
}

// send routes an outbound message through the global rate limiter.
func (h *Handler) send(ctx context.Context, chatID, text, replyTo string) (string, error) {
	var messageID string
	err := h.limiter.Enqueue(ctx, func() error {
		var err error
		messageID, err = h.platform.SendMessage(context.Background(), chatID, text, replyTo, ParseModeMarkdown)
		return err
	})
	return messageID, err
}

// edit routes a status-message edit through the global rate limiter. It
// deliberately ignores the turn's context so terminal states (cancelled,
// failed) still reach the user.
func (h *Handler) edit(chatID, messageID, text string) error {
	return h.limiter.Enqueue(context.Background(), func() error {
		return h.platform.EditMessage(context.Background(), chatID, messageID, text, ParseModeMarkdown)
	})
}

func truncateNote(s string) string {
	r := []rune(s)
	if len(r) <= errorNoteLimit {
		return s
	}
	return string(r[:errorNoteLimit])
}

// buildMessage renders the display buffer into one outbound message. Long
// renders are truncated from the front, keeping the tail, and a dangling
// code fence is closed so the message stays well-formed.
func buildMessage(parts []displayPart, status string) string {
	var lines []string
	if status != "" {
		lines = append(lines, status, "")
	}
	for _, p := range parts {
		switch p.kind {
		case partThinking:
			display := p.content
			if r := []rune(display); len(r) > thinkingDisplayLimit {
				display = string(r[:thinkingDisplayLimit]) + "..."
			}
			lines = append(lines, "💭 **Thinking:**\n```\n"+display+"\n```")
		case partTool:
			lines = append(lines, "🔧 **Tools:** `"+p.content+"`")
		case partSubagent:
			lines = append(lines, "🚀 **Sub-agents:** "+p.content)
		case partContent:
			lines = append(lines, p.content)
		case partError:
			lines = append(lines, "⚠️ "+p.content)
		}
	}
	result := strings.Join(lines, "\n")
	if r := []rune(result); len(r) > messageDisplayLimit {
		result = "..." + string(r[len(r)-(messageDisplayLimit-5):])
		if strings.Count(result, "```")%2 != 0 {
			result += "\n```"
		}
	}
	return result
}
