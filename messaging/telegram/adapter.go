// Package telegram is the Telegram Bot API adapter: long polling for
// inbound messages, sendMessage/editMessageText for outbound.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/agentgate/messaging"
)

const defaultPollTimeout = 30 * time.Second

type Config struct {
	Token       string
	BaseURL     string
	PollTimeout time.Duration
	// AllowedChatIDs restricts inbound processing; empty allows every chat.
	AllowedChatIDs []int64
	HTTPClient     *http.Client
}

// Adapter implements messaging.Platform over the Telegram Bot API.
type Adapter struct {
	cfg     Config
	api     *api
	logger  *slog.Logger
	allowed map[int64]bool

	mu        sync.Mutex
	handler   messaging.MessageHandler
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]bool, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		allowed[id] = true
	}
	return &Adapter{
		cfg:     cfg,
		api:     newAPI(cfg.HTTPClient, cfg.BaseURL, cfg.Token),
		logger:  logger,
		allowed: allowed,
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) OnMessage(handler messaging.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Start validates the token with getMe and launches the long-poll loop.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.api.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe failed: %w", err)
	}
	a.logger.Info("telegram_start", "bot", me.Username, "bot_id", me.ID)

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.connected = true
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.pollLoop(loopCtx)
	return nil
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	a.logger.Info("telegram_stop")
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)
	var offset int64
	for {
		updates, next, err := a.api.getUpdates(ctx, offset, a.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isPollTimeoutError(err) {
				continue
			}
			a.logger.Warn("telegram_poll_error", "error", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		offset = next
		for _, u := range updates {
			a.dispatch(ctx, u)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, u update) {
	m := u.Message
	if m == nil || m.Chat == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	if m.From != nil && m.From.IsBot {
		return
	}
	if len(a.allowed) > 0 && !a.allowed[m.Chat.ID] {
		a.logger.Debug("telegram_chat_rejected", "chat_id", m.Chat.ID)
		return
	}

	incoming := messaging.IncomingMessage{
		Platform:  a.Name(),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.FormatInt(m.MessageID, 10),
		Text:      m.Text,
	}
	if m.From != nil {
		incoming.SenderID = strconv.FormatInt(m.From.ID, 10)
	}
	if m.ReplyTo != nil {
		incoming.ReplyToMessageID = strconv.FormatInt(m.ReplyTo.MessageID, 10)
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	// handlers do their own queueing; don't block the poll loop
	go handler(ctx, incoming)
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, replyTo string, mode messaging.ParseMode) (string, error) {
	chat, err := parseID(chatID)
	if err != nil {
		return "", err
	}
	var replyID int64
	if replyTo != "" {
		if replyID, err = parseID(replyTo); err != nil {
			return "", err
		}
	}

	msg, err := a.api.sendMessage(ctx, chat, text, parseModeString(mode), replyID)
	if isMarkdownParseError(err) {
		a.logger.Warn("telegram_markdown_fallback", "error", err)
		msg, err = a.api.sendMessage(ctx, chat, text, "", replyID)
	}
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("telegram sendMessage: empty result")
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string, mode messaging.ParseMode) error {
	chat, err := parseID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseID(messageID)
	if err != nil {
		return err
	}

	err = a.api.editMessageText(ctx, chat, msgID, text, parseModeString(mode))
	if isMarkdownParseError(err) {
		a.logger.Warn("telegram_markdown_fallback", "error", err)
		err = a.api.editMessageText(ctx, chat, msgID, text, "")
	}
	if isNotModifiedError(err) {
		return nil
	}
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram id %q: %w", s, err)
	}
	return id, nil
}

func parseModeString(mode messaging.ParseMode) string {
	if mode == messaging.ParseModeMarkdown {
		return "Markdown"
	}
	return ""
}

func isNotModifiedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
