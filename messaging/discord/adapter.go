// Package discord is the Discord adapter: a gateway websocket for inbound
// messages, REST calls for outbound sends and edits.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quailyquaily/agentgate/messaging"
)

type Config struct {
	Token   string
	BaseURL string
	// GatewayURL overrides gateway discovery, mainly for tests.
	GatewayURL string
	// AllowedChannelIDs restricts inbound processing; empty allows every
	// channel.
	AllowedChannelIDs []string
	HTTPClient        *http.Client
}

// Adapter implements messaging.Platform over the Discord API.
type Adapter struct {
	cfg     Config
	api     *api
	logger  *slog.Logger
	allowed map[string]bool

	mu        sync.Mutex
	handler   messaging.MessageHandler
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedChannelIDs))
	for _, id := range cfg.AllowedChannelIDs {
		allowed[id] = true
	}
	return &Adapter{
		cfg:     cfg,
		api:     newAPI(cfg.HTTPClient, cfg.BaseURL, cfg.Token),
		logger:  logger,
		allowed: allowed,
	}, nil
}

func (a *Adapter) Name() string { return "discord" }

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

// Start resolves the gateway URL and launches the connect/read loop.
func (a *Adapter) Start(ctx context.Context) error {
	gatewayURL := strings.TrimSpace(a.cfg.GatewayURL)
	if gatewayURL == "" {
		url, err := a.api.getGatewayURL(ctx)
		if err != nil {
			return fmt.Errorf("discord gateway discovery failed: %w", err)
		}
		gatewayURL = url
	}
	a.logger.Info("discord_start", "gateway_url", gatewayURL)

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.connected = true
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.gatewayLoop(loopCtx, gatewayURL)
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
	a.logger.Info("discord_stop")
}

func (a *Adapter) gatewayLoop(ctx context.Context, gatewayURL string) {
	defer close(a.done)
	for {
		if ctx.Err() != nil {
			return
		}
		dialer := *websocket.DefaultDialer
		conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("discord_gateway_connect_error", "error", err)
			if sleepWithContext(ctx, 2*time.Second) != nil {
				return
			}
			continue
		}
		a.logger.Info("discord_gateway_connected")

		readErr := consumeGateway(ctx, conn, a.cfg.Token, func(msg dispatchMessage) {
			a.dispatch(ctx, msg)
		})
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			a.logger.Warn("discord_gateway_read_error", "error", readErr)
		}
		if sleepWithContext(ctx, 2*time.Second) != nil {
			return
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, msg dispatchMessage) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	if msg.Author != nil && msg.Author.Bot {
		return
	}
	if len(a.allowed) > 0 && !a.allowed[msg.ChannelID] {
		a.logger.Debug("discord_channel_rejected", "channel_id", msg.ChannelID)
		return
	}

	incoming := messaging.IncomingMessage{
		Platform:  a.Name(),
		ChatID:    msg.ChannelID,
		MessageID: msg.ID,
		Text:      msg.Content,
	}
	if msg.Author != nil {
		incoming.SenderID = msg.Author.ID
	}
	if msg.ReferencedMessage != nil {
		incoming.ReplyToMessageID = msg.ReferencedMessage.ID
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	go handler(ctx, incoming)
}

// SendMessage posts to the channel; Discord renders markdown natively so
// the parse mode is not transmitted.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, replyTo string, _ messaging.ParseMode) (string, error) {
	msg, err := a.api.createMessage(ctx, chatID, text, replyTo)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string, _ messaging.ParseMode) error {
	return a.api.editMessage(ctx, chatID, messageID, text)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
