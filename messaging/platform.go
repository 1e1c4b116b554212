package messaging

import "context"

// ParseMode selects how a platform renders outbound text.
type ParseMode string

const (
	ParseModeNone     ParseMode = ""
	ParseModeMarkdown ParseMode = "markdown"
)

// IncomingMessage is the platform-neutral shape of one inbound chat message.
type IncomingMessage struct {
	Platform         string
	ChatID           string
	MessageID        string
	Text             string
	ReplyToMessageID string
	SenderID         string
}

// IsReply reports whether the message references an earlier message.
func (m IncomingMessage) IsReply() bool {
	return m.ReplyToMessageID != ""
}

// MessageHandler is invoked once per inbound message. The platform adapter
// calls it from its own read loop; long work must not block the loop.
type MessageHandler func(ctx context.Context, msg IncomingMessage)

// Platform is the capability surface a chat adapter must provide.
type Platform interface {
	// Start connects the adapter and begins delivering inbound messages to
	// the registered handler. It returns after the connection is established;
	// delivery continues in the background until Stop or ctx cancellation.
	Start(ctx context.Context) error
	Stop()
	// SendMessage returns the platform message id of the created message.
	SendMessage(ctx context.Context, chatID, text string, replyTo string, mode ParseMode) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, text string, mode ParseMode) error
	OnMessage(handler MessageHandler)
	IsConnected() bool
	Name() string
}
