// Package store persists the mapping between chat messages and agent
// sessions. Records are append-only for the process lifetime: a session is
// never deleted, so a late reply can always resolve back to it.
package store

import (
	"context"
	"time"
)

// SessionRecord ties a session to the chat and message that started it.
// LastStatusMessageID is updated after every turn so replies to the most
// recent status message also resolve to the session.
type SessionRecord struct {
	SessionID           string    `gorm:"column:session_id;primaryKey" yaml:"session_id"`
	ChatID              string    `gorm:"column:chat_id;index" yaml:"chat_id"`
	InitialMessageID    string    `gorm:"column:initial_message_id" yaml:"initial_message_id"`
	Platform            string    `gorm:"column:platform" yaml:"platform"`
	LastStatusMessageID string    `gorm:"column:last_status_message_id" yaml:"last_status_message_id,omitempty"`
	CreatedAt           time.Time `gorm:"column:created_at" yaml:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at" yaml:"updated_at"`
}

func (SessionRecord) TableName() string { return "sessions" }

// MessageIndex maps (chat, message, platform) to a session so a reply to
// either the initial message or any status message resolves the session.
type MessageIndex struct {
	ChatID    string    `gorm:"column:chat_id;primaryKey" yaml:"chat_id"`
	MessageID string    `gorm:"column:message_id;primaryKey" yaml:"message_id"`
	Platform  string    `gorm:"column:platform;primaryKey" yaml:"platform"`
	SessionID string    `gorm:"column:session_id;index" yaml:"session_id"`
	CreatedAt time.Time `gorm:"column:created_at" yaml:"created_at"`
}

func (MessageIndex) TableName() string { return "message_index" }

// SessionStore is the durable session mapping consumed by the message
// handler. Implementations serialize their own mutations.
type SessionStore interface {
	// SaveSession creates or replaces the record for sessionID and indexes
	// its initial message.
	SaveSession(ctx context.Context, sessionID, chatID, initialMessageID, platform string) error
	// UpdateLastMessage records the latest status message for sessionID and
	// indexes it. Unknown ids are a no-op.
	UpdateLastMessage(ctx context.Context, sessionID, messageID string) error
	// GetSessionByMessage resolves a (chat, message, platform) triple to a
	// session id, or "" when none is known.
	GetSessionByMessage(ctx context.Context, chatID, messageID, platform string) (string, error)
	// GetSessionRecord returns the full record, or nil when unknown.
	GetSessionRecord(ctx context.Context, sessionID string) (*SessionRecord, error)
}
