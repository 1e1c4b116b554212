package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Config struct {
	Driver string
	DSN    string
}

func DefaultConfig() Config {
	return Config{Driver: "sqlite"}
}

// ResolveSQLiteDSN picks the database location. Precedence: explicit DSN, an
// existing ./agentgate.sqlite, then $HOME/.agentgate/agentgate.sqlite
// (created on demand).
func ResolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn != "" {
		return dsn, nil
	}

	localDB := filepath.Clean("./agentgate.sqlite")
	if _, err := os.Stat(localDB); err == nil {
		return localDB, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	homeDir := filepath.Join(home, ".agentgate")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(homeDir, "agentgate.sqlite"), nil
}

// DBStore is the gorm/sqlite SessionStore.
type DBStore struct {
	gdb *gorm.DB
}

func OpenDB(cfg Config) (*DBStore, error) {
	if cfg.Driver != "" && cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	dsn, err := ResolveSQLiteDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(sqlite.Open(dsn+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := gdb.AutoMigrate(&SessionRecord{}, &MessageIndex{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &DBStore{gdb: gdb}, nil
}

func (s *DBStore) SaveSession(ctx context.Context, sessionID, chatID, initialMessageID, platform string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := SessionRecord{
			SessionID:        sessionID,
			ChatID:           chatID,
			InitialMessageID: initialMessageID,
			Platform:         platform,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"chat_id", "initial_message_id", "platform", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}
		return indexMessage(tx, chatID, initialMessageID, platform, sessionID, now)
	})
}

func (s *DBStore) UpdateLastMessage(ctx context.Context, sessionID, messageID string) error {
	now := time.Now().UTC()
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec SessionRecord
		if err := tx.First(&rec, "session_id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Model(&SessionRecord{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]any{"last_status_message_id": messageID, "updated_at": now}).Error; err != nil {
			return err
		}
		return indexMessage(tx, rec.ChatID, messageID, rec.Platform, sessionID, now)
	})
}

func (s *DBStore) GetSessionByMessage(ctx context.Context, chatID, messageID, platform string) (string, error) {
	var idx MessageIndex
	err := s.gdb.WithContext(ctx).
		First(&idx, "chat_id = ? AND message_id = ? AND platform = ?", chatID, messageID, platform).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return idx.SessionID, nil
}

func (s *DBStore) GetSessionRecord(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.gdb.WithContext(ctx).First(&rec, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func indexMessage(tx *gorm.DB, chatID, messageID, platform, sessionID string, now time.Time) error {
	if strings.TrimSpace(messageID) == "" {
		return nil
	}
	idx := MessageIndex{
		ChatID:    chatID,
		MessageID: messageID,
		Platform:  platform,
		SessionID: sessionID,
		CreatedAt: now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "message_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id"}),
	}).Create(&idx).Error
}
