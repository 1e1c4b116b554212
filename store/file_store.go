package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/agentgate/internal/fsstore"
)

const sessionsFileVersion = 1

type sessionsFile struct {
	Version  int             `yaml:"version"`
	Sessions []SessionRecord `yaml:"sessions"`
	Index    []MessageIndex  `yaml:"index"`
}

// FileStore is a yaml-file SessionStore for deployments without sqlite.
// Every mutation rewrites the state file atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) SaveSession(ctx context.Context, sessionID, chatID, initialMessageID, platform string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	replaced := false
	for i := range state.Sessions {
		if state.Sessions[i].SessionID == sessionID {
			state.Sessions[i].ChatID = chatID
			state.Sessions[i].InitialMessageID = initialMessageID
			state.Sessions[i].Platform = platform
			state.Sessions[i].UpdatedAt = now
			replaced = true
			break
		}
	}
	if !replaced {
		state.Sessions = append(state.Sessions, SessionRecord{
			SessionID:        sessionID,
			ChatID:           chatID,
			InitialMessageID: initialMessageID,
			Platform:         platform,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	indexMessageLocked(&state, chatID, initialMessageID, platform, sessionID, now)
	return s.saveLocked(state)
}

func (s *FileStore) UpdateLastMessage(ctx context.Context, sessionID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range state.Sessions {
		if state.Sessions[i].SessionID != sessionID {
			continue
		}
		state.Sessions[i].LastStatusMessageID = messageID
		state.Sessions[i].UpdatedAt = now
		indexMessageLocked(&state, state.Sessions[i].ChatID, messageID, state.Sessions[i].Platform, sessionID, now)
		return s.saveLocked(state)
	}
	return nil
}

func (s *FileStore) GetSessionByMessage(ctx context.Context, chatID, messageID, platform string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	for _, idx := range state.Index {
		if idx.ChatID == chatID && idx.MessageID == messageID && idx.Platform == platform {
			return idx.SessionID, nil
		}
	}
	return "", nil
}

func (s *FileStore) GetSessionRecord(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	for i := range state.Sessions {
		if state.Sessions[i].SessionID == sessionID {
			rec := state.Sessions[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *FileStore) loadLocked() (sessionsFile, error) {
	var state sessionsFile
	found, err := fsstore.ReadYAML(s.path, &state)
	if err != nil {
		return sessionsFile{}, err
	}
	if !found {
		return sessionsFile{Version: sessionsFileVersion}, nil
	}
	if state.Version == 0 {
		state.Version = sessionsFileVersion
	}
	return state, nil
}

func (s *FileStore) saveLocked(state sessionsFile) error {
	state.Version = sessionsFileVersion
	return fsstore.WriteYAMLAtomic(s.path, state)
}

func indexMessageLocked(state *sessionsFile, chatID, messageID, platform, sessionID string, now time.Time) {
	if strings.TrimSpace(messageID) == "" {
		return
	}
	for i := range state.Index {
		if state.Index[i].ChatID == chatID && state.Index[i].MessageID == messageID && state.Index[i].Platform == platform {
			state.Index[i].SessionID = sessionID
			return
		}
	}
	state.Index = append(state.Index, MessageIndex{
		ChatID:    chatID,
		MessageID: messageID,
		Platform:  platform,
		SessionID: sessionID,
		CreatedAt: now,
	})
}
