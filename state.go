package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NotificationState maps a target name to the time its last notification was delivered.
type NotificationState map[string]time.Time

// StateStore persists NotificationState across invocations.
type StateStore interface {
	Load(ctx context.Context) (NotificationState, error)
	Save(ctx context.Context, state NotificationState) error
	Close() error
}

// FileStateStore keeps the state as a JSON document, replaced atomically on every save.
type FileStateStore struct {
	path string
}

func NewFileStateStore(path string) (*FileStateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensuring state directory: %w", err)
	}
	return &FileStateStore{path: path}, nil
}

func (s *FileStateStore) Load(ctx context.Context) (NotificationState, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotificationState{}, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	if len(content) == 0 {
		return NotificationState{}, nil
	}

	var document struct {
		LastNotification NotificationState `json:"last_notification"`
	}
	if err := json.Unmarshal(content, &document); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if document.LastNotification == nil {
		return NotificationState{}, nil
	}

	return document.LastNotification, nil
}

func (s *FileStateStore) Save(ctx context.Context, state NotificationState) error {
	content, err := json.MarshalIndent(struct {
		LastNotification NotificationState `json:"last_notification"`
	}{LastNotification: state}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (s *FileStateStore) Close() error { return nil }
