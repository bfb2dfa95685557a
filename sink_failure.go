package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FailureLogSink appends every failed result as one JSON line to warn/{day}.jsonl.
type FailureLogSink struct {
	mu  sync.Mutex
	dir string
}

func NewFailureLogSink(dir string) *FailureLogSink {
	return &FailureLogSink{dir: dir}
}

func (s *FailureLogSink) Write(ctx context.Context, target Target, result Result) error {
	if !result.Failed() {
		return nil
	}

	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling failed result: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ensuring failure log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(s.dir, datedFileName(result.Timestamp, ".jsonl")), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening failure log: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("writing failure log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing failure log: %w", err)
	}
	return nil
}

func (s *FailureLogSink) Close(ctx context.Context) error { return nil }
