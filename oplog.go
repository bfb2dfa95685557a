package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DatedFileWriter appends to {dir}/{day}.log and moves on to a new file when the day changes.
type DatedFileWriter struct {
	mu      sync.Mutex
	dir     string
	now     func() time.Time
	current string
	file    *os.File
}

func NewDatedFileWriter(dir string, now func() time.Time) *DatedFileWriter {
	if now == nil {
		now = time.Now
	}
	return &DatedFileWriter{dir: dir, now: now}
}

func (w *DatedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := datedFileName(w.now(), ".log")
	if w.file == nil || name != w.current {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}

		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return 0, fmt.Errorf("ensuring log directory: %w", err)
		}
		file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("opening log file: %w", err)
		}
		w.file = file
		w.current = name
	}

	return w.file.Write(p)
}

func (w *DatedFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// fallibleWriter keeps a broken log file from silencing the other log outputs.
type fallibleWriter struct {
	io.Writer
}

func (w fallibleWriter) Write(p []byte) (int, error) {
	_, _ = w.Writer.Write(p)
	return len(p), nil
}

// NewOperationalLogger builds the text logger used throughout a run. Each line carries a
// timestamp and an INFO, WARN or ERROR level.
func NewOperationalLogger(level slog.Leveler, outputs ...io.Writer) *slog.Logger {
	writers := make([]io.Writer, 0, len(outputs))
	for _, output := range outputs {
		writers = append(writers, fallibleWriter{Writer: output})
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(timestampLayout))
			}
			return attr
		},
	})
	return slog.New(handler)
}
