package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// ResultSink is a destination every probe result is written to.
type ResultSink interface {
	Write(ctx context.Context, target Target, result Result) error
	Close(ctx context.Context) error
}

// SinkRecorder fans results out to sinks. A failing sink is logged and never stops the others.
type SinkRecorder struct {
	sinks  map[string]ResultSink
	order  []string
	logger *slog.Logger
}

func NewSinkRecorder(logger *slog.Logger) *SinkRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkRecorder{
		sinks:  make(map[string]ResultSink),
		logger: logger,
	}
}

// Add registers sink under name. Sinks are written in the order they were added.
func (r *SinkRecorder) Add(name string, sink ResultSink) {
	if _, exists := r.sinks[name]; !exists {
		r.order = append(r.order, name)
	}
	r.sinks[name] = sink
}

func (r *SinkRecorder) Record(ctx context.Context, target Target, result Result) {
	for _, name := range r.order {
		if err := r.sinks[name].Write(ctx, target, result); err != nil {
			r.logger.ErrorContext(ctx, "writing result to sink",
				slog.String("sink", name),
				slog.String("target", target.Name),
				slog.String("error", err.Error()))
		}
	}
}

// Close closes every sink and returns their joined errors.
func (r *SinkRecorder) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.order {
		if err := r.sinks[name].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// datedFileName names a file after the UTC calendar day of t.
func datedFileName(t time.Time, extension string) string {
	return t.UTC().Format(time.DateOnly) + extension
}

// targetDirectory maps a target name to a safe directory name under root.
func targetDirectory(root, name string) string {
	slug := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
	if slug == "" || strings.Trim(slug, ".") == "" {
		slug = "_"
	}
	return filepath.Join(root, slug)
}
