package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// CSVSink appends one row per probe to data/{target}/{day}.csv. Columns are the
// timestamp, the response time in ms (-1 without a response) and the status (0 without one).
type CSVSink struct {
	mu  sync.Mutex
	dir string
}

func NewCSVSink(dir string) *CSVSink {
	return &CSVSink{dir: dir}
}

func (s *CSVSink) Write(ctx context.Context, target Target, result Result) error {
	responseTime := int64(-1)
	if result.ResponseTime.Valid {
		responseTime = result.ResponseTime.Int64
	}
	status := int64(0)
	if result.Status.Valid {
		status = result.Status.Int64
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	directory := targetDirectory(s.dir, target.Name)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("ensuring data directory: %w", err)
	}

	path := filepath.Join(directory, datedFileName(result.Timestamp, ".csv"))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening data file: %w", err)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{
		result.FormattedTimestamp(),
		strconv.FormatInt(responseTime, 10),
		strconv.FormatInt(status, 10),
	}); err != nil {
		_ = file.Close()
		return fmt.Errorf("writing data row: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flushing data row: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("closing data file: %w", err)
	}
	return nil
}

func (s *CSVSink) Close(ctx context.Context) error { return nil }
