package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
	_ "github.com/marcboeker/go-duckdb/v2"
)

type ProbeHistorical struct {
	Target             string      `db:"target"`
	URL                string      `db:"url"`
	StatusCode         null.Int    `db:"status_code"`
	ResponseTimeMs     null.Int    `db:"response_time_ms"`
	FailureType        null.String `db:"failure_type"`
	FailureDescription null.String `db:"failure_description"`
	CreatedAt          time.Time   `db:"created_at"`
}

type ProbeHistoricalDailyAggregate struct {
	Target            string    `db:"target"`
	Date              time.Time `db:"date"`
	AvgResponseTimeMs null.Int  `db:"avg_response_time_ms"`
	MinResponseTimeMs null.Int  `db:"min_response_time_ms"`
	MaxResponseTimeMs null.Int  `db:"max_response_time_ms"`
	SuccessRate       int       `db:"success_rate"`
	ProbeCount        int       `db:"probe_count"`
}

// Migrate creates the history tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("getting db connection: %w", err)
	}
	defer conn.Close()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS probe_historical (
			target                        VARCHAR NOT NULL,
			url                           VARCHAR NOT NULL,
			status_code                   INTEGER,
			response_time_ms              BIGINT,
			failure_type                  VARCHAR,
			failure_description           VARCHAR,
			timing_dns_lookup_ms          BIGINT,
			timing_connect_ms             BIGINT,
			timing_tls_handshake_ms       BIGINT,
			timing_first_response_byte_ms BIGINT,
			created_at                    TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS probe_historical_daily_aggregate (
			target               VARCHAR NOT NULL,
			date                 DATE NOT NULL,
			avg_response_time_ms INTEGER,
			min_response_time_ms INTEGER,
			max_response_time_ms INTEGER,
			success_rate         SMALLINT NOT NULL,
			probe_count          INTEGER NOT NULL,
			PRIMARY KEY (target, date)
		)`,
	}
	for _, statement := range statements {
		if _, err := conn.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	return nil
}

type historyAggregationKey struct {
	target string
	date   string
}

// HistorySink keeps every probe in DuckDB and refreshes the daily aggregate of each
// target and day it touched when closed.
type HistorySink struct {
	db      *sql.DB
	ownsDB  bool
	logger  *slog.Logger
	mu      sync.Mutex
	touched map[historyAggregationKey]struct{}
}

// OpenHistorySink opens (or creates) the DuckDB database at path.
func OpenHistorySink(ctx context.Context, path string, logger *slog.Logger) (*HistorySink, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating duckdb: %w", err)
	}

	sink := NewHistorySink(db, logger)
	sink.ownsDB = true
	return sink, nil
}

// NewHistorySink writes into an already migrated database that the caller keeps owning.
func NewHistorySink(db *sql.DB, logger *slog.Logger) *HistorySink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistorySink{
		db:      db,
		logger:  logger,
		touched: make(map[historyAggregationKey]struct{}),
	}
}

func (s *HistorySink) Write(ctx context.Context, target Target, result Result) error {
	span := sentry.StartSpan(ctx, "db.sql.exec", sentry.WithDescription("Insert Probe Historical"))
	ctx = span.Context()
	defer span.Finish()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("getting db connection: %w", err)
	}
	defer conn.Close()

	var failureType, failureDescription null.String
	if result.Failure != nil {
		failureType = null.StringFrom(string(result.Failure.Type))
		failureDescription = null.StringFrom(result.Failure.Description)
	}

	var dnsLookup, connect, tlsHandshake, firstResponseByte null.Int
	if result.Timings != nil {
		dnsLookup = null.IntFrom(result.Timings.DNSLookupMs)
		connect = null.IntFrom(result.Timings.ConnectMs)
		tlsHandshake = null.IntFrom(result.Timings.TLSHandshakeMs)
		firstResponseByte = null.IntFrom(result.Timings.FirstResponseByteMs)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO
			probe_historical
			(
				target,
				url,
				status_code,
				response_time_ms,
				failure_type,
				failure_description,
				timing_dns_lookup_ms,
				timing_connect_ms,
				timing_tls_handshake_ms,
				timing_first_response_byte_ms,
				created_at
			)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.TargetName,
		result.URL,
		result.Status,
		result.ResponseTime,
		failureType,
		failureDescription,
		dnsLookup,
		connect,
		tlsHandshake,
		firstResponseByte,
		result.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting probe historical: %w", err)
	}

	s.mu.Lock()
	s.touched[historyAggregationKey{target: result.TargetName, date: result.Timestamp.UTC().Format(time.DateOnly)}] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Aggregate refreshes the daily aggregate rows for every target and day written so far.
func (s *HistorySink) Aggregate(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]historyAggregationKey, 0, len(s.touched))
	for key := range s.touched {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := s.aggregateDaily(ctx, key.target, key.date); err != nil {
			s.logger.ErrorContext(ctx, "aggregating daily probe historical",
				slog.String("target", key.target),
				slog.String("date", key.date),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	s.logger.InfoContext(ctx, "aggregation completed", slog.Int("task_count", len(keys)))
	return errors.Join(errs...)
}

func (s *HistorySink) aggregateDaily(ctx context.Context, target string, date string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("getting db connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `
		INSERT INTO probe_historical_daily_aggregate (target, date, avg_response_time_ms, min_response_time_ms, max_response_time_ms, success_rate, probe_count)
		SELECT
			target,
			CAST(created_at AS DATE) AS date,
			CAST(AVG(response_time_ms) AS INTEGER) AS avg_response_time_ms,
			CAST(MIN(response_time_ms) AS INTEGER) AS min_response_time_ms,
			CAST(MAX(response_time_ms) AS INTEGER) AS max_response_time_ms,
			CAST(CAST(SUM(CASE WHEN failure_type IS NULL THEN 1 ELSE 0 END) AS FLOAT) / COUNT(*) * 100 AS SMALLINT) AS success_rate,
			CAST(COUNT(*) AS INTEGER) AS probe_count
		FROM probe_historical
		WHERE target = ? AND CAST(created_at AS DATE) = CAST(? AS DATE)
		GROUP BY target, CAST(created_at AS DATE)
		ON CONFLICT (target, date) DO UPDATE
		SET
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			min_response_time_ms = EXCLUDED.min_response_time_ms,
			max_response_time_ms = EXCLUDED.max_response_time_ms,
			success_rate = EXCLUDED.success_rate,
			probe_count = EXCLUDED.probe_count
	`, target, date)
	if err != nil {
		return fmt.Errorf("upserting daily aggregate: %w", err)
	}

	return nil
}

func (s *HistorySink) Close(ctx context.Context) error {
	err := s.Aggregate(ctx)
	if s.ownsDB {
		if closeErr := s.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("closing duckdb: %w", closeErr))
		}
	}
	return err
}
