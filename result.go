package main

import (
	"net/http"
	"time"

	"github.com/guregu/null/v5"
)

// FailureType names the reason a probe did not meet its target's expectations.
type FailureType string

// Failure types in precedence order. Only the first detected failure is kept.
const (
	FailureTypeTimeout      FailureType = "TIMEOUT"
	FailureTypeTransport    FailureType = "TRANSPORT"
	FailureTypeStatus       FailureType = "STATUS"
	FailureTypeHeaders      FailureType = "HEADERS"
	FailureTypeResponseTime FailureType = "RESPONSE_TIME"
)

// FailureRecord is the structured reason a probe failed.
type FailureRecord struct {
	Type        FailureType `json:"type"`
	Description string      `json:"description"`
	// Body is the possibly truncated response body, set for STATUS failures.
	Body null.String `json:"body,omitempty"`
	// Headers is the full observed header set, set for HEADERS failures.
	Headers http.Header `json:"headers,omitempty"`
}

// Result is the outcome of a single probe. A nil Failure means every expectation was met.
type Result struct {
	TargetName   string             `json:"target"`
	URL          string             `json:"url"`
	Timestamp    time.Time          `json:"timestamp"`
	Status       null.Int           `json:"status"`
	ResponseTime null.Int           `json:"response_time_ms"`
	Failure      *FailureRecord     `json:"failure,omitempty"`
	Timings      *ProbeTraceTimings `json:"timings,omitempty"`
}

// Failed reports whether the result carries a failure record.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// FailedWith reports whether the result failed with the given type.
func (r Result) FailedWith(failureType FailureType) bool {
	return r.Failure != nil && r.Failure.Type == failureType
}

// timestampLayout is RFC 3339 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormattedTimestamp renders the probe start time the way every sink writes it.
func (r Result) FormattedTimestamp() string {
	return r.Timestamp.UTC().Format(timestampLayout)
}
