package main

import (
	"context"
	"errors"
)

// ErrNotifierTimeout is returned when the notification endpoint did not answer within
// the configured notifier timeout. The request is aborted, not left running.
var ErrNotifierTimeout = errors.New("notifier timed out")

// ErrNotifierRateLimited is returned when the notification endpoint answers with
// 429 Too Many Requests.
var ErrNotifierRateLimited = errors.New("notifier rate limited")

// ErrNotifierDropped is returned when the notification endpoint answers with any other
// non-2xx status. The wrapped message carries the response body.
var ErrNotifierDropped = errors.New("notifier message dropped")

// Notifier delivers a notification describing a failed Result.
type Notifier interface {
	// Send delivers a notification for result. A nil error means the endpoint accepted it,
	// which is the only case that starts a target's cooldown.
	Send(ctx context.Context, result Result) error
}
