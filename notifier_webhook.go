package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
)

// maxErrorBody caps how much of a rejected delivery's response is kept in the error.
const maxErrorBody = 4 << 10

type WebhookNotifier struct {
	config     NotifierConfig
	httpClient *http.Client
}

func NewWebhookNotifier(config NotifierConfig, httpClient *http.Client) *WebhookNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookNotifier{
		config:     config,
		httpClient: httpClient,
	}
}

type webhookRequestPayload struct {
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	URL          string      `json:"url"`
	Status       null.Int    `json:"status"`
	ResponseTime string      `json:"response_time"`
	Timestamp    string      `json:"timestamp"`
	FailureType  FailureType `json:"failure_type"`
	Message      string      `json:"message"`
}

func newWebhookRequestPayload(result Result) webhookRequestPayload {
	payload := webhookRequestPayload{
		Title:        result.TargetName,
		URL:          result.URL,
		Status:       result.Status,
		ResponseTime: formatResponseTime(result.ResponseTime),
		Timestamp:    result.FormattedTimestamp(),
	}
	if result.Failure != nil {
		payload.Title = fmt.Sprintf("%s: %s", result.TargetName, result.Failure.Type)
		payload.Description = result.Failure.Description
		payload.FailureType = result.Failure.Type
	}

	status := "-"
	if result.Status.Valid {
		status = fmt.Sprintf("%d", result.Status.Int64)
	}
	payload.Message = strings.Join([]string{
		payload.Title,
		payload.Description,
		"URL: " + payload.URL,
		"Status: " + status,
		"Response time: " + payload.ResponseTime,
	}, "\n")

	return payload
}

// formatResponseTime renders milliseconds with a unit, or a bare zero when absent.
func formatResponseTime(responseTime null.Int) string {
	if !responseTime.Valid || responseTime.Int64 == 0 {
		return "0"
	}
	return fmt.Sprintf("%dms", responseTime.Int64)
}

func (w *WebhookNotifier) Send(ctx context.Context, result Result) error {
	span := sentry.StartSpan(ctx, "http.client", sentry.WithDescription("Send Webhook Notification"))
	ctx = span.Context()
	defer span.Finish()

	requestBody, err := json.Marshal(newWebhookRequestPayload(result))
	if err != nil {
		return fmt.Errorf("marshaling notification payload: %w", err)
	}

	var signature string
	if w.config.HmacSecret != "" {
		signer := hmac.New(sha256.New, []byte(w.config.HmacSecret))
		signer.Write(requestBody)
		signature = fmt.Sprintf("%x", signer.Sum(nil))
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(sendCtx, http.MethodPost, w.config.URL, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "poke-webhook/1.0")
	for key, value := range w.config.Headers {
		request.Header.Set(key, value)
	}
	if signature != "" {
		request.Header.Set("X-Signature", signature)
	}

	response, err := w.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: no response within %dms", ErrNotifierTimeout, w.config.Timeout.Milliseconds())
		}
		return fmt.Errorf("sending notification request: %w", err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		cause := ErrNotifierDropped
		if response.StatusCode == http.StatusTooManyRequests {
			cause = ErrNotifierRateLimited
		}
		return fmt.Errorf("%w: received non-2xx response code %d: %s", cause, response.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
