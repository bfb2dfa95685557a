package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
)

const truncationMarker = "..."

// drainLimit bounds how much of an unneeded body is read so the connection can be reused.
const drainLimit = 64 << 10

// Prober executes single HTTP checks against targets.
type Prober struct {
	httpClient *http.Client
	logger     *slog.Logger
}

type ProberOptions struct {
	// HttpClient must not set Timeout, the probe deadline comes from the target.
	HttpClient *http.Client
	Logger     *slog.Logger
}

func NewProber(options ProberOptions) *Prober {
	if options.HttpClient == nil {
		options.HttpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Prober{
		httpClient: options.HttpClient,
		logger:     options.Logger,
	}
}

// Probe performs exactly one request against target. It never fails: every outcome,
// including timeouts and transport errors, is described by the returned Result.
func (p *Prober) Probe(ctx context.Context, target Target) Result {
	span := sentry.StartSpan(ctx, "http.client", sentry.WithDescription(target.Request.Method+" "+target.URL))
	ctx = span.Context()
	defer span.Finish()

	requestStart := time.Now()
	result := Result{
		TargetName: target.Name,
		URL:        target.URL,
		Timestamp:  requestStart.UTC().Truncate(time.Millisecond),
	}

	probeCtx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	tracer := NewProbeTracer(requestStart)
	probeCtx = httptrace.WithClientTrace(probeCtx, tracer.ClientTrace())

	var requestBody io.Reader
	if len(target.Request.Body) > 0 {
		requestBody = bytes.NewReader(target.Request.Body)
	}
	request, err := http.NewRequestWithContext(probeCtx, target.Request.Method, target.URL, requestBody)
	if err != nil {
		return p.transportFailure(ctx, result, fmt.Errorf("creating probe request: %w", err))
	}
	for key, value := range target.Request.Headers {
		request.Header.Set(key, value)
	}
	if request.Header.Get("User-Agent") == "" {
		request.Header.Set("User-Agent", "poke/1.0")
	}

	response, err := p.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			span.Status = sentry.SpanStatusDeadlineExceeded
			result.Failure = &FailureRecord{
				Type:        FailureTypeTimeout,
				Description: fmt.Sprintf("Didn't respond within %dms", target.Timeout.Milliseconds()),
			}
			return result
		}

		return p.transportFailure(ctx, result, fmt.Errorf("performing probe request: %w", err))
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	responseTime := time.Since(requestStart)
	timings := tracer.Timings()
	result.Status = null.IntFrom(int64(response.StatusCode))
	result.ResponseTime = null.IntFrom(responseTime.Milliseconds())
	result.Timings = &timings

	// Checks run in precedence order. Later checks still run, but only the first failure is kept.
	var failures []*FailureRecord
	if response.StatusCode != target.Expect.Status {
		failures = append(failures, &FailureRecord{
			Type:        FailureTypeStatus,
			Description: fmt.Sprintf("Didn't respond with status %d", target.Expect.Status),
			Body:        null.StringFrom(p.readBody(ctx, target, response.Body)),
		})
	} else {
		p.drainBody(response.Body)
	}

	if description, ok := checkHeaders(target.Expect.Headers, response.Header); !ok {
		failures = append(failures, &FailureRecord{
			Type:        FailureTypeHeaders,
			Description: description,
			Headers:     response.Header.Clone(),
		})
	}

	if responseTime > target.Expect.MaxResponseTime {
		failures = append(failures, &FailureRecord{
			Type:        FailureTypeResponseTime,
			Description: fmt.Sprintf("Response took longer than %dms", target.Expect.MaxResponseTime.Milliseconds()),
		})
	}

	if len(failures) > 0 {
		result.Failure = failures[0]
		if len(failures) > 1 {
			p.logger.DebugContext(ctx, "probe had additional failed checks",
				slog.String("target", target.Name),
				slog.Int("failed_checks", len(failures)))
		}
	}

	return result
}

func (p *Prober) transportFailure(ctx context.Context, result Result, err error) Result {
	p.logger.ErrorContext(ctx, "probe transport error", slog.String("target", result.TargetName), slog.String("error", err.Error()))
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("poke.target", result.TargetName)
			hub.CaptureException(err)
		})
	}

	result.Failure = &FailureRecord{
		Type:        FailureTypeTransport,
		Description: "Request failed: " + err.Error(),
	}
	return result
}

// readBody reads just enough of the body to decide whether it needs truncation.
func (p *Prober) readBody(ctx context.Context, target Target, body io.Reader) string {
	if body == nil {
		return ""
	}

	reader := body
	if target.TruncateBody > 0 {
		reader = io.LimitReader(body, int64(target.TruncateBody)*utf8.UTFMax+1)
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		p.logger.WarnContext(ctx, "reading probe response body", slog.String("target", target.Name), slog.String("error", err.Error()))
	}

	return truncateText(string(content), target.TruncateBody)
}

func (p *Prober) drainBody(body io.Reader) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
}

// truncateText cuts text to limit characters and appends a marker. A limit of zero keeps it whole.
func truncateText(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}

	runes := []rune(text)
	return string(runes[:limit]) + truncationMarker
}

// checkHeaders compares expected headers against the observed set in a stable order and
// describes the first mismatch. Names are matched case-insensitively, values exactly.
func checkHeaders(expected map[string]string, observed http.Header) (string, bool) {
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		canonical := http.CanonicalHeaderKey(name)
		values := observed.Values(canonical)
		if len(values) == 0 {
			return fmt.Sprintf("Missing header %s", canonical), false
		}

		want := expected[name]
		if want == "" {
			continue
		}
		joined := strings.Join(values, ", ")
		if !slices.Contains(values, want) && joined != want {
			return fmt.Sprintf("Header %s was %q, expected %q", canonical, joined, want), false
		}
	}

	return "", true
}
