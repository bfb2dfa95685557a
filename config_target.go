package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v5"
)

const (
	defaultExpectedStatus   = http.StatusOK
	defaultMaxResponseTime  = 1000 * time.Millisecond
	defaultTargetTimeout    = 5000 * time.Millisecond
	defaultTruncateBody     = 1000
	defaultNotifierTimeout  = 5000 * time.Millisecond
	defaultRequestMethod    = http.MethodGet
	defaultNotifierCooldown = time.Duration(0)
)

// Target is one fully resolved monitored endpoint. It is never modified after loading.
type Target struct {
	Name                string
	URL                 string
	Request             RequestInit
	Expect              Expectation
	Timeout             time.Duration
	ResponseTimeRetries int
	// TruncateBody limits the response body kept on STATUS failures. Zero keeps it whole.
	TruncateBody     int
	NotifierCooldown time.Duration
}

type RequestInit struct {
	Method  string
	Headers map[string]string
	// Body is already encoded. Structured bodies from the config are JSON text.
	Body []byte
}

type Expectation struct {
	Status int
	// Headers maps a header name to its expected value. An empty value only requires presence.
	Headers         map[string]string
	MaxResponseTime time.Duration
}

type NotifierConfig struct {
	URL        string
	Timeout    time.Duration
	HmacSecret string
	Headers    map[string]string
}

// Duration decodes either integer milliseconds or a Go duration string such as "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case uint64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if ms, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), nil
		}
		parsed, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("invalid duration value of type %T", raw)
	}
}

type rawRequest struct {
	Method  null.String       `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    any               `yaml:"body"`
}

type rawExpectation struct {
	Status       null.Int          `yaml:"status"`
	Headers      map[string]string `yaml:"headers"`
	ResponseTime *Duration         `yaml:"responseTime"`
}

// rawTarget is the undecided shape of a target entry. Unset fields stay null so the
// layered defaults can tell them apart from explicit zero values.
type rawTarget struct {
	Name                string         `yaml:"name"`
	URL                 string         `yaml:"url"`
	Request             rawRequest     `yaml:"request"`
	Expect              rawExpectation `yaml:"expect"`
	Timeout             *Duration      `yaml:"timeout"`
	ResponseTimeRetries null.Int       `yaml:"responseTimeRetries"`
	TruncateBody        null.Int       `yaml:"truncateBody"`
	NotifierCooldown    *Duration      `yaml:"notifierCooldown"`
}

type rawNotifier struct {
	URL        string            `yaml:"url"`
	Timeout    *Duration         `yaml:"timeout"`
	HmacSecret string            `yaml:"hmacSecret"`
	Headers    map[string]string `yaml:"headers"`
}

// builtinTargetDefaults is the bottom layer of target resolution.
func builtinTargetDefaults() rawTarget {
	timeout := Duration(defaultTargetTimeout)
	maxResponseTime := Duration(defaultMaxResponseTime)
	cooldown := Duration(defaultNotifierCooldown)
	return rawTarget{
		Request: rawRequest{
			Method: null.StringFrom(defaultRequestMethod),
		},
		Expect: rawExpectation{
			Status:       null.IntFrom(defaultExpectedStatus),
			ResponseTime: &maxResponseTime,
		},
		Timeout:             &timeout,
		ResponseTimeRetries: null.IntFrom(0),
		TruncateBody:        null.IntFrom(defaultTruncateBody),
		NotifierCooldown:    &cooldown,
	}
}

// overlay returns base with every value explicitly set in top applied over it.
// Header maps are merged key by key.
func (base rawTarget) overlay(top rawTarget) rawTarget {
	merged := base
	if top.Name != "" {
		merged.Name = top.Name
	}
	if top.URL != "" {
		merged.URL = top.URL
	}
	if top.Request.Method.Valid {
		merged.Request.Method = top.Request.Method
	}
	merged.Request.Headers = mergeHeaders(base.Request.Headers, top.Request.Headers)
	if top.Request.Body != nil {
		merged.Request.Body = top.Request.Body
	}
	if top.Expect.Status.Valid {
		merged.Expect.Status = top.Expect.Status
	}
	merged.Expect.Headers = mergeHeaders(base.Expect.Headers, top.Expect.Headers)
	if top.Expect.ResponseTime != nil {
		merged.Expect.ResponseTime = top.Expect.ResponseTime
	}
	if top.Timeout != nil {
		merged.Timeout = top.Timeout
	}
	if top.ResponseTimeRetries.Valid {
		merged.ResponseTimeRetries = top.ResponseTimeRetries
	}
	if top.TruncateBody.Valid {
		merged.TruncateBody = top.TruncateBody
	}
	if top.NotifierCooldown != nil {
		merged.NotifierCooldown = top.NotifierCooldown
	}
	return merged
}

func mergeHeaders(base, top map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(top))
	maps.Copy(merged, base)
	maps.Copy(merged, top)
	return merged
}

// resolve turns a fully layered raw target into a Target, appending any problem found.
func (r rawTarget) resolve(position int, problems *[]string) (Target, bool) {
	label := fmt.Sprintf("targets[%d]", position)
	if r.Name != "" {
		label = fmt.Sprintf("target %q", r.Name)
	}
	problemCount := len(*problems)
	addProblem := func(format string, args ...any) {
		*problems = append(*problems, label+": "+fmt.Sprintf(format, args...))
	}

	if r.Name == "" {
		addProblem("name is required")
	}
	if r.URL == "" {
		addProblem("url is required")
	} else if err := validateHTTPURL(r.URL); err != nil {
		addProblem("url %s", err.Error())
	}

	target := Target{
		Name: r.Name,
		URL:  r.URL,
		Request: RequestInit{
			Method:  strings.ToUpper(r.Request.Method.String),
			Headers: r.Request.Headers,
		},
		Expect: Expectation{
			Status:          int(r.Expect.Status.Int64),
			Headers:         r.Expect.Headers,
			MaxResponseTime: time.Duration(*r.Expect.ResponseTime),
		},
		Timeout:             time.Duration(*r.Timeout),
		ResponseTimeRetries: int(r.ResponseTimeRetries.Int64),
		TruncateBody:        int(r.TruncateBody.Int64),
		NotifierCooldown:    time.Duration(*r.NotifierCooldown),
	}

	if target.Request.Method == "" {
		target.Request.Method = defaultRequestMethod
	}
	if target.Expect.Status < 100 || target.Expect.Status > 599 {
		addProblem("expect.status %d is not a valid HTTP status code", target.Expect.Status)
	}
	if target.Expect.MaxResponseTime < 0 {
		addProblem("expect.responseTime must not be negative")
	}
	if target.Timeout <= 0 {
		addProblem("timeout must be positive")
	}
	if target.ResponseTimeRetries < 0 {
		addProblem("responseTimeRetries must not be negative")
	}
	if target.TruncateBody < 0 {
		addProblem("truncateBody must not be negative")
	}
	if target.NotifierCooldown < 0 {
		addProblem("notifierCooldown must not be negative")
	}

	body, contentType, err := encodeRequestBody(r.Request.Body)
	if err != nil {
		addProblem("request.body %s", err.Error())
	}
	target.Request.Body = body
	if contentType != "" && !hasHeader(target.Request.Headers, "Content-Type") {
		target.Request.Headers = mergeHeaders(target.Request.Headers, map[string]string{"Content-Type": contentType})
	}

	return target, len(*problems) == problemCount
}

// encodeRequestBody keeps string bodies as they are and encodes structured ones as JSON.
func encodeRequestBody(body any) ([]byte, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(v), "", nil
	case []byte:
		return v, "", nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("cannot be encoded as JSON: %w", err)
		}
		return encoded, "application/json", nil
	}
}

func hasHeader(headers map[string]string, name string) bool {
	for key := range headers {
		if http.CanonicalHeaderKey(key) == http.CanonicalHeaderKey(name) {
			return true
		}
	}
	return false
}

func (r rawNotifier) resolve(problems *[]string) NotifierConfig {
	notifier := NotifierConfig{
		URL:        r.URL,
		Timeout:    defaultNotifierTimeout,
		HmacSecret: r.HmacSecret,
		Headers:    r.Headers,
	}
	if r.Timeout != nil {
		notifier.Timeout = time.Duration(*r.Timeout)
	}

	if r.URL == "" {
		*problems = append(*problems, "notifier: url is required")
	} else if err := validateHTTPURL(r.URL); err != nil {
		*problems = append(*problems, "notifier: url "+err.Error())
	}
	if notifier.Timeout <= 0 {
		*problems = append(*problems, "notifier: timeout must be positive")
	}

	return notifier
}
