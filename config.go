package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// RuntimeConfig holds process level settings. Every field can be overridden with a
// POKE_ prefixed environment variable, e.g. POKE_STATE_BACKEND=sqlite or POKE_LOG_LEVEL=debug.
type RuntimeConfig struct {
	LogLevel    slog.Level `yaml:"log_level" split_words:"true"`
	Concurrency int        `yaml:"concurrency"`
	State       struct {
		// Backend is either "file" (JSON document) or "sqlite".
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"state"`
	History struct {
		// Path of the DuckDB database that keeps every probe. Empty disables it.
		Path string `yaml:"path"`
	} `yaml:"history"`
	Events struct {
		// Topic is a gocloud.dev pubsub URL, e.g. kafka://probes or mem://probes.
		Topic string `yaml:"topic"`
	} `yaml:"events"`
	Sentry struct {
		Dsn              string  `yaml:"dsn"`
		ErrorSampleRate  float64 `yaml:"error_sample_rate" split_words:"true"`
		TracesSampleRate float64 `yaml:"traces_sample_rate" split_words:"true"`
		Debug            bool    `yaml:"debug"`
	} `yaml:"sentry"`
}

const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
)

func (r *RuntimeConfig) applyDefaults() {
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}
	if r.State.Backend == "" {
		r.State.Backend = StateBackendFile
	}
	if r.Sentry.ErrorSampleRate == 0 {
		r.Sentry.ErrorSampleRate = 1.0
	}
}

// Config is the validated outcome of loading a config document.
type Config struct {
	Runtime RuntimeConfig
	Targets []Target
	// Notifier is nil when the document has no notifier block.
	Notifier *NotifierConfig
}

type configDocument struct {
	Runtime  RuntimeConfig `yaml:"runtime"`
	Defaults struct {
		Target rawTarget `yaml:"target"`
	} `yaml:"defaults"`
	Targets  []rawTarget  `yaml:"targets"`
	Notifier *rawNotifier `yaml:"notifier"`
}

// ConfigError lists every problem found while validating a config document.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// LoadConfig reads the document at path and resolves it. Environment overrides are applied
// on top of the runtime section.
func LoadConfig(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	config, err := ParseConfig(content)
	if err != nil {
		return Config{}, err
	}

	if err := envconfig.Process("poke", &config.Runtime); err != nil {
		return Config{}, fmt.Errorf("processing environment overrides: %w", err)
	}
	config.Runtime.applyDefaults()

	return config, nil
}

// ParseConfig decodes and validates a config document. The returned Config is either
// fully valid or the error is a *ConfigError describing all problems.
func ParseConfig(content []byte) (Config, error) {
	var document configDocument
	if err := yaml.Unmarshal(content, &document); err != nil {
		return Config{}, &ConfigError{Problems: []string{"unable to parse document: " + err.Error()}}
	}

	var problems []string
	if document.Targets == nil {
		problems = append(problems, "targets is required")
	}

	defaults := builtinTargetDefaults().overlay(document.Defaults.Target)
	targets := make([]Target, 0, len(document.Targets))
	seen := make(map[string]int, len(document.Targets))
	for i, raw := range document.Targets {
		target, ok := defaults.overlay(raw).resolve(i, &problems)
		if target.Name != "" {
			if first, exists := seen[target.Name]; exists {
				problems = append(problems, fmt.Sprintf("targets[%d]: duplicate name %q, already used by targets[%d]", i, target.Name, first))
				ok = false
			} else {
				seen[target.Name] = i
			}
		}
		if ok {
			targets = append(targets, target)
		}
	}

	var notifier *NotifierConfig
	if document.Notifier != nil {
		resolved := document.Notifier.resolve(&problems)
		notifier = &resolved
	}

	if len(problems) > 0 {
		return Config{}, &ConfigError{Problems: problems}
	}

	document.Runtime.applyDefaults()
	return Config{
		Runtime:  document.Runtime,
		Targets:  targets,
		Notifier: notifier,
	}, nil
}

var errUnsupportedScheme = errors.New("must use the http or https scheme")

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errUnsupportedScheme
	}
	if parsed.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}
