package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	defaultConfigFile = "config.yaml"
	defaultOutputDir  = "output"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [config-path] [output-dir]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(flag.CommandLine.Output(), "Probes every configured target once and notifies about failures.\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	configPath := flag.Arg(0)
	if configPath == "" {
		configPath = defaultConfigPath()
	}
	outputDir := flag.Arg(1)
	if outputDir == "" {
		outputDir = defaultOutputDir
	}

	os.Exit(run(context.Background(), configPath, outputDir, os.Stderr))
}

// defaultConfigPath prefers the config file next to the executable and falls back to the
// working directory.
func defaultConfigPath() string {
	executable, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(executable), defaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return defaultConfigFile
}

// run performs a single pass and returns the process exit code.
func run(ctx context.Context, configPath string, outputDir string, stderr io.Writer) int {
	logLevel := new(slog.LevelVar)
	logFile := NewDatedFileWriter(filepath.Join(outputDir, "log"), nil)
	defer func() {
		_ = logFile.Close()
	}()
	logger := NewOperationalLogger(logLevel, stderr, logFile)

	config, err := LoadConfig(configPath)
	if err != nil {
		var configErr *ConfigError
		if errors.As(err, &configErr) {
			for _, problem := range configErr.Problems {
				logger.ErrorContext(ctx, "invalid configuration", slog.String("path", configPath), slog.String("problem", problem))
			}
		} else {
			logger.ErrorContext(ctx, "failed to load configuration", slog.String("path", configPath), slog.String("error", err.Error()))
		}
		return 1
	}
	logLevel.Set(config.Runtime.LogLevel)

	if config.Runtime.Sentry.Dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.Runtime.Sentry.Dsn,
			SampleRate:       config.Runtime.Sentry.ErrorSampleRate,
			EnableTracing:    config.Runtime.Sentry.TracesSampleRate > 0,
			TracesSampleRate: config.Runtime.Sentry.TracesSampleRate,
			Debug:            config.Runtime.Sentry.Debug,
		})
		if err != nil {
			logger.ErrorContext(ctx, "initializing sentry", slog.String("error", err.Error()))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}
	ctx = sentry.SetHubOnContext(ctx, sentry.CurrentHub().Clone())

	stateStore, err := openStateStore(ctx, config.Runtime, outputDir)
	if err != nil {
		logger.ErrorContext(ctx, "opening notification state store, cooldowns will not persist", slog.String("error", err.Error()))
	} else {
		defer func() {
			if err := stateStore.Close(); err != nil {
				logger.ErrorContext(ctx, "closing notification state store", slog.String("error", err.Error()))
			}
		}()
	}

	recorder := openSinks(ctx, config.Runtime, outputDir, logger)
	defer func() {
		if err := recorder.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "closing result sinks", slog.String("error", err.Error()))
		}
	}()

	prober := NewProber(ProberOptions{Logger: logger})
	evaluator := NewEvaluator(EvaluatorOptions{
		Probe:    prober.Probe,
		Recorder: recorder,
		Logger:   logger,
	})

	gate := NewNotificationGate(NotificationGateOptions{
		Store:  stateStore,
		Logger: logger,
	})

	var notifier Notifier
	if config.Notifier != nil {
		notifier = NewWebhookNotifier(*config.Notifier, &http.Client{})
	}

	runner := NewRunner(RunnerOptions{
		Targets:     config.Targets,
		Evaluator:   evaluator,
		Gate:        gate,
		Notifier:    notifier,
		Concurrency: config.Runtime.Concurrency,
		Logger:      logger,
	})
	runner.Run(ctx)

	return 0
}

func openStateStore(ctx context.Context, runtime RuntimeConfig, outputDir string) (StateStore, error) {
	switch runtime.State.Backend {
	case StateBackendFile:
		path := runtime.State.Path
		if path == "" {
			path = filepath.Join(outputDir, "state.json")
		}
		store, err := NewFileStateStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StateBackendSQLite:
		path := runtime.State.Path
		if path == "" {
			path = filepath.Join(outputDir, "state.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensuring state directory: %w", err)
		}
		store, err := NewSQLiteStateStore(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", runtime.State.Backend)
	}
}

func openSinks(ctx context.Context, runtime RuntimeConfig, outputDir string, logger *slog.Logger) *SinkRecorder {
	recorder := NewSinkRecorder(logger)
	recorder.Add("data", NewCSVSink(filepath.Join(outputDir, "data")))
	recorder.Add("warn", NewFailureLogSink(filepath.Join(outputDir, "warn")))

	if runtime.History.Path != "" {
		history, err := OpenHistorySink(ctx, runtime.History.Path, logger)
		if err != nil {
			logger.ErrorContext(ctx, "opening history database", slog.String("path", runtime.History.Path), slog.String("error", err.Error()))
		} else {
			recorder.Add("history", history)
		}
	}

	if runtime.Events.Topic != "" {
		events, err := OpenEventSink(ctx, runtime.Events.Topic)
		if err != nil {
			logger.ErrorContext(ctx, "opening event topic", slog.String("topic", runtime.Events.Topic), slog.String("error", err.Error()))
		} else {
			recorder.Add("events", events)
		}
	}

	return recorder
}
