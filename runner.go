package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"
)

// Runner performs one evaluation pass over every configured target.
type Runner struct {
	targets     []Target
	evaluator   *Evaluator
	gate        *NotificationGate
	notifier    Notifier
	concurrency int
	logger      *slog.Logger
}

type RunnerOptions struct {
	Targets   []Target
	Evaluator *Evaluator
	Gate      *NotificationGate
	// Notifier may be nil when no notifier is configured.
	Notifier Notifier
	// Concurrency above 1 evaluates that many targets at once.
	Concurrency int
	Logger      *slog.Logger
}

// RunSummary counts what happened during a pass.
type RunSummary struct {
	Evaluated  int
	Failed     int
	Notified   int
	Suppressed int
	// NotifyErrors counts deliveries that were attempted and failed.
	NotifyErrors int
}

func NewRunner(options RunnerOptions) *Runner {
	if options.Concurrency <= 0 {
		options.Concurrency = 1
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Runner{
		targets:     options.Targets,
		evaluator:   options.Evaluator,
		gate:        options.Gate,
		notifier:    options.Notifier,
		concurrency: options.Concurrency,
		logger:      options.Logger,
	}
}

// Run loads the notification state, evaluates every target and saves the state again.
// Failures of individual targets, deliveries or persistence never abort the pass.
func (r *Runner) Run(ctx context.Context) RunSummary {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Perform Target Checks"))
	ctx = span.Context()
	defer span.Finish()

	if err := r.gate.Load(ctx); err != nil {
		r.logger.ErrorContext(ctx, "loading notification state, persisted cooldowns are not applied this run", slog.String("error", err.Error()))
	}

	r.logger.InfoContext(ctx, "performing checks for targets", slog.Int("target_count", len(r.targets)), slog.Int("concurrency", r.concurrency))

	var mu sync.Mutex
	var summary RunSummary
	collect := func(outcome targetOutcome) {
		mu.Lock()
		defer mu.Unlock()
		summary.Evaluated++
		if outcome.failed {
			summary.Failed++
		}
		if outcome.notified {
			summary.Notified++
		}
		if outcome.suppressed {
			summary.Suppressed++
		}
		if outcome.notifyErr {
			summary.NotifyErrors++
		}
	}

	if r.concurrency == 1 {
		for _, target := range r.targets {
			collect(r.evaluateTarget(ctx, target))
		}
	} else {
		group := errgroup.Group{}
		group.SetLimit(r.concurrency)
		for _, target := range r.targets {
			group.Go(func() error {
				collect(r.evaluateTarget(ctx, target))
				return nil
			})
		}
		_ = group.Wait()
	}

	if err := r.gate.Flush(ctx); err != nil {
		r.logger.ErrorContext(ctx, "saving notification state", slog.String("error", err.Error()))
	}

	r.logger.InfoContext(ctx, "completed checks",
		slog.Int("evaluated", summary.Evaluated),
		slog.Int("failed", summary.Failed),
		slog.Int("notified", summary.Notified),
		slog.Int("suppressed", summary.Suppressed),
		slog.Int("notify_errors", summary.NotifyErrors))

	return summary
}

type targetOutcome struct {
	failed     bool
	notified   bool
	suppressed bool
	notifyErr  bool
}

func (r *Runner) evaluateTarget(ctx context.Context, target Target) targetOutcome {
	// One hub per target keeps its tag off events of targets running alongside it.
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub = hub.Clone()
		if scope := hub.Scope(); scope != nil {
			scope.SetTag("poke.target", target.Name)
		}
		ctx = sentry.SetHubOnContext(ctx, hub)
	}

	evaluation := r.evaluator.Evaluate(ctx, target)
	outcome := targetOutcome{failed: evaluation.Result.Failed()}
	if !evaluation.Notify {
		return outcome
	}

	if r.notifier == nil {
		r.logger.InfoContext(ctx, "no notifier configured, skipping notification", slog.String("target", target.Name))
		return outcome
	}

	if !r.gate.ShouldNotify(ctx, target) {
		outcome.suppressed = true
		return outcome
	}

	if err := r.notifier.Send(ctx, evaluation.Result); err != nil {
		outcome.notifyErr = true
		r.logger.ErrorContext(ctx, "sending notification", slog.String("target", target.Name), slog.String("error", err.Error()))
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("sending notification for %s: %w", target.Name, err))
		}
		return outcome
	}

	r.gate.RecordSent(ctx, target, r.gate.Now())
	outcome.notified = true
	r.logger.InfoContext(ctx, "notification sent",
		slog.String("target", target.Name),
		slog.String("failure_type", string(evaluation.Result.Failure.Type)))
	return outcome
}
