package main

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// ProbeFunc performs a single probe. Prober.Probe satisfies it.
type ProbeFunc func(ctx context.Context, target Target) Result

// ResultRecorder receives every probe result, including retries.
type ResultRecorder interface {
	Record(ctx context.Context, target Target, result Result)
}

// Evaluation is the outcome of evaluating one target.
type Evaluation struct {
	// Result is the last probe result, the one a notification describes.
	Result   Result
	Attempts []Result
	Notify   bool
}

type evaluationState int

const (
	stateProbing evaluationState = iota
	stateRetrying
	stateDone
)

// Evaluator applies the response time retry policy on top of a probe function.
type Evaluator struct {
	probe    ProbeFunc
	recorder ResultRecorder
	logger   *slog.Logger
}

type EvaluatorOptions struct {
	Probe    ProbeFunc
	Recorder ResultRecorder
	Logger   *slog.Logger
}

func NewEvaluator(options EvaluatorOptions) *Evaluator {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Evaluator{
		probe:    options.Probe,
		recorder: options.Recorder,
		logger:   options.Logger,
	}
}

// Evaluate probes target once, and again up to ResponseTimeRetries times while it keeps
// failing only on response time. A slow streak notifies only when every attempt was slow.
func (e *Evaluator) Evaluate(ctx context.Context, target Target) Evaluation {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Evaluate Target"))
	span.SetData("poke.target", target.Name)
	ctx = span.Context()
	defer span.Finish()

	var evaluation Evaluation
	slowCount := 0
	retriesLeft := target.ResponseTimeRetries

	state := stateProbing
	for state != stateDone {
		result := e.attempt(ctx, target, &evaluation)

		switch state {
		case stateProbing:
			switch {
			case !result.Failed():
				state = stateDone
			case !result.FailedWith(FailureTypeResponseTime) || retriesLeft == 0:
				evaluation.Notify = true
				state = stateDone
			default:
				slowCount = 1
				state = stateRetrying
			}

		case stateRetrying:
			retriesLeft--
			switch {
			case !result.Failed():
				e.logger.InfoContext(ctx, "slow streak cleared by retry",
					slog.String("target", target.Name),
					slog.Int("attempts", len(evaluation.Attempts)))
				state = stateDone
			case !result.FailedWith(FailureTypeResponseTime):
				evaluation.Notify = true
				state = stateDone
			default:
				slowCount++
			}
		}

		if state == stateRetrying && retriesLeft == 0 {
			evaluation.Notify = slowCount > target.ResponseTimeRetries
			state = stateDone
		}
	}

	return evaluation
}

func (e *Evaluator) attempt(ctx context.Context, target Target, evaluation *Evaluation) Result {
	result := e.probe(ctx, target)
	evaluation.Result = result
	evaluation.Attempts = append(evaluation.Attempts, result)

	if result.Failed() {
		e.logger.WarnContext(ctx, "target check failed",
			slog.String("target", target.Name),
			slog.String("failure_type", string(result.Failure.Type)),
			slog.String("description", result.Failure.Description),
			slog.Int("attempt", len(evaluation.Attempts)))
	} else {
		e.logger.InfoContext(ctx, "target check passed",
			slog.String("target", target.Name),
			slog.Int64("response_time_ms", result.ResponseTime.Int64),
			slog.Int("attempt", len(evaluation.Attempts)))
	}

	if e.recorder != nil {
		e.recorder.Record(ctx, target, result)
	}

	return result
}
