package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// NotificationGate suppresses notifications for a target while its cooldown is running.
// It is the only writer of the notification state during a run.
type NotificationGate struct {
	mu       sync.Mutex
	lastSent NotificationState
	// recorded holds the targets delivered to during this run. Only those are written back.
	recorded map[string]struct{}
	// flushMu orders saves so an older snapshot never replaces a newer one.
	flushMu  sync.Mutex
	store    StateStore
	now      func() time.Time
	logger   *slog.Logger
}

type NotificationGateOptions struct {
	// Store may be nil, in which case the state only lives in memory.
	Store  StateStore
	Now    func() time.Time
	Logger *slog.Logger
}

func NewNotificationGate(options NotificationGateOptions) *NotificationGate {
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &NotificationGate{
		lastSent: NotificationState{},
		recorded: make(map[string]struct{}),
		store:    options.Store,
		now:      options.Now,
		logger:   options.Logger,
	}
}

// Load replaces the in-memory state with the persisted one, keeping deliveries this gate
// already recorded.
func (g *NotificationGate) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	state, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading notification state: %w", err)
	}
	if state == nil {
		state = NotificationState{}
	}

	g.mu.Lock()
	for name := range g.recorded {
		state[name] = g.lastSent[name]
	}
	g.lastSent = state
	g.mu.Unlock()
	return nil
}

// ShouldNotify reports whether target's cooldown has elapsed. A target that was never
// notified, or has no cooldown, always passes.
func (g *NotificationGate) ShouldNotify(ctx context.Context, target Target) bool {
	if target.NotifierCooldown <= 0 {
		return true
	}

	g.mu.Lock()
	lastSent, ok := g.lastSent[target.Name]
	g.mu.Unlock()
	if !ok {
		return true
	}

	elapsed := g.now().Sub(lastSent)
	if elapsed < 0 {
		g.logger.WarnContext(ctx, "last notification is ahead of the clock, treating the cooldown as expired",
			slog.String("target", target.Name),
			slog.Time("last_sent", lastSent))
		return true
	}
	if elapsed >= target.NotifierCooldown {
		return true
	}

	g.logger.InfoContext(ctx, "notification suppressed by cooldown",
		slog.String("target", target.Name),
		slog.Duration("elapsed", elapsed),
		slog.Duration("cooldown", target.NotifierCooldown))
	return false
}

// RecordSent stores a confirmed delivery and persists the state right away, so a crash
// later in the run cannot lose the cooldown.
func (g *NotificationGate) RecordSent(ctx context.Context, target Target, sentAt time.Time) {
	g.mu.Lock()
	g.lastSent[target.Name] = sentAt
	g.recorded[target.Name] = struct{}{}
	g.mu.Unlock()

	if err := g.Flush(ctx); err != nil {
		g.logger.ErrorContext(ctx, "persisting notification state", slog.String("target", target.Name), slog.String("error", err.Error()))
	}
}

// Now returns the gate's clock reading.
func (g *NotificationGate) Now() time.Time {
	return g.now()
}

// LastSent returns the recorded delivery time for a target name.
func (g *NotificationGate) LastSent(name string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lastSent, ok := g.lastSent[name]
	return lastSent, ok
}

// Flush merges the deliveries recorded during this run into the persisted state. The
// persisted state is read again first, so entries of other targets are never dropped, and
// nothing is written when it cannot be read.
func (g *NotificationGate) Flush(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	g.mu.Lock()
	if len(g.recorded) == 0 {
		g.mu.Unlock()
		return nil
	}
	updates := make(NotificationState, len(g.recorded))
	for name := range g.recorded {
		updates[name] = g.lastSent[name]
	}
	g.mu.Unlock()

	persisted, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reading notification state before saving: %w", err)
	}
	if persisted == nil {
		persisted = NotificationState{}
	}
	maps.Copy(persisted, updates)

	if err := g.store.Save(ctx, persisted); err != nil {
		return fmt.Errorf("saving notification state: %w", err)
	}
	return nil
}
