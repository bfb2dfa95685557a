package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
)

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []Result
	failure error
}

func (n *recordingNotifier) Send(ctx context.Context, result Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failure != nil {
		return n.failure
	}
	n.sent = append(n.sent, result)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func delayedServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

type runnerFixture struct {
	gate     *NotificationGate
	store    *FileStateStore
	recorder *memoryRecorder
	notifier *recordingNotifier
	now      time.Time
}

func newRunner(t *testing.T, targets []Target, concurrency int, notifier *recordingNotifier) (*Runner, *runnerFixture) {
	t.Helper()

	store, err := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("creating state store: %v", err)
	}

	fixture := &runnerFixture{
		store:    store,
		recorder: &memoryRecorder{},
		notifier: notifier,
		now:      time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	fixture.gate = NewNotificationGate(NotificationGateOptions{
		Store:  store,
		Now:    func() time.Time { return fixture.now },
		Logger: discardLogger(),
	})

	evaluator := NewEvaluator(EvaluatorOptions{
		Probe:    newTestProber().Probe,
		Recorder: fixture.recorder,
		Logger:   discardLogger(),
	})

	var n Notifier
	if notifier != nil {
		n = notifier
	}

	runner := NewRunner(RunnerOptions{
		Targets:     targets,
		Evaluator:   evaluator,
		Gate:        fixture.gate,
		Notifier:    n,
		Concurrency: concurrency,
		Logger:      discardLogger(),
	})
	return runner, fixture
}

func slowTarget(name, url string) Target {
	target := newTestTarget(url)
	target.Name = name
	target.Expect.MaxResponseTime = 300 * time.Millisecond
	target.NotifierCooldown = 10 * time.Minute
	return target
}

func TestRunner_FastTargetDoesNotNotify(t *testing.T) {
	server := delayedServer(t, 50*time.Millisecond)
	runner, fixture := newRunner(t, []Target{slowTarget("Fast", server.URL)}, 1, &recordingNotifier{})

	summary := runner.Run(t.Context())

	if summary.Evaluated != 1 || summary.Failed != 0 || summary.Notified != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if fixture.notifier.count() != 0 {
		t.Errorf("expected no notification, got %d", fixture.notifier.count())
	}
	if fixture.recorder.count() != 1 {
		t.Errorf("expected 1 recorded result, got %d", fixture.recorder.count())
	}
}

func TestRunner_SlowTargetNotifiesAndStartsCooldown(t *testing.T) {
	server := delayedServer(t, 400*time.Millisecond)
	runner, fixture := newRunner(t, []Target{slowTarget("Slow", server.URL)}, 1, &recordingNotifier{})

	summary := runner.Run(t.Context())

	if summary.Notified != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !fixture.notifier.sent[0].FailedWith(FailureTypeResponseTime) {
		t.Errorf("expected RESPONSE_TIME notification, got %+v", fixture.notifier.sent[0].Failure)
	}

	state, err := fixture.store.Load(t.Context())
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if !state["Slow"].Equal(fixture.now) {
		t.Errorf("expected last notification at %s, got %s", fixture.now, state["Slow"])
	}

	// Five minutes later the cooldown still holds.
	fixture.now = fixture.now.Add(5 * time.Minute)
	summary = runner.Run(t.Context())
	if summary.Suppressed != 1 || summary.Notified != 0 {
		t.Errorf("expected suppression inside the cooldown, got %+v", summary)
	}
	if fixture.notifier.count() != 1 {
		t.Errorf("expected still 1 notification, got %d", fixture.notifier.count())
	}
}

func TestRunner_RetriesClearSlowStreak(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		slow := calls == 1
		mu.Unlock()
		if slow {
			time.Sleep(400 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target := slowTarget("Flaky", server.URL)
	target.ResponseTimeRetries = 2
	runner, fixture := newRunner(t, []Target{target}, 1, &recordingNotifier{})

	summary := runner.Run(t.Context())

	if summary.Notified != 0 {
		t.Errorf("expected no notification, got %+v", summary)
	}
	if fixture.recorder.count() != 2 {
		t.Errorf("expected both attempts to be recorded, got %d", fixture.recorder.count())
	}
}

func TestRunner_DeliveryFailureKeepsState(t *testing.T) {
	server := delayedServer(t, 400*time.Millisecond)
	notifier := &recordingNotifier{failure: ErrNotifierDropped}
	runner, fixture := newRunner(t, []Target{slowTarget("Slow", server.URL)}, 1, notifier)

	summary := runner.Run(t.Context())

	if summary.NotifyErrors != 1 || summary.Notified != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if _, ok := fixture.gate.LastSent("Slow"); ok {
		t.Error("expected a failed delivery to leave the state untouched")
	}

	// The next pass retries the delivery since no cooldown started.
	notifier.mu.Lock()
	notifier.failure = nil
	notifier.mu.Unlock()
	summary = runner.Run(t.Context())
	if summary.Notified != 1 {
		t.Errorf("expected the next pass to notify, got %+v", summary)
	}
}

func TestRunner_WithoutNotifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	runner, fixture := newRunner(t, []Target{slowTarget("Down", server.URL)}, 1, nil)

	summary := runner.Run(t.Context())

	if summary.Failed != 1 || summary.Notified != 0 || summary.NotifyErrors != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if _, ok := fixture.gate.LastSent("Down"); ok {
		t.Error("expected no state without a notifier")
	}
}

func TestRunner_Concurrent(t *testing.T) {
	fast := delayedServer(t, 10*time.Millisecond)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	targets := []Target{
		slowTarget("One", fast.URL),
		slowTarget("Two", down.URL),
		slowTarget("Three", fast.URL),
		slowTarget("Four", down.URL),
	}
	runner, fixture := newRunner(t, targets, 3, &recordingNotifier{})

	summary := runner.Run(t.Context())

	if summary.Evaluated != 4 || summary.Failed != 2 || summary.Notified != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}

	state, err := fixture.store.Load(t.Context())
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if len(state) != 2 {
		t.Errorf("expected 2 persisted entries, got %v", state)
	}
	for _, name := range []string{"Two", "Four"} {
		if _, ok := state[name]; !ok {
			t.Errorf("expected %s to be persisted", name)
		}
	}
}

func TestRunner_StateLoadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := &recordingNotifier{}
	evaluator := NewEvaluator(EvaluatorOptions{Probe: newTestProber().Probe, Logger: discardLogger()})
	runner := NewRunner(RunnerOptions{
		Targets:   []Target{slowTarget("Down", server.URL)},
		Evaluator: evaluator,
		Gate:      NewNotificationGate(NotificationGateOptions{Store: failingStateStore{}, Logger: discardLogger()}),
		Notifier:  notifier,
		Logger:    discardLogger(),
	})

	summary := runner.Run(t.Context())

	if summary.Notified != 1 || notifier.count() != 1 {
		t.Errorf("expected the pass to continue with an empty state, got %+v", summary)
	}
}

// unreadableStateStore fails the first loadFailures reads and otherwise behaves like the
// wrapped file store.
type unreadableStateStore struct {
	*FileStateStore
	mu           sync.Mutex
	loadFailures int
	saves        int
}

func (s *unreadableStateStore) Load(ctx context.Context) (NotificationState, error) {
	s.mu.Lock()
	if s.loadFailures != 0 {
		s.loadFailures--
		s.mu.Unlock()
		return nil, errors.New("state temporarily unreadable")
	}
	s.mu.Unlock()
	return s.FileStateStore.Load(ctx)
}

func (s *unreadableStateStore) Save(ctx context.Context, state NotificationState) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.FileStateStore.Save(ctx, state)
}

func TestRunner_UnreadableStateIsNotOverwritten(t *testing.T) {
	fine := delayedServer(t, 0)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	other := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		loadFailures int
		persisted    []string
	}{
		// Every read fails, so nothing may be written at all.
		{name: "unreadable for the whole run", loadFailures: -1, persisted: []string{"Other"}},
		// Only the initial read fails, so the delivery is merged into the stored state.
		{name: "unreadable at start only", loadFailures: 1, persisted: []string{"Other", "Down"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fileStore, err := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"))
			if err != nil {
				t.Fatalf("creating state store: %v", err)
			}
			if err := fileStore.Save(t.Context(), NotificationState{"Other": other}); err != nil {
				t.Fatalf("seeding state: %v", err)
			}
			store := &unreadableStateStore{FileStateStore: fileStore, loadFailures: tt.loadFailures}

			notifier := &recordingNotifier{}
			runner := NewRunner(RunnerOptions{
				Targets:   []Target{slowTarget("Fine", fine.URL), slowTarget("Down", down.URL)},
				Evaluator: NewEvaluator(EvaluatorOptions{Probe: newTestProber().Probe, Logger: discardLogger()}),
				Gate:      NewNotificationGate(NotificationGateOptions{Store: store, Logger: discardLogger()}),
				Notifier:  notifier,
				Logger:    discardLogger(),
			})

			summary := runner.Run(t.Context())
			if summary.Notified != 1 {
				t.Errorf("expected Down to be notified, got %+v", summary)
			}

			persisted, err := fileStore.Load(t.Context())
			if err != nil {
				t.Fatalf("reading persisted state: %v", err)
			}
			if !persisted["Other"].Equal(other) {
				t.Errorf("expected the cooldown of Other to survive, got %v", persisted)
			}
			if len(persisted) != len(tt.persisted) {
				t.Errorf("expected entries %v, got %v", tt.persisted, persisted)
			}
			for _, name := range tt.persisted {
				if _, ok := persisted[name]; !ok {
					t.Errorf("expected %s to be persisted, got %v", name, persisted)
				}
			}
			if tt.loadFailures < 0 && store.saves != 0 {
				t.Errorf("expected no save while the state is unreadable, got %d", store.saves)
			}
		})
	}
}

func TestRunner_SentryTagsStayWithTheirTarget(t *testing.T) {
	var mu sync.Mutex
	events := make(map[string]string)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			if len(event.Exception) > 0 {
				events[event.Exception[len(event.Exception)-1].Value] = event.Tags["poke.target"]
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("creating sentry client: %v", err)
	}
	ctx := sentry.SetHubOnContext(t.Context(), sentry.NewHub(client, sentry.NewScope()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	names := []string{"One", "Two", "Three", "Four", "Five", "Six"}
	targets := make([]Target, 0, len(names))
	for _, name := range names {
		targets = append(targets, slowTarget(name, down.URL))
	}
	runner, _ := newRunner(t, targets, len(names), &recordingNotifier{failure: ErrNotifierDropped})

	summary := runner.Run(ctx)
	if summary.NotifyErrors != len(names) {
		t.Fatalf("expected every delivery to fail, got %+v", summary)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(names) {
		t.Fatalf("expected %d captured events, got %d", len(names), len(events))
	}
	for _, name := range names {
		value := "sending notification for " + name + ": " + ErrNotifierDropped.Error()
		tag, ok := events[value]
		if !ok {
			t.Errorf("expected an event for %s, got %v", name, events)
			continue
		}
		if tag != name {
			t.Errorf("expected the event for %s to be tagged %s, got %s", name, name, tag)
		}
	}
}
