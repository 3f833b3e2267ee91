package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lucthesloth/twitch-discord-live-bot/engine"
	"github.com/lucthesloth/twitch-discord-live-bot/store"
	"github.com/lucthesloth/twitch-discord-live-bot/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	panic map[string]bool
}

func (f *fakeReconciler) Reconcile(_ context.Context, login string) error {
	f.mu.Lock()
	f.calls = append(f.calls, login)
	f.mu.Unlock()
	if f.panic[login] {
		panic("boom: " + login)
	}
	if err, ok := f.fail[login]; ok {
		return err
	}
	return nil
}

func (f *fakeReconciler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	records []store.ErrorRecord
	open    int
}

func (f *fakeRecorder) InsertError(_ context.Context, e store.ErrorRecord) error {
	f.records = append(f.records, e)
	return nil
}

func (f *fakeRecorder) CountOpenSessions(_ context.Context) (int, error) {
	return f.open, nil
}

func TestTickProcessesAllChannelsInOrder(t *testing.T) {
	rec := &fakeRecorder{}
	eng := &fakeReconciler{}
	s := &Scheduler{
		Engine:   eng,
		Recorder: rec,
		Channels: []string{"alpha", "beta", "gamma"},
	}

	s.Tick(context.Background())

	want := []string{"alpha", "beta", "gamma"}
	if len(eng.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", eng.calls, want)
	}
	for i, ch := range want {
		if eng.calls[i] != ch {
			t.Errorf("call %d = %q, want %q (configuration list order)", i, eng.calls[i], ch)
		}
	}
	if s.LastTick().IsZero() {
		t.Error("LastTick not set after a completed tick")
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	rec := &fakeRecorder{}
	eng := &fakeReconciler{fail: map[string]error{
		"beta": &engine.Error{Category: engine.CategoryLiveness, Channel: "beta", Op: "stream status", Err: errors.New("connection reset")},
	}}
	s := &Scheduler{
		Engine:   eng,
		Recorder: rec,
		Channels: []string{"alpha", "beta", "gamma"},
	}

	s.Tick(context.Background())

	if len(eng.calls) != 3 {
		t.Fatalf("calls = %v, want all 3 channels", eng.calls)
	}
	if len(rec.records) != 1 {
		t.Fatalf("error records = %d, want 1", len(rec.records))
	}
	r := rec.records[0]
	if r.Category != engine.CategoryLiveness {
		t.Errorf("category = %q, want %q", r.Category, engine.CategoryLiveness)
	}
	if r.Description == "" || r.OccurredAt.IsZero() {
		t.Errorf("record incomplete: %+v", r)
	}
}

func TestPanickingChannelIsRecoveredAndRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	eng := &fakeReconciler{panic: map[string]bool{"alpha": true}}
	s := &Scheduler{
		Engine:   eng,
		Recorder: rec,
		Channels: []string{"alpha", "beta"},
	}

	s.Tick(context.Background())

	if len(eng.calls) != 2 {
		t.Fatalf("calls = %v, want both channels despite panic", eng.calls)
	}
	if len(rec.records) != 1 || rec.records[0].Category != "panic" {
		t.Fatalf("records = %+v, want one panic record", rec.records)
	}
	if rec.records[0].Trace == "" {
		t.Error("panic record missing stack trace")
	}
}

func TestLastTickReadableWhileTicking(t *testing.T) {
	rec := &fakeRecorder{}
	eng := &fakeReconciler{}
	s := &Scheduler{
		Engine:   eng,
		Recorder: rec,
		Channels: []string{"alpha"},
	}

	// The status handler reads LastTick from HTTP goroutines while Run ticks
	// in its own; the race detector flags any unsynchronized access here.
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.Tick(ctx)
		}
	}()
	var last time.Time
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			last = s.LastTick()
		}
	}()
	wg.Wait()

	if got := s.LastTick(); got.IsZero() {
		t.Error("LastTick still zero after completed ticks")
	}
	_ = last
}

func TestRunSchedulesNextTickAfterCompletion(t *testing.T) {
	rec := &fakeRecorder{}
	eng := &fakeReconciler{}
	ticks := make(chan time.Time)
	var waits []time.Duration
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		Engine:   eng,
		Recorder: rec,
		Channels: []string{"alpha"},
		Interval: 42 * time.Second,
		After: func(d time.Duration) <-chan time.Time {
			waits = append(waits, d)
			return ticks
		},
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// First tick fires immediately; release two more, then stop.
	ticks <- time.Now()
	ticks <- time.Now()
	deadline := time.Now().Add(2 * time.Second)
	for eng.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}

	if got := eng.callCount(); got != 3 {
		t.Errorf("reconciles = %d, want 3 (immediate + 2 released ticks)", got)
	}
	for _, d := range waits {
		if d != 42*time.Second {
			t.Errorf("scheduled wait = %v, want the fixed interval", d)
		}
	}
}
