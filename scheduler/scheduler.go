// Package scheduler drives the lifecycle engine on a fixed interval. One tick
// reconciles every configured channel strictly in order; the next tick is
// scheduled after the current one completes, so processing time is not
// reclaimed and ticks may drift later under load.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lucthesloth/twitch-discord-live-bot/engine"
	"github.com/lucthesloth/twitch-discord-live-bot/store"
	"github.com/lucthesloth/twitch-discord-live-bot/telemetry"
)

// ErrorRecorder persists reconcile failures. *store.Store satisfies it.
type ErrorRecorder interface {
	InsertError(ctx context.Context, e store.ErrorRecord) error
	CountOpenSessions(ctx context.Context) (int, error)
}

// Reconciler is the engine surface the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, login string) error
}

// Scheduler runs one tick at a time over the configured channel list.
type Scheduler struct {
	Engine   Reconciler
	Recorder ErrorRecorder
	Channels []string
	Interval time.Duration

	// Now and After are the clock seams; tests pin them. Defaults: time.Now,
	// time.After.
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time

	// lastTick is read by the HTTP status handler while Run ticks in its own
	// goroutine.
	mu       sync.Mutex
	lastTick time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) after(d time.Duration) <-chan time.Time {
	if s.After != nil {
		return s.After(d)
	}
	return time.After(d)
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 60 * time.Second
}

// LastTick reports when the most recent tick completed (zero before the first).
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Run loops until the context is cancelled. The first tick fires immediately
// so a fresh boot doesn't wait a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("poller starting",
		slog.Duration("interval", s.interval()),
		slog.Int("channel_count", len(s.Channels)),
		slog.Any("channels", s.Channels))
	for {
		if ctx.Err() != nil {
			slog.Info("poller stopped")
			return
		}
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return
		case <-s.after(s.interval()):
		}
	}
}

// Tick reconciles every channel once, sequentially, isolating each channel's
// failure. Exported for tests and for the immediate boot tick.
func (s *Scheduler) Tick(ctx context.Context) {
	corr := uuid.New().String()
	ctx = telemetry.WithCorrelation(ctx, corr)
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "tick",
		attribute.Int("channel_count", len(s.Channels)))
	defer span.End()

	for _, login := range s.Channels {
		if ctx.Err() != nil {
			return
		}
		s.reconcileOne(ctx, login)
	}

	if s.Recorder != nil {
		if n, err := s.Recorder.CountOpenSessions(ctx); err == nil {
			telemetry.SetLiveChannels(n)
		}
	}
	s.mu.Lock()
	s.lastTick = s.now()
	s.mu.Unlock()
	telemetry.TicksTotal.Inc()
}

// reconcileOne is the per-channel failure boundary. The engine already
// isolates its own failures into categorized errors; the deferred recover is
// the last line of defense so a panicking channel cannot take down the tick.
func (s *Scheduler) reconcileOne(ctx context.Context, login string) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", login), slog.String("component", "scheduler"))
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 8192)
			n := runtime.Stack(buf, false)
			logger.Error("reconcile panicked", slog.Any("panic", r))
			s.record(ctx, logger, store.ErrorRecord{
				OccurredAt:  s.now(),
				Category:    "panic",
				Description: fmt.Sprintf("reconcile %s: %v", login, r),
				Trace:       string(buf[:n]),
			})
		}
	}()

	telemetry.ReconcilesTotal.Inc()
	err := s.Engine.Reconcile(ctx, login)
	if err == nil {
		return
	}
	telemetry.ReconcilesFailed.Inc()
	logger.Warn("reconcile failed", slog.Any("err", err))

	rec := store.ErrorRecord{
		OccurredAt:  s.now(),
		Category:    "engine",
		Description: err.Error(),
	}
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		rec.Category = engErr.Category
		rec.Location = engErr.Location
		rec.Trace = engErr.Stack
	}
	s.record(ctx, logger, rec)
}

func (s *Scheduler) record(ctx context.Context, logger *slog.Logger, rec store.ErrorRecord) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.InsertError(ctx, rec); err != nil {
		// The error table itself is unreachable; logging is all that's left.
		logger.Error("failed to record error", slog.Any("err", err))
	}
}
