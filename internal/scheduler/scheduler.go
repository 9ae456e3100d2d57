// Package scheduler redelivers failed live effects from the dispatch outbox
// on a cron schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/intake/internal/effects"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/streaming"
	"github.com/rendis/intake/pkg/schema"
)

// DefaultSpec sweeps the outbox every 30 seconds.
const DefaultSpec = "@every 30s"

// OutboxStore is the slice of store.Store the sweeper needs.
type OutboxStore interface {
	DueOutbox(ctx context.Context, limit int) ([]*store.OutboxEntry, error)
	UpdateOutbox(ctx context.Context, id string, update store.OutboxUpdate) error
	AppendEvents(ctx context.Context, events ...*schema.RunEvent) error
}

// Config configures a Sweeper.
type Config struct {
	Spec      string // cron spec; DefaultSpec when empty
	BatchSize int    // entries per sweep; 50 when zero
	Policy    RetryPolicy
	Hub       streaming.EventHub // optional
	Logger    *slog.Logger
}

// Sweeper retries due outbox entries through the live sink.
type Sweeper struct {
	store  OutboxStore
	sink   effects.EffectSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewSweeper creates a Sweeper that redelivers through sink.
func NewSweeper(s OutboxStore, sink effects.EffectSink, cfg Config) *Sweeper {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Policy returns the retry policy in effect.
func (s *Sweeper) Policy() RetryPolicy { return s.cfg.Policy }

// Start registers the sweep with a cron runner and starts it. Overlapping
// sweeps are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("outbox sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "invalid outbox schedule %q: %v", s.cfg.Spec, err).WithCause(err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("outbox sweeper started", slog.String("spec", s.cfg.Spec))
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("outbox sweeper stopped")
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Dead      int `json:"dead"`
}

// Sweep redelivers every due entry once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	entries, err := s.store.DueOutbox(ctx, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due outbox: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !s.tryAcquire(e.ID) {
			continue
		}
		status, err := s.redeliver(ctx, e)
		s.release(e.ID)
		if err != nil {
			s.logger.Error("outbox update failed",
				slog.String("outbox_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch status {
		case store.OutboxDelivered:
			res.Delivered++
		case store.OutboxDead:
			res.Dead++
		default:
			res.Retrying++
		}
	}
	return res, nil
}

func (s *Sweeper) redeliver(ctx context.Context, e *store.OutboxEntry) (store.OutboxStatus, error) {
	attempts := e.Attempts + 1
	d := effects.Delivery{
		Effect:  e.Effect,
		Payload: e.Payload,
		Data:    e.Data,
		Run:     effects.RunInfo{RunID: e.Run.RunID, WorkflowID: e.Run.WorkflowID, VersionID: e.Run.VersionID},
	}
	_, _, derr := s.sink.Deliver(ctx, d)

	log := s.logger.With(
		slog.String("run_id", e.RunID),
		slog.String("effect_id", e.EffectID),
		slog.Int("attempt", attempts),
	)

	if derr == nil {
		log.Info("outbox entry delivered")
		if err := s.store.UpdateOutbox(ctx, e.ID, store.OutboxUpdate{
			Status:        store.OutboxDelivered,
			Attempts:      attempts,
			NextAttemptAt: s.now(),
		}); err != nil {
			return "", err
		}
		s.record(ctx, e, schema.EventEffectRetried, effectEventPayload{EffectID: e.EffectID, Kind: string(e.Kind), Attempts: attempts})
		return store.OutboxDelivered, nil
	}

	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.Policy.MaxAttempts
	}
	update := store.OutboxUpdate{
		Status:    store.OutboxPending,
		Attempts:  attempts,
		LastError: derr.Error(),
	}
	if attempts >= maxAttempts || !schema.IsRetryable(derr) {
		update.Status = store.OutboxDead
		update.NextAttemptAt = s.now()
		log.Warn("outbox entry dead", slog.String("error", derr.Error()))
	} else {
		update.NextAttemptAt = s.now().Add(s.cfg.Policy.Backoff(attempts))
		log.Warn("outbox redelivery failed", slog.String("error", derr.Error()), slog.Time("next_attempt_at", update.NextAttemptAt))
	}
	if err := s.store.UpdateOutbox(ctx, e.ID, update); err != nil {
		return "", err
	}
	if update.Status == store.OutboxDead {
		s.record(ctx, e, schema.EventEffectFailed, effectEventPayload{
			EffectID: e.EffectID, Kind: string(e.Kind), Attempts: attempts, Error: derr.Error(), Dead: true,
		})
	}
	return update.Status, nil
}

type effectEventPayload struct {
	EffectID string `json:"effect_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Dead     bool   `json:"dead,omitempty"`
}

func (s *Sweeper) record(ctx context.Context, e *store.OutboxEntry, eventType string, payload effectEventPayload) {
	raw, _ := json.Marshal(payload)
	ev := &schema.RunEvent{RunID: e.RunID, Type: eventType, Payload: raw}
	if err := s.store.AppendEvents(ctx, ev); err != nil {
		s.logger.Error("append outbox event failed", slog.String("run_id", e.RunID), slog.String("error", err.Error()))
		return
	}
	if s.cfg.Hub != nil {
		_ = s.cfg.Hub.Publish(ctx, streaming.FromRunEvent(ev))
	}
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
