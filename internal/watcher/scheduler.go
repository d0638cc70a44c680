// Package watcher runs one evaluation loop per live order.
//
// The scheduler owns all durable bookkeeping around a trigger: it bumps the
// trigger count, appends the child hash, decrements the remaining size,
// advances the next trigger boundary and persists — strategies only decide
// and place. Each watchable order gets its own goroutine that evaluates
// immediately on start and then on every poll tick until the order reaches
// a terminal status or its strategy reports completion.
//
// Evaluation is skipped, never failed, when the price view has no sample or
// only a stale one; submission and parameter errors are terminal (FAILED).
// Store write errors are logged and retried implicitly: every save writes
// the full record, so the next successful tick repairs the gap.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/internal/pricefeed"
	"lop-keeper/internal/store"
	"lop-keeper/internal/strategy"
	"lop-keeper/pkg/types"
)

// Subscriber feeds price samples for the symbols the scheduler watches.
type Subscriber interface {
	Subscribe(ctx context.Context, symbols []string) error
}

// Scheduler manages the per-order watcher goroutines.
type Scheduler struct {
	store      *store.Store
	view       *pricefeed.View
	strategies *strategy.Registry
	feed       Subscriber // may be nil in tests

	pollInterval time.Duration
	staleAfter   time.Duration

	mu       sync.Mutex
	watchers map[string]context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	logger *slog.Logger
}

// NewScheduler creates a scheduler. pollInterval and staleAfter must be
// positive (config validation enforces this upstream).
func NewScheduler(st *store.Store, view *pricefeed.View, reg *strategy.Registry, feed Subscriber,
	pollInterval, staleAfter time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        st,
		view:         view,
		strategies:   reg,
		feed:         feed,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		watchers:     make(map[string]context.CancelFunc),
		logger:       logger.With("component", "watcher"),
	}
}

// Start restores a watcher for every order the store still owes one.
// Idempotent per order, so a crash between save and restart is harmless.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	orders, err := s.store.GetActive(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		s.StartWatcher(o)
	}
	s.logger.Info("scheduler started", "restored", len(orders))
	return nil
}

// Stop cancels all watchers and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// StartWatcher launches the evaluation loop for an order. Starting an
// already-watched or terminal order is a no-op.
func (s *Scheduler) StartWatcher(o *types.Order) {
	if !o.Status.Watchable() {
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, exists := s.watchers[o.ID]; exists {
		s.mu.Unlock()
		return
	}
	wctx, wcancel := context.WithCancel(s.ctx)
	s.watchers[o.ID] = wcancel
	s.mu.Unlock()

	if s.feed != nil && o.Symbol != "" {
		if err := s.feed.Subscribe(wctx, []string{o.Symbol}); err != nil {
			s.logger.Warn("symbol subscription failed", "order", o.ID, "symbol", o.Symbol, "error", err)
		}
	}

	s.wg.Add(1)
	go s.watch(wctx, o.Clone())
}

// Watching reports whether the order currently has a live watcher.
func (s *Scheduler) Watching(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[id]
	return ok
}

// Cancel marks the order CANCELLED and tears down its watcher. Cancelling
// an already-terminal order returns the store state unchanged.
func (s *Scheduler) Cancel(ctx context.Context, o *types.Order) error {
	s.deregister(o.ID)

	if o.Status.Terminal() {
		return nil
	}
	o.Status = types.StatusCancelled
	o.CancelledAt = time.Now().UnixMilli()
	if err := s.store.Save(ctx, o); err != nil {
		return err
	}
	s.appendEvent(ctx, types.OrderEvent{
		OrderID:   o.ID,
		Status:    types.StatusCancelled,
		Timestamp: o.CancelledAt,
	})
	s.logger.Info("order cancelled", "order", o.ID)
	return nil
}

func (s *Scheduler) deregister(id string) {
	s.mu.Lock()
	if cancel, ok := s.watchers[id]; ok {
		cancel()
		delete(s.watchers, id)
	}
	s.mu.Unlock()
}

// watch is the per-order loop: evaluate immediately, then on every poll
// tick, until terminal.
func (s *Scheduler) watch(ctx context.Context, o *types.Order) {
	defer s.wg.Done()
	defer s.deregister(o.ID)

	log := s.logger.With("order", o.ID, "type", string(o.Type))

	strat, err := s.strategies.Get(o.Type)
	if err != nil {
		s.fail(ctx, o, err)
		return
	}

	if !s.evaluate(ctx, o, strat, log) {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.evaluate(ctx, o, strat, log) {
				return
			}
		}
	}
}

// evaluate runs one tick. Returns false when the watcher should exit.
func (s *Scheduler) evaluate(ctx context.Context, o *types.Order, strat strategy.Strategy, log *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	if o.Status.Terminal() {
		return false
	}

	now := time.Now()

	if exp, ok := strat.(strategy.Expirer); ok {
		if deadline, has := exp.ExpiresAt(o); has && now.UnixMilli() >= deadline {
			o.Status = types.StatusExpired
			if err := s.store.Save(ctx, o); err != nil {
				log.Error("failed to persist expiry", "error", err)
				o.Status = types.StatusActive // retry next tick
				return true
			}
			s.appendEvent(ctx, types.OrderEvent{
				OrderID:   o.ID,
				Status:    types.StatusExpired,
				Timestamp: now.UnixMilli(),
			})
			log.Info("order expired")
			return false
		}
	}

	tick, ok := s.view.Price(o.Symbol)
	if !ok {
		return true // no sample yet, try again next tick
	}
	if tick.Age(now) > s.staleAfter {
		log.Debug("skipping stale sample", "age", tick.Age(now))
		return true
	}

	fire, err := strat.ShouldTrigger(now, o, tick)
	if err != nil {
		s.fail(ctx, o, err)
		return false
	}
	if !fire {
		// A quiet tick can still close the order, e.g. a schedule
		// window that has elapsed.
		return s.shouldKeepWatching(ctx, now, o, strat, log)
	}

	sub, err := strat.Submit(ctx, o, tick)
	if err != nil {
		if ctx.Err() != nil {
			return false // shutdown mid-submit, state untouched
		}
		s.fail(ctx, o, err)
		return false
	}

	s.record(ctx, o, strat, sub, tick, now, log)
	return !o.Status.Terminal() && s.shouldKeepWatching(ctx, now, o, strat, log)
}

// record applies the scheduler-owned bookkeeping for one successful submit
// and persists it.
func (s *Scheduler) record(ctx context.Context, o *types.Order, strat strategy.Strategy,
	sub strategy.Submission, tick *types.TickerSnapshot, now time.Time, log *slog.Logger) {

	o.TriggerCount++
	o.ChildOrderHashes = append(o.ChildOrderHashes, sub.Hash)
	if sub.Amount.Sign() > 0 {
		o.RemainingSize = o.RemainingSize.Sub(sub.Amount)
		if o.RemainingSize.Sign() < 0 {
			o.RemainingSize = decimal.Zero
		}
	}
	if o.Status == types.StatusPending {
		o.Status = types.StatusActive
	}
	if o.ExecutedAt == 0 {
		o.ExecutedAt = now.UnixMilli()
	}
	if up, ok := strat.(strategy.TriggerUpdater); ok {
		up.UpdateNextTrigger(o, tick)
	}

	if err := s.store.Save(ctx, o); err != nil {
		log.Error("failed to persist trigger", "error", err)
	}

	s.appendEvent(ctx, types.OrderEvent{
		OrderID:      o.ID,
		OrderHash:    sub.Hash,
		Status:       o.Status,
		Timestamp:    now.UnixMilli(),
		FilledAmount: sub.Amount,
	})
	for _, extra := range sub.ExtraHashes {
		s.appendEvent(ctx, types.OrderEvent{
			OrderID:   o.ID,
			OrderHash: extra,
			Status:    o.Status,
			Timestamp: now.UnixMilli(),
		})
	}

	log.Info("trigger fired",
		"count", o.TriggerCount,
		"hash", sub.Hash,
		"price", sub.Price,
		"remaining", o.RemainingSize,
	)
}

// shouldKeepWatching consults the strategy's completion contract and the
// remaining-size invariant. Returns false once the watcher is done.
func (s *Scheduler) shouldKeepWatching(ctx context.Context, now time.Time, o *types.Order, strat strategy.Strategy, log *slog.Logger) bool {
	if comp, ok := strat.(strategy.Completer); ok {
		done, status := comp.ShouldComplete(now, o)
		if !done {
			return true
		}
		// StatusActive means "stop watching, leave the order as it
		// stands": the resting children carry on upstream.
		if status != types.StatusActive {
			o.Status = status
			if err := s.store.Save(ctx, o); err != nil {
				log.Error("failed to persist completion", "error", err)
				return true // retry next tick
			}
			s.appendEvent(ctx, types.OrderEvent{
				OrderID:   o.ID,
				Status:    status,
				Timestamp: now.UnixMilli(),
			})
		}
		log.Info("order complete", "status", string(o.Status))
		return false
	}

	if o.RemainingSize.Sign() <= 0 {
		o.Status = types.StatusFilled
		if err := s.store.Save(ctx, o); err != nil {
			log.Error("failed to persist fill", "error", err)
			return true
		}
		s.appendEvent(ctx, types.OrderEvent{
			OrderID:   o.ID,
			Status:    types.StatusFilled,
			Timestamp: now.UnixMilli(),
		})
		log.Info("order filled")
		return false
	}
	return true
}

// fail marks the order FAILED with the error recorded in the audit trail.
func (s *Scheduler) fail(ctx context.Context, o *types.Order, cause error) {
	o.Status = types.StatusFailed
	if err := s.store.Save(ctx, o); err != nil {
		s.logger.Error("failed to persist failure", "order", o.ID, "error", err)
	}
	s.appendEvent(ctx, types.OrderEvent{
		OrderID:   o.ID,
		Status:    types.StatusFailed,
		Timestamp: time.Now().UnixMilli(),
		Error:     cause.Error(),
	})
	s.logger.Error("order failed", "order", o.ID, "error", cause)
}

func (s *Scheduler) appendEvent(ctx context.Context, evt types.OrderEvent) {
	if err := s.store.AppendEvent(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("failed to append event", "order", evt.OrderID, "error", err)
	}
}
