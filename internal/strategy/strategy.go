// Package strategy implements the trigger logic for each advanced-order
// type.
//
// A Strategy is a pure decision function over (order, latest ticker): it
// says when to act and what child order to place. All durable bookkeeping —
// trigger counts, hash lists, remaining size, status transitions — belongs
// to the watcher scheduler; strategies only report what happened through
// the Submission record and the optional capability interfaces below.
package strategy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

// Submitter places and pulls child orders upstream. Implemented by the
// submit client; tests substitute fakes.
type Submitter interface {
	Submit(ctx context.Context, o *types.Order, amount decimal.Decimal, limitPrice float64) (string, error)
	CancelChild(ctx context.Context, chainID int64, hash string) error
}

// Submission reports one successful child-order placement.
//
// Amount is the remaining size consumed by this placement. Slice strategies
// (TWAP, DCA, RANGE, ICEBERG, GRID) consume their slice; one-shot and
// re-pegging strategies place the full remaining size as a resting order
// and consume zero, since nothing has filled yet.
type Submission struct {
	Hash   string          // child order hash
	Amount decimal.Decimal // remaining size consumed, may be zero
	Price  float64         // limit price of the child order

	// ExtraHashes are auxiliary children placed alongside the primary one
	// (take-profit legs). Recorded in the audit trail only, never in the
	// order's primary hash list.
	ExtraHashes []string
}

// Strategy is the per-order-type trigger contract.
type Strategy interface {
	// Type returns the order type this strategy handles.
	Type() types.OrderType

	// ValidateParams checks the raw parameter blob at creation time.
	ValidateParams(raw json.RawMessage) error

	// ShouldTrigger decides whether the order should act on this sample.
	ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error)

	// Submit places the child order(s) for a trigger that fired.
	Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error)
}

// Initializer is implemented by strategies that seed order state before the
// first evaluation (e.g. the first slice timestamp or price level).
type Initializer interface {
	Initialize(o *types.Order) error
}

// TriggerUpdater advances the order's next trigger boundary after a
// successful submit. Called by the scheduler before persisting.
type TriggerUpdater interface {
	UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot)
}

// Completer is implemented by strategies with a natural end. ShouldComplete
// is consulted after each successful submit and on every evaluation that
// does not fire, so schedule-bound strategies can close once their window
// elapses; done=true deregisters the watcher. The returned status is
// persisted unless it is StatusActive, which means "stop watching but leave
// the order as it stands" — used by one-shot strategies whose single child
// keeps resting upstream.
type Completer interface {
	ShouldComplete(now time.Time, o *types.Order) (done bool, status types.OrderStatus)
}

// Expirer is implemented by strategies whose parameters carry an expiry.
// The scheduler marks the order EXPIRED once the deadline passes without
// completion.
type Expirer interface {
	ExpiresAt(o *types.Order) (int64, bool) // epoch ms; false = no expiry
}

// markPrice picks the reference price from a sample: mid when the collector
// provides both sides, last trade otherwise.
func markPrice(tick *types.TickerSnapshot) float64 {
	if tick.Mid > 0 {
		return tick.Mid
	}
	return tick.Last
}

// sma returns the simple moving average of the last period values. ok is
// false when the series is too short.
func sma(series []float64, period int) (avg float64, ok bool) {
	if period <= 0 || len(series) < period {
		return 0, false
	}
	var sum float64
	for _, v := range series[len(series)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// expiryMS converts an expiry in days from the order's creation into an
// absolute epoch-ms deadline. Zero days means no expiry.
func expiryMS(o *types.Order, days float64) (int64, bool) {
	if days <= 0 {
		return 0, false
	}
	return o.CreatedAt + int64(days*24*float64(time.Hour/time.Millisecond)), true
}
