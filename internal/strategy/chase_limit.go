package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

// ChaseLimit keeps a resting order pegged near the market. The peg is
// seeded from the first fresh sample; whenever the price then drifts
// distancePct or more from it, the previous child is cancelled and a fresh
// one is placed at the new market level. The current peg lives in
// Order.TriggerPrice.
type ChaseLimit struct {
	sub Submitter
}

func NewChaseLimit(sub Submitter) *ChaseLimit { return &ChaseLimit{sub: sub} }

func (s *ChaseLimit) Type() types.OrderType { return types.TypeChaseLimit }

func (s *ChaseLimit) ValidateParams(raw json.RawMessage) error {
	var p types.ChaseLimitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.DistancePct <= 0 {
		return fmt.Errorf("%w: distancePct must be positive", ErrInvalidParams)
	}
	if p.MaxPrice < 0 {
		return fmt.Errorf("%w: maxPrice must not be negative", ErrInvalidParams)
	}
	return nil
}

// ShouldTrigger seeds the peg from the first sample without placing
// anything, then fires whenever the market drifts distancePct or more from
// the peg — but never while the price sits above maxPrice.
func (s *ChaseLimit) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	var p types.ChaseLimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	price := markPrice(tick)
	if o.TriggerPrice <= 0 {
		o.TriggerPrice = price
		return false, nil
	}
	if p.MaxPrice > 0 && price > p.MaxPrice {
		return false, nil
	}

	drift := math.Abs(price-o.TriggerPrice) / o.TriggerPrice * 100
	return drift >= p.DistancePct, nil
}

// Submit re-pegs: pull the previous child (if any), place the remaining
// size at the current market, capped by maxPrice when set. The remaining
// size is untouched — the order is resting, not filled.
func (s *ChaseLimit) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.ChaseLimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if prev := o.LastChildHash(); prev != "" {
		if err := s.sub.CancelChild(ctx, o.ChainID, prev); err != nil {
			return Submission{}, fmt.Errorf("cancel stale peg: %w", err)
		}
	}

	price := markPrice(tick)
	limit := price * (1 + p.DistancePct/100)
	if p.MaxPrice > 0 && limit > p.MaxPrice {
		limit = p.MaxPrice
	}

	hash, err := s.sub.Submit(ctx, o, o.RemainingSize, limit)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: decimal.Zero, Price: limit}, nil
}

// UpdateNextTrigger stores the market level the latest child was pegged to.
func (s *ChaseLimit) UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot) {
	o.TriggerPrice = markPrice(tick)
}

func (s *ChaseLimit) ExpiresAt(o *types.Order) (int64, bool) {
	var p types.ChaseLimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return 0, false
	}
	return expiryMS(o, p.ExpiryDays)
}
