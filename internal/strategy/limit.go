package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

// Limit places a single resting order at the requested price and then steps
// aside: the child lives upstream, the parent stays ACTIVE with its full
// remaining size until the maker cancels or the expiry passes.
type Limit struct {
	sub Submitter
}

func NewLimit(sub Submitter) *Limit { return &Limit{sub: sub} }

func (s *Limit) Type() types.OrderType { return types.TypeLimit }

func (s *Limit) ValidateParams(raw json.RawMessage) error {
	var p types.LimitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.LimitPrice <= 0 {
		return fmt.Errorf("%w: limitPrice must be positive", ErrInvalidParams)
	}
	return nil
}

// ShouldTrigger fires exactly once, immediately. The limit price does the
// waiting upstream.
func (s *Limit) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	return o.TriggerCount == 0, nil
}

func (s *Limit) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.LimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	hash, err := s.sub.Submit(ctx, o, o.RemainingSize, p.LimitPrice)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: decimal.Zero, Price: p.LimitPrice}, nil
}

// ShouldComplete deregisters the watcher after the single placement without
// touching the status; the order remains ACTIVE while the child rests.
func (s *Limit) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	return o.TriggerCount >= 1, types.StatusActive
}

func (s *Limit) ExpiresAt(o *types.Order) (int64, bool) {
	var p types.LimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return 0, false
	}
	return expiryMS(o, p.ExpiryDays)
}
