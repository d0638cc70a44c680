package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lop-keeper/pkg/types"
)

const dayMS = 24 * 60 * 60 * 1000

// DCA buys a fixed amount on a calendar interval, open-ended, until the
// order's total size budget runs out. The next purchase's due time lives in
// Order.NextTriggerValue as epoch milliseconds.
type DCA struct {
	sub Submitter
}

func NewDCA(sub Submitter) *DCA { return &DCA{sub: sub} }

func (s *DCA) Type() types.OrderType { return types.TypeDCA }

func (s *DCA) ValidateParams(raw json.RawMessage) error {
	var p types.DCAParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if p.IntervalDays <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidParams)
	}
	if p.MaxPrice < 0 {
		return fmt.Errorf("%w: maxPrice must not be negative", ErrInvalidParams)
	}
	return nil
}

// Initialize arms the first purchase at startDate.
func (s *DCA) Initialize(o *types.Order) error {
	var p types.DCAParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	o.NextTriggerValue = float64(p.StartDate)
	return nil
}

func (s *DCA) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	var p types.DCAParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if float64(now.UnixMilli()) < o.NextTriggerValue {
		return false, nil
	}
	// A maxPrice ceiling skips the purchase but does not advance the
	// schedule; the buy happens as soon as the price comes back under.
	if p.MaxPrice > 0 && markPrice(tick) > p.MaxPrice {
		return false, nil
	}
	return true, nil
}

func (s *DCA) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.DCAParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	amount := p.Amount
	if amount.GreaterThan(o.RemainingSize) {
		amount = o.RemainingSize
	}

	price := markPrice(tick)
	hash, err := s.sub.Submit(ctx, o, amount, price)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: amount, Price: price}, nil
}

// UpdateNextTrigger schedules the next purchase one interval later.
func (s *DCA) UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot) {
	var p types.DCAParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return
	}
	o.NextTriggerValue += p.IntervalDays * dayMS
}

// ShouldComplete ends the schedule once the size budget is spent.
func (s *DCA) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	if o.RemainingSize.Sign() <= 0 {
		return true, types.StatusFilled
	}
	return false, types.StatusActive
}
