package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

// TWAP splits the order amount into equal slices placed at fixed intervals
// between startDate and endDate. The next slice's due time lives in
// Order.NextTriggerValue as epoch milliseconds.
type TWAP struct {
	sub Submitter
}

func NewTWAP(sub Submitter) *TWAP { return &TWAP{sub: sub} }

func (s *TWAP) Type() types.OrderType { return types.TypeTWAP }

func (s *TWAP) ValidateParams(raw json.RawMessage) error {
	var p types.TWAPParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if p.IntervalMS <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidParams)
	}
	if p.EndDate <= p.StartDate {
		return fmt.Errorf("%w: endDate must be after startDate", ErrInvalidParams)
	}
	if p.MaxPrice < 0 {
		return fmt.Errorf("%w: maxPrice must not be negative", ErrInvalidParams)
	}
	return nil
}

// Initialize arms the first slice at startDate.
func (s *TWAP) Initialize(o *types.Order) error {
	var p types.TWAPParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	o.NextTriggerValue = float64(p.StartDate)
	return nil
}

func (s *TWAP) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	var p types.TWAPParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	nowMS := now.UnixMilli()
	if nowMS < p.StartDate || nowMS > p.EndDate || float64(nowMS) < o.NextTriggerValue {
		return false, nil
	}
	if p.MaxPrice > 0 && markPrice(tick) > p.MaxPrice {
		return false, nil
	}
	return true, nil
}

func (s *TWAP) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.TWAPParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	slices := sliceCount(p.StartDate, p.EndDate, p.IntervalMS)
	slice := p.Amount.Div(decimal.NewFromInt(int64(slices)))

	// The final slice sweeps whatever rounding left behind.
	if o.TriggerCount == slices-1 || slice.GreaterThan(o.RemainingSize) {
		slice = o.RemainingSize
	}

	price := markPrice(tick)
	hash, err := s.sub.Submit(ctx, o, slice, price)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: slice, Price: price}, nil
}

// UpdateNextTrigger schedules the next slice one interval later.
func (s *TWAP) UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot) {
	var p types.TWAPParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return
	}
	o.NextTriggerValue += float64(p.IntervalMS)
}

// ShouldComplete ends the schedule once every slice is placed, the size is
// spent, or the window has closed. Slices still pending at endDate are
// forfeited rather than caught up.
func (s *TWAP) ShouldComplete(now time.Time, o *types.Order) (bool, types.OrderStatus) {
	var p types.TWAPParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, types.StatusActive
	}
	if now.UnixMilli() >= p.EndDate {
		return true, types.StatusCompleted
	}
	if o.TriggerCount >= sliceCount(p.StartDate, p.EndDate, p.IntervalMS) || o.RemainingSize.Sign() <= 0 {
		return true, types.StatusCompleted
	}
	return false, types.StatusActive
}

// sliceCount is the number of intervals that fit in [start, end), rounded
// up so the window is always fully covered; never less than one.
func sliceCount(start, end, interval int64) int {
	n := int((end - start + interval - 1) / interval)
	if n < 1 {
		n = 1
	}
	return n
}
