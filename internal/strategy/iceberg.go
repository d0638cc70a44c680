package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lop-keeper/pkg/types"
)

// Iceberg scales through a price range like RangeScale but with an explicit
// fixed number of steps, so only one tranche of the full size is visible on
// the book at a time.
type Iceberg struct {
	sub Submitter
}

func NewIceberg(sub Submitter) *Iceberg { return &Iceberg{sub: sub} }

func (s *Iceberg) Type() types.OrderType { return types.TypeIceberg }

func (s *Iceberg) ValidateParams(raw json.RawMessage) error {
	var p types.IcebergParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if p.StartPrice <= 0 || p.EndPrice <= 0 {
		return fmt.Errorf("%w: startPrice and endPrice must be positive", ErrInvalidParams)
	}
	if p.Steps < 1 {
		return fmt.Errorf("%w: steps must be at least 1", ErrInvalidParams)
	}
	return nil
}

// Initialize arms the first level at startPrice.
func (s *Iceberg) Initialize(o *types.Order) error {
	var p types.IcebergParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	o.NextTriggerValue = p.StartPrice
	return nil
}

func (s *Iceberg) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	var p types.IcebergParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return levelCrossed(markPrice(tick), o.NextTriggerValue, p.EndPrice < p.StartPrice), nil
}

func (s *Iceberg) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.IcebergParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	tranche := trancheAmount(p.Amount, p.Steps, o.TriggerCount, o.RemainingSize)
	level := o.NextTriggerValue

	hash, err := s.sub.Submit(ctx, o, tranche, level)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: tranche, Price: level}, nil
}

// UpdateNextTrigger moves one of the steps-1 equal increments toward
// endPrice; a single-step iceberg has nowhere further to go.
func (s *Iceberg) UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot) {
	var p types.IcebergParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return
	}
	if p.Steps <= 1 {
		return
	}
	step := (p.EndPrice - p.StartPrice) / float64(p.Steps-1)
	o.NextTriggerValue += step
}

func (s *Iceberg) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	var p types.IcebergParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, types.StatusActive
	}
	if o.TriggerCount >= p.Steps || o.RemainingSize.Sign() <= 0 {
		return true, types.StatusCompleted
	}
	return false, types.StatusActive
}

func (s *Iceberg) ExpiresAt(o *types.Order) (int64, bool) {
	var p types.IcebergParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return 0, false
	}
	return expiryMS(o, p.ExpiryDays)
}
