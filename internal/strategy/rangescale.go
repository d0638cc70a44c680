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

// RangeScale scales into a price range level by level. The range from
// startPrice to endPrice is divided into steps of stepPct of its width; as
// the market crosses each level (downward when endPrice < startPrice,
// upward otherwise) one equal tranche is placed at that level. The next
// unfilled level lives in Order.NextTriggerValue.
type RangeScale struct {
	sub Submitter
}

func NewRangeScale(sub Submitter) *RangeScale { return &RangeScale{sub: sub} }

func (s *RangeScale) Type() types.OrderType { return types.TypeRange }

func (s *RangeScale) ValidateParams(raw json.RawMessage) error {
	var p types.RangeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if p.StartPrice <= 0 || p.EndPrice <= 0 {
		return fmt.Errorf("%w: startPrice and endPrice must be positive", ErrInvalidParams)
	}
	if p.StartPrice == p.EndPrice {
		return fmt.Errorf("%w: startPrice and endPrice must differ", ErrInvalidParams)
	}
	if p.StepPct <= 0 || p.StepPct > 100 {
		return fmt.Errorf("%w: stepPct must be in (0, 100]", ErrInvalidParams)
	}
	return nil
}

// Initialize arms the first level at startPrice.
func (s *RangeScale) Initialize(o *types.Order) error {
	var p types.RangeParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	o.NextTriggerValue = p.StartPrice
	return nil
}

func (s *RangeScale) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	var p types.RangeParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return levelCrossed(markPrice(tick), o.NextTriggerValue, p.EndPrice < p.StartPrice), nil
}

func (s *RangeScale) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.RangeParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	steps := rangeStepCount(p.StartPrice, p.EndPrice, p.StepPct)
	tranche := trancheAmount(p.Amount, steps, o.TriggerCount, o.RemainingSize)
	level := o.NextTriggerValue

	hash, err := s.sub.Submit(ctx, o, tranche, level)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: tranche, Price: level}, nil
}

// UpdateNextTrigger moves the level one step toward endPrice.
func (s *RangeScale) UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot) {
	var p types.RangeParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return
	}
	step := math.Abs(p.EndPrice-p.StartPrice) * p.StepPct / 100
	if p.EndPrice < p.StartPrice {
		o.NextTriggerValue -= step
	} else {
		o.NextTriggerValue += step
	}
}

func (s *RangeScale) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	var p types.RangeParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, types.StatusActive
	}
	if o.TriggerCount >= rangeStepCount(p.StartPrice, p.EndPrice, p.StepPct) || o.RemainingSize.Sign() <= 0 {
		return true, types.StatusCompleted
	}
	return false, types.StatusActive
}

func (s *RangeScale) ExpiresAt(o *types.Order) (int64, bool) {
	var p types.RangeParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return 0, false
	}
	return expiryMS(o, p.ExpiryDays)
}

// rangeStepCount is how many levels the step size fits into the range,
// inclusive of the starting level.
func rangeStepCount(start, end, stepPct float64) int {
	width := math.Abs(end - start)
	step := width * stepPct / 100
	if step <= 0 {
		return 1
	}
	return int(math.Floor(width/step)) + 1
}

// levelCrossed reports whether the price has reached the level from the
// scaling direction.
func levelCrossed(price, level float64, descending bool) bool {
	if descending {
		return price <= level
	}
	return price >= level
}

// trancheAmount divides the total evenly across steps; the final tranche
// sweeps the remainder so rounding never strands size.
func trancheAmount(total decimal.Decimal, steps, done int, remaining decimal.Decimal) decimal.Decimal {
	tranche := total.Div(decimal.NewFromInt(int64(steps)))
	if done == steps-1 || tranche.GreaterThan(remaining) {
		tranche = remaining
	}
	return tranche
}
