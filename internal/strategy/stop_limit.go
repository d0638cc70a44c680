package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

// StopLimit waits for the market to reach the stop price, then places the
// full remaining size as a resting order at the limit price. BUY triggers
// when the price rises to the stop; SELL mirrors the comparison.
type StopLimit struct {
	sub Submitter
}

func NewStopLimit(sub Submitter) *StopLimit { return &StopLimit{sub: sub} }

func (s *StopLimit) Type() types.OrderType { return types.TypeStopLimit }

func (s *StopLimit) ValidateParams(raw json.RawMessage) error {
	var p types.StopLimitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.StopPrice <= 0 {
		return fmt.Errorf("%w: stopPrice must be positive", ErrInvalidParams)
	}
	if p.LimitPrice <= 0 {
		return fmt.Errorf("%w: limitPrice must be positive", ErrInvalidParams)
	}
	if p.Side != "" && p.Side != types.SideBuy && p.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidParams)
	}
	return nil
}

func (s *StopLimit) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	if o.TriggerCount > 0 {
		return false, nil
	}
	var p types.StopLimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	price := markPrice(tick)
	if p.Side == types.SideSell {
		return price <= p.StopPrice, nil
	}
	return price >= p.StopPrice, nil
}

func (s *StopLimit) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.StopLimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	hash, err := s.sub.Submit(ctx, o, o.RemainingSize, p.LimitPrice)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Hash: hash, Amount: decimal.Zero, Price: p.LimitPrice}, nil
}

// ShouldComplete fires after the single trigger. The status stays ACTIVE:
// the limit child is resting upstream and fills are not the keeper's to
// observe.
func (s *StopLimit) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	return o.TriggerCount >= 1, types.StatusActive
}

func (s *StopLimit) ExpiresAt(o *types.Order) (int64, bool) {
	var p types.StopLimitParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return 0, false
	}
	return expiryMS(o, p.ExpiryDays)
}
