package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

const (
	adxTrendFloor      = 25.0 // minimum ADX before a move counts as a trend
	defaultBreakoutPct = 0.5  // default required clearance above the EMA
)

// RangeBreakout enters once when a trend-confirmed breakout clears the EMA:
// ADX must be rising (above its own moving average) and past the trend
// floor, and the price must exceed the EMA by breakoutPct. Requires the
// collector's precomputed ADX and EMA series on the ticker.
type RangeBreakout struct {
	sub Submitter
}

func NewRangeBreakout(sub Submitter) *RangeBreakout { return &RangeBreakout{sub: sub} }

func (s *RangeBreakout) Type() types.OrderType { return types.TypeRangeBreakout }

func (s *RangeBreakout) ValidateParams(raw json.RawMessage) error {
	var p types.RangeBreakoutParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.ADXPeriod <= 0 {
		return fmt.Errorf("%w: adxPeriod must be positive", ErrInvalidParams)
	}
	if p.ADXMAPeriod <= 0 {
		return fmt.Errorf("%w: adxmaPeriod must be positive", ErrInvalidParams)
	}
	if p.EMAPeriod <= 0 {
		return fmt.Errorf("%w: emaPeriod must be positive", ErrInvalidParams)
	}
	if p.BreakoutPct < 0 {
		return fmt.Errorf("%w: breakoutPct must not be negative", ErrInvalidParams)
	}
	return nil
}

func (s *RangeBreakout) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	if o.TriggerCount > 0 {
		return false, nil
	}
	var p types.RangeBreakoutParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if tick.Analysis == nil || len(tick.Analysis.ADX) == 0 || len(tick.Analysis.EMA) == 0 {
		return false, nil
	}

	adx := tick.Analysis.ADX[len(tick.Analysis.ADX)-1]
	adxMA, ok := sma(tick.Analysis.ADX, p.ADXMAPeriod)
	if !ok {
		return false, nil
	}
	ema := tick.Analysis.EMA[len(tick.Analysis.EMA)-1]
	if ema <= 0 {
		return false, nil
	}

	breakout := p.BreakoutPct
	if breakout == 0 {
		breakout = defaultBreakoutPct
	}

	if adx <= adxMA || adx <= adxTrendFloor {
		return false, nil
	}
	return markPrice(tick) >= ema*(1+breakout/100), nil
}

// Submit places the entry sized by the amount param, capped at the
// remaining size, with an optional take-profit leg tpPct above the entry.
func (s *RangeBreakout) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.RangeBreakoutParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	amount := p.Amount
	if amount.Sign() <= 0 || amount.GreaterThan(o.RemainingSize) {
		amount = o.RemainingSize
	}

	price := markPrice(tick)
	hash, err := s.sub.Submit(ctx, o, amount, price)
	if err != nil {
		return Submission{}, err
	}

	sub := Submission{Hash: hash, Amount: decimal.Zero, Price: price}
	if p.TPPct > 0 {
		tpHash, err := s.sub.Submit(ctx, o, amount, price*(1+p.TPPct/100))
		if err == nil {
			sub.ExtraHashes = append(sub.ExtraHashes, tpHash)
		}
	}
	return sub, nil
}

// ShouldComplete fires after the single entry, leaving the order ACTIVE
// while the children rest upstream.
func (s *RangeBreakout) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	return o.TriggerCount >= 1, types.StatusActive
}
