package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

// RSI bands marking exhaustion before a reversal entry qualifies.
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// MomentumReversal enters once when RSI recovers out of an extreme: a buy
// when RSI crosses above its moving average after dipping below 30, a
// mirrored exit-the-top entry after exceeding 70. Requires the collector's
// precomputed RSI series on the ticker.
type MomentumReversal struct {
	sub Submitter
}

func NewMomentumReversal(sub Submitter) *MomentumReversal { return &MomentumReversal{sub: sub} }

func (s *MomentumReversal) Type() types.OrderType { return types.TypeMomentumReversal }

func (s *MomentumReversal) ValidateParams(raw json.RawMessage) error {
	var p types.MomentumReversalParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.RSIPeriod <= 0 {
		return fmt.Errorf("%w: rsiPeriod must be positive", ErrInvalidParams)
	}
	if p.RSIMAPeriod <= 0 {
		return fmt.Errorf("%w: rsimaPeriod must be positive", ErrInvalidParams)
	}
	return nil
}

func (s *MomentumReversal) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	if o.TriggerCount > 0 {
		return false, nil
	}
	var p types.MomentumReversalParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if tick.Analysis == nil {
		return false, nil
	}
	rsi := tick.Analysis.RSI
	// Need the MA window plus one earlier sample for the cross and the
	// extreme check.
	if len(rsi) < p.RSIMAPeriod+1 {
		return false, nil
	}

	cur := rsi[len(rsi)-1]
	prev := rsi[len(rsi)-2]
	ma, ok := sma(rsi, p.RSIMAPeriod)
	if !ok {
		return false, nil
	}
	prevMA, ok := sma(rsi[:len(rsi)-1], p.RSIMAPeriod)
	if !ok {
		return false, nil
	}

	// Oversold recovery: RSI crosses up through its MA having been below 30.
	if prev <= prevMA && cur > ma && prev < rsiOversold {
		return true, nil
	}
	// Overbought rollover: RSI crosses down through its MA from above 70.
	if prev >= prevMA && cur < ma && prev > rsiOverbought {
		return true, nil
	}
	return false, nil
}

// Submit places the entry sized by the amount param, capped at the
// remaining size, with an optional take-profit leg tpPct above the entry.
func (s *MomentumReversal) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.MomentumReversalParams
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

// ShouldComplete fires after the single entry; the children keep resting
// upstream, so the status stays ACTIVE.
func (s *MomentumReversal) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	return o.TriggerCount >= 1, types.StatusActive
}
