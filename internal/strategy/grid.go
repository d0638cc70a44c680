package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"lop-keeper/pkg/types"
)

// Grid works a static ladder of levels spanning [startPrice, endPrice].
// Spacing is stepPct of the range width, optionally geometric via
// stepMultiplier. As the market crosses each level one equal tranche is
// placed there; on a two-sided grid (or when tpPct is set) a paired
// take-profit child is placed one offset above the level. Take-profit
// children are auxiliary: they appear in the audit trail but not in the
// order's primary hash list.
type Grid struct {
	sub Submitter
}

func NewGrid(sub Submitter) *Grid { return &Grid{sub: sub} }

func (s *Grid) Type() types.OrderType { return types.TypeGridTrading }

func (s *Grid) ValidateParams(raw json.RawMessage) error {
	var p types.GridParams
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
	if p.StepMultiplier < 0 {
		return fmt.Errorf("%w: stepMultiplier must not be negative", ErrInvalidParams)
	}
	return nil
}

// Initialize arms the first level at startPrice.
func (s *Grid) Initialize(o *types.Order) error {
	var p types.GridParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	o.NextTriggerValue = p.StartPrice
	return nil
}

func (s *Grid) ShouldTrigger(now time.Time, o *types.Order, tick *types.TickerSnapshot) (bool, error) {
	var p types.GridParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return levelCrossed(markPrice(tick), o.NextTriggerValue, p.EndPrice < p.StartPrice), nil
}

func (s *Grid) Submit(ctx context.Context, o *types.Order, tick *types.TickerSnapshot) (Submission, error) {
	var p types.GridParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	levels := gridLevels(p)
	tranche := trancheAmount(p.Amount, len(levels), o.TriggerCount, o.RemainingSize)
	level := o.NextTriggerValue

	hash, err := s.sub.Submit(ctx, o, tranche, level)
	if err != nil {
		return Submission{}, err
	}

	sub := Submission{Hash: hash, Amount: tranche, Price: level}

	// Take-profit leg: one offset above the level. Best effort — a failed
	// leg does not unwind the placed tranche.
	if tp := tpOffsetPct(p); tp > 0 {
		tpHash, err := s.sub.Submit(ctx, o, tranche, level*(1+tp/100))
		if err == nil {
			sub.ExtraHashes = append(sub.ExtraHashes, tpHash)
		}
	}
	return sub, nil
}

// UpdateNextTrigger moves to the next ladder level.
func (s *Grid) UpdateNextTrigger(o *types.Order, tick *types.TickerSnapshot) {
	var p types.GridParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return
	}
	levels := gridLevels(p)
	for i, lv := range levels {
		if lv == o.NextTriggerValue && i+1 < len(levels) {
			o.NextTriggerValue = levels[i+1]
			return
		}
	}
}

func (s *Grid) ShouldComplete(_ time.Time, o *types.Order) (bool, types.OrderStatus) {
	var p types.GridParams
	if err := json.Unmarshal(o.Params, &p); err != nil {
		return false, types.StatusActive
	}
	if o.TriggerCount >= len(gridLevels(p)) || o.RemainingSize.Sign() <= 0 {
		return true, types.StatusCompleted
	}
	return false, types.StatusActive
}

// tpOffsetPct is the take-profit distance: tpPct when set, otherwise the
// grid spacing itself on a two-sided grid, zero on a single-sided one.
func tpOffsetPct(p types.GridParams) float64 {
	if p.TPPct > 0 {
		return p.TPPct
	}
	if !p.SingleSide {
		return p.StepPct
	}
	return 0
}

// gridLevels materializes the ladder from startPrice toward endPrice. With
// a stepMultiplier > 1 the spacing widens geometrically; the ladder stops
// at the last level inside the range.
func gridLevels(p types.GridParams) []float64 {
	width := math.Abs(p.EndPrice - p.StartPrice)
	step := width * p.StepPct / 100
	mult := p.StepMultiplier
	if mult == 0 {
		mult = 1
	}
	dir := 1.0
	if p.EndPrice < p.StartPrice {
		dir = -1
	}

	levels := []float64{p.StartPrice}
	pos := p.StartPrice
	for {
		pos += dir * step
		if dir > 0 && pos > p.EndPrice {
			break
		}
		if dir < 0 && pos < p.EndPrice {
			break
		}
		levels = append(levels, pos)
		step *= mult
		if step <= 0 {
			break
		}
	}
	return levels
}
