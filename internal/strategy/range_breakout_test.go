package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

func breakoutOrder(t *testing.T, breakoutPct float64) *types.Order {
	t.Helper()
	return newOrder(t, types.TypeRangeBreakout, "10", types.RangeBreakoutParams{
		Amount:      decimal.RequireFromString("10"),
		ADXPeriod:   14,
		ADXMAPeriod: 3,
		EMAPeriod:   20,
		BreakoutPct: breakoutPct,
	})
}

func breakoutTick(price float64, adx []float64, ema float64) *types.TickerSnapshot {
	tk := tick(price)
	tk.Analysis = &types.Analysis{ADX: adx, EMA: []float64{ema}}
	return tk
}

func TestRangeBreakoutConfirmedEntry(t *testing.T) {
	t.Parallel()
	s := NewRangeBreakout(&fakeSubmitter{})
	o := breakoutOrder(t, 0) // defaults to 0.5

	// ADX 32 is above its MA (~28.3) and the trend floor; price clears
	// the EMA by more than 0.5%.
	fire, err := s.ShouldTrigger(time.Now(), o, breakoutTick(3020, []float64{26, 27, 32}, 3000))
	if err != nil {
		t.Fatalf("should trigger: %v", err)
	}
	if !fire {
		t.Error("did not enter on a confirmed breakout")
	}
}

func TestRangeBreakoutRejectsWeakTrend(t *testing.T) {
	t.Parallel()
	s := NewRangeBreakout(&fakeSubmitter{})
	o := breakoutOrder(t, 0)
	now := time.Now()

	// ADX below the 25 floor.
	if fire, _ := s.ShouldTrigger(now, o, breakoutTick(3020, []float64{18, 19, 24}, 3000)); fire {
		t.Error("entered below the ADX trend floor")
	}
	// ADX strong but falling (below its MA).
	if fire, _ := s.ShouldTrigger(now, o, breakoutTick(3020, []float64{40, 35, 30}, 3000)); fire {
		t.Error("entered on a fading trend")
	}
}

func TestRangeBreakoutRequiresClearance(t *testing.T) {
	t.Parallel()
	s := NewRangeBreakout(&fakeSubmitter{})
	o := breakoutOrder(t, 1)
	now := time.Now()

	// 0.7% above the EMA: short of the 1% clearance.
	if fire, _ := s.ShouldTrigger(now, o, breakoutTick(3021, []float64{26, 27, 32}, 3000)); fire {
		t.Error("entered without the configured clearance")
	}
	if fire, _ := s.ShouldTrigger(now, o, breakoutTick(3031, []float64{26, 27, 32}, 3000)); !fire {
		t.Error("did not enter past the configured clearance")
	}
}

func TestRangeBreakoutNeedsSeries(t *testing.T) {
	t.Parallel()
	s := NewRangeBreakout(&fakeSubmitter{})
	o := breakoutOrder(t, 0)

	if fire, _ := s.ShouldTrigger(time.Now(), o, tick(3000)); fire {
		t.Error("entered without indicator data")
	}
}

func TestRangeBreakoutOneShot(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := NewRangeBreakout(sub)
	o := breakoutOrder(t, 0)

	got, err := s.Submit(context.Background(), o, tick(3020))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Amount.Sign() != 0 {
		t.Errorf("entry consumed %s of remaining size", got.Amount)
	}

	o.TriggerCount = 1
	if fire, _ := s.ShouldTrigger(time.Now(), o, breakoutTick(3020, []float64{26, 27, 32}, 3000)); fire {
		t.Error("re-entered after the single shot")
	}
	done, status := s.ShouldComplete(time.Now(), o)
	if !done || status != types.StatusActive {
		t.Errorf("ShouldComplete = %v %s, want true ACTIVE", done, status)
	}
}

func TestRangeBreakoutEntrySizedByParam(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := NewRangeBreakout(sub)

	o := newOrder(t, types.TypeRangeBreakout, "25", types.RangeBreakoutParams{
		Amount:      decimal.RequireFromString("10"),
		ADXPeriod:   14,
		ADXMAPeriod: 3,
		EMAPeriod:   20,
	})
	if _, err := s.Submit(context.Background(), o, tick(3020)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sub.submits[0].amount.Equal(decimal.RequireFromString("10")) {
		t.Errorf("entry size = %s, want the amount param 10", sub.submits[0].amount)
	}

	o.RemainingSize = decimal.RequireFromString("4")
	if _, err := s.Submit(context.Background(), o, tick(3020)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sub.submits[1].amount.Equal(decimal.RequireFromString("4")) {
		t.Errorf("entry size = %s, want capped at the remaining 4", sub.submits[1].amount)
	}
}
