package strategy

import (
	"context"
	"testing"
	"time"

	"lop-keeper/pkg/types"
)

func TestLimitPlacesOnceImmediately(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := NewLimit(sub)

	o := newOrder(t, types.TypeLimit, "10", types.LimitParams{LimitPrice: 2900})
	now := time.Now()

	if fire, _ := s.ShouldTrigger(now, o, tick(3000)); !fire {
		t.Error("limit order should place on the first evaluation")
	}

	got, err := s.Submit(context.Background(), o, tick(3000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Price != 2900 {
		t.Errorf("placed at %v, want the limit price", got.Price)
	}
	if got.Amount.Sign() != 0 {
		t.Errorf("resting limit consumed %s of remaining size", got.Amount)
	}

	o.TriggerCount = 1
	if fire, _ := s.ShouldTrigger(now, o, tick(3000)); fire {
		t.Error("limit order placed twice")
	}
	done, status := s.ShouldComplete(now, o)
	if !done || status != types.StatusActive {
		t.Errorf("ShouldComplete = %v %s, want true ACTIVE", done, status)
	}
}

func TestLimitValidateParams(t *testing.T) {
	t.Parallel()
	s := NewLimit(&fakeSubmitter{})

	if err := s.ValidateParams([]byte(`{"limitPrice":0}`)); err == nil {
		t.Error("accepted zero limit price")
	}
	if err := s.ValidateParams([]byte(`{"limitPrice":2900}`)); err != nil {
		t.Errorf("rejected valid params: %v", err)
	}
}
