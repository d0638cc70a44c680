package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lop-keeper/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "keeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleOrder(id string) *types.Order {
	return &types.Order{
		ID:            id,
		Type:          types.TypeTWAP,
		Maker:         "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B",
		MakerAsset:    "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		TakerAsset:    "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		ChainID:       1,
		Symbol:        "agg:spot:ETHUSDT",
		Size:          decimal.RequireFromString("1000"),
		RemainingSize: decimal.RequireFromString("1000"),
		Params:        json.RawMessage(`{"amount":"1000","interval":3600000}`),
		Signature:     "0xsig",
		SignedPayload: "payload",
		Status:        types.StatusPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	o := sampleOrder("order-1")
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("get returned nil for existing order")
	}
	if got.Type != types.TypeTWAP || got.Symbol != o.Symbol {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if !got.Size.Equal(o.Size) || !got.RemainingSize.Equal(o.RemainingSize) {
		t.Errorf("decimal roundtrip: size=%s remaining=%s", got.Size, got.RemainingSize)
	}
	if string(got.Params) != string(o.Params) {
		t.Errorf("params roundtrip: %s", got.Params)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	got, err := st.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing order, got %+v", got)
	}
}

func TestSaveUpdatesInPlace(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	o := sampleOrder("order-2")
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	o.Status = types.StatusActive
	o.TriggerCount = 2
	o.RemainingSize = decimal.RequireFromString("500")
	o.ChildOrderHashes = []string{"0xaaa", "0xbbb"}
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.Get(ctx, "order-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusActive || got.TriggerCount != 2 {
		t.Errorf("update not applied: %+v", got)
	}
	if len(got.ChildOrderHashes) != 2 || got.ChildOrderHashes[1] != "0xbbb" {
		t.Errorf("hash list: %v", got.ChildOrderHashes)
	}
}

func TestHashListAppendOnly(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	o := sampleOrder("order-3")
	o.ChildOrderHashes = []string{"0x111"}
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A replayed save with a diverging hash at position 0 must not
	// overwrite the recorded one.
	o.ChildOrderHashes = []string{"0x222", "0x333"}
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Get(ctx, "order-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []string{"0x111", "0x333"}
	if len(got.ChildOrderHashes) != 2 || got.ChildOrderHashes[0] != want[0] || got.ChildOrderHashes[1] != want[1] {
		t.Errorf("hashes = %v, want %v", got.ChildOrderHashes, want)
	}
}

func TestGetByHash(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	o := sampleOrder("order-4")
	o.ChildOrderHashes = []string{"0xfeed"}
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetByHash(ctx, "0xfeed")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got == nil || got.ID != "order-4" {
		t.Errorf("get by hash = %+v, want order-4", got)
	}

	miss, err := st.GetByHash(ctx, "0xunknown")
	if err != nil {
		t.Fatalf("get by hash miss: %v", err)
	}
	if miss != nil {
		t.Errorf("expected nil for unknown hash, got %+v", miss)
	}
}

func TestGetActiveFiltersTerminal(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	statuses := map[string]types.OrderStatus{
		"p": types.StatusPending,
		"a": types.StatusActive,
		"f": types.StatusFilled,
		"c": types.StatusCancelled,
	}
	for id, status := range statuses {
		o := sampleOrder(id)
		o.Status = status
		if err := st.Save(ctx, o); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	active, err := st.GetActive(ctx)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active orders, want 2", len(active))
	}
	for _, o := range active {
		if o.Status.Terminal() {
			t.Errorf("terminal order %s in active set", o.ID)
		}
	}
}

func TestGetByMakerCaseInsensitive(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	o := sampleOrder("order-5")
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetByMaker(ctx, "0xab5801a7d398351b8be11c439e05c5b3259aec9b")
	if err != nil {
		t.Fatalf("get by maker: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d orders for lowercased maker, want 1", len(got))
	}
}

func TestEventsOrdered(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	o := sampleOrder("order-6")
	if err := st.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i, status := range []types.OrderStatus{types.StatusPending, types.StatusActive, types.StatusCompleted} {
		if err := st.AppendEvent(ctx, types.OrderEvent{
			OrderID:   o.ID,
			Status:    status,
			Timestamp: int64(i),
		}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := st.Events(ctx, o.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Status != types.StatusPending || events[2].Status != types.StatusCompleted {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestTickerCache(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	tick := types.TickerSnapshot{
		Symbol:    "agg:spot:ETHUSDT",
		Mid:       3000.5,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := st.CacheTicker(ctx, tick); err != nil {
		t.Fatalf("cache ticker: %v", err)
	}

	got, err := st.CachedTicker(ctx, tick.Symbol, time.Minute)
	if err != nil {
		t.Fatalf("cached ticker: %v", err)
	}
	if got == nil || got.Mid != 3000.5 {
		t.Errorf("cached ticker = %+v", got)
	}

	expired, err := st.CachedTicker(ctx, tick.Symbol, 0)
	if err != nil {
		t.Fatalf("cached ticker expired: %v", err)
	}
	if expired != nil {
		t.Errorf("expected nil for expired entry, got %+v", expired)
	}
}

func TestDecimalsCache(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	if err := st.CacheDecimals(ctx, 1, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6); err != nil {
		t.Fatalf("cache decimals: %v", err)
	}

	// Lookup normalizes casing.
	d, ok, err := st.CachedDecimals(ctx, 1, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", time.Hour)
	if err != nil {
		t.Fatalf("cached decimals: %v", err)
	}
	if !ok || d != 6 {
		t.Errorf("cached decimals = %d ok=%v, want 6 true", d, ok)
	}

	_, ok, err = st.CachedDecimals(ctx, 1, "0xother", time.Hour)
	if err != nil {
		t.Fatalf("cached decimals miss: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown token")
	}
}
