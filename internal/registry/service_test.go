package registry

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"lop-keeper/internal/pricefeed"
	"lop-keeper/internal/sign"
	"lop-keeper/internal/store"
	"lop-keeper/internal/strategy"
	"lop-keeper/internal/watcher"
	"lop-keeper/pkg/types"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	cancels []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, o *types.Order, amount decimal.Decimal, limitPrice float64) (string, error) {
	return "0xchild", nil
}

func (f *fakeSubmitter) CancelChild(ctx context.Context, chainID int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, hash)
	return nil
}

type fixture struct {
	service *Service
	store   *store.Store
	sched   *watcher.Scheduler
	sub     *fakeSubmitter
	key     *ecdsa.PrivateKey
	maker   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "keeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	sub := &fakeSubmitter{}
	reg := strategy.NewRegistry(sub)
	sched := watcher.NewScheduler(st, pricefeed.NewView(), reg, nil,
		time.Hour, time.Minute, slog.Default()) // long poll: no triggers in these tests
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)

	return &fixture{
		service: NewService(st, reg, sched, sub, slog.Default()),
		store:   st,
		sched:   sched,
		sub:     sub,
		key:     key,
		maker:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

// signedRequest builds a stop-limit create request with a valid maker
// signature over the canonical payload.
func (f *fixture) signedRequest(t *testing.T) CreateRequest {
	t.Helper()

	params, _ := json.Marshal(types.StopLimitParams{StopPrice: 3000, LimitPrice: 3050})
	req := CreateRequest{
		Type:       types.TypeStopLimit,
		Maker:      f.maker,
		MakerAsset: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		TakerAsset: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		ChainID:    1,
		Symbol:     "agg:spot:ETHUSDT",
		Size:       decimal.RequireFromString("10"),
		Params:     params,
	}

	payload, err := sign.CanonicalPayload(&types.Order{
		Type:       req.Type,
		Maker:      req.Maker,
		MakerAsset: req.MakerAsset,
		TakerAsset: req.TakerAsset,
		Size:       req.Size,
		Params:     req.Params,
	})
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	req.SignedPayload = payload
	req.Signature, err = sign.SignPayload(payload, f.key)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return req
}

func TestCreateAdmitsValidOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := f.service.Create(context.Background(), f.signedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID == "" {
		t.Error("no id assigned")
	}
	if o.Status != types.StatusPending {
		t.Errorf("status = %s, want PENDING", o.Status)
	}
	if !o.RemainingSize.Equal(o.Size) {
		t.Errorf("remaining = %s, want full size", o.RemainingSize)
	}
	if !f.sched.Watching(o.ID) {
		t.Error("no watcher started")
	}

	stored, err := f.store.Get(context.Background(), o.ID)
	if err != nil || stored == nil {
		t.Fatalf("order not persisted: %v", err)
	}
	events, err := f.store.Events(context.Background(), o.ID)
	if err != nil || len(events) != 1 || events[0].Status != types.StatusPending {
		t.Errorf("events = %+v, want one PENDING record", events)
	}
}

func TestCreateIdempotentByID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.signedRequest(t)
	req.ID = "client-chosen-id"

	first, err := f.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry created a new order: %s vs %s", first.ID, second.ID)
	}

	orders, err := f.store.GetByMaker(context.Background(), f.maker)
	if err != nil {
		t.Fatalf("get by maker: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("got %d orders after retry, want 1", len(orders))
	}
}

func TestCreateRejectsBadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.signedRequest(t)
	req.Size = decimal.RequireFromString("9999") // not what the maker signed

	_, err := f.service.Create(context.Background(), req)
	if !errors.Is(err, sign.ErrSignatureInvalid) {
		t.Errorf("create = %v, want ErrSignatureInvalid", err)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.signedRequest(t)
	req.Type = "TRAILING_STOP"

	_, err := f.service.Create(context.Background(), req)
	if !errors.Is(err, strategy.ErrUnknownOrderType) {
		t.Errorf("create = %v, want ErrUnknownOrderType", err)
	}
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.signedRequest(t)
	req.Params = json.RawMessage(`{"stopPrice":0,"limitPrice":3050}`)

	_, err := f.service.Create(context.Background(), req)
	if !errors.Is(err, strategy.ErrInvalidParams) {
		t.Errorf("create = %v, want ErrInvalidParams", err)
	}
}

func TestCancelPullsRestingChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := f.service.Create(context.Background(), f.signedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate a resting child from an earlier trigger.
	o.ChildOrderHashes = []string{"0xresting"}
	if err := f.store.Save(context.Background(), o); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := f.service.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := f.service.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if len(f.sub.cancels) != 1 || f.sub.cancels[0] != "0xresting" {
		t.Errorf("cancels = %v, want the resting child pulled", f.sub.cancels)
	}
}

func TestCancelMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.service.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel = %v, want ErrNotFound", err)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := f.service.Create(context.Background(), f.signedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.service.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Repeating the cancel is a no-op, not a conflict.
	if err := f.service.Cancel(context.Background(), o.ID); err != nil {
		t.Errorf("second cancel = %v, want nil", err)
	}

	got, err := f.service.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s after repeat cancel, want CANCELLED", got.Status)
	}
}

func TestCancelTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := f.service.Create(context.Background(), f.signedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o.Status = types.StatusFilled
	if err := f.store.Save(context.Background(), o); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := f.service.Cancel(context.Background(), o.ID); !errors.Is(err, ErrNotModifiable) {
		t.Errorf("cancel filled order = %v, want ErrNotModifiable", err)
	}
}

func TestModifyReplacesOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := f.service.Create(context.Background(), f.signedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The maker signs the patched intent: same order, bigger size.
	newSize := decimal.RequireFromString("20")
	payload, err := sign.CanonicalPayload(&types.Order{
		Type:       o.Type,
		Maker:      o.Maker,
		MakerAsset: o.MakerAsset,
		TakerAsset: o.TakerAsset,
		Size:       newSize,
		Params:     o.Params,
	})
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	sig, err := sign.SignPayload(payload, f.key)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}

	replacement, err := f.service.Modify(context.Background(), o.ID, types.ModifyPatch{
		Size:          &newSize,
		Signature:     sig,
		SignedPayload: payload,
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}

	if replacement.ID == o.ID {
		t.Error("modify reused the original id")
	}
	if !replacement.Size.Equal(newSize) || !replacement.RemainingSize.Equal(newSize) {
		t.Errorf("replacement size = %s/%s, want 20/20", replacement.Size, replacement.RemainingSize)
	}
	if replacement.TriggerCount != 0 || len(replacement.ChildOrderHashes) != 0 {
		t.Error("replacement carries the original's counters")
	}

	original, err := f.service.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.Status != types.StatusCancelled {
		t.Errorf("original status = %s, want CANCELLED", original.Status)
	}
}

func TestModifyRejectedPatchLeavesOriginalRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := f.service.Create(context.Background(), f.signedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = f.service.Modify(context.Background(), o.ID, types.ModifyPatch{
		Signature: "0xgarbage",
	})
	if !errors.Is(err, sign.ErrSignatureInvalid) {
		t.Fatalf("modify = %v, want ErrSignatureInvalid", err)
	}

	got, err := f.service.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("original status = %s after rejected patch, want PENDING", got.Status)
	}
	if !f.sched.Watching(o.ID) {
		t.Error("original watcher gone after rejected patch")
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []func(*CreateRequest){
		func(r *CreateRequest) { r.Maker = "" },
		func(r *CreateRequest) { r.MakerAsset = "" },
		func(r *CreateRequest) { r.Symbol = "" },
		func(r *CreateRequest) { r.Size = decimal.Zero },
		func(r *CreateRequest) { r.Params = nil },
	}
	for i, mutate := range cases {
		req := f.signedRequest(t)
		mutate(&req)
		if _, err := f.service.Create(context.Background(), req); err == nil {
			t.Errorf("case %d: accepted invalid request", i)
		}
	}
}
