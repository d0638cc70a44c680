package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"lop-keeper/internal/pricefeed"
	"lop-keeper/internal/registry"
	"lop-keeper/internal/sign"
	"lop-keeper/internal/store"
	"lop-keeper/internal/strategy"
	"lop-keeper/internal/watcher"
	"lop-keeper/pkg/types"
)

type nullSubmitter struct{}

func (nullSubmitter) Submit(ctx context.Context, o *types.Order, amount decimal.Decimal, limitPrice float64) (string, error) {
	return "0xchild", nil
}

func (nullSubmitter) CancelChild(ctx context.Context, chainID int64, hash string) error {
	return nil
}

type fixture struct {
	ts    *httptest.Server
	key   *ecdsa.PrivateKey
	maker string
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

	reg := strategy.NewRegistry(nullSubmitter{})
	sched := watcher.NewScheduler(st, pricefeed.NewView(), reg, nil,
		time.Hour, time.Minute, slog.Default())
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)

	orders := registry.NewService(st, reg, sched, nullSubmitter{}, slog.Default())
	server := NewServer(orders, 0, slog.Default())

	ts := httptest.NewServer(server.srv.Handler)
	t.Cleanup(ts.Close)

	return &fixture{
		ts:    ts,
		key:   key,
		maker: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (f *fixture) signedBody(t *testing.T) []byte {
	t.Helper()

	params, _ := json.Marshal(types.StopLimitParams{StopPrice: 3000, LimitPrice: 3050})
	req := registry.CreateRequest{
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

	body, _ := json.Marshal(req)
	return body
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) create(t *testing.T) types.Order {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/orders", f.signedBody(t))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var o types.Order
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return o
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.create(t)
	if o.ID == "" || o.Status != types.StatusPending {
		t.Errorf("created order = %+v", o)
	}

	resp := f.do(t, http.MethodGet, "/orders/"+o.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got types.Order
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != o.ID {
		t.Errorf("got order %s, want %s", got.ID, o.ID)
	}
}

func TestCreateRejectsBadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var req registry.CreateRequest
	if err := json.Unmarshal(f.signedBody(t), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req.Size = decimal.RequireFromString("9999")
	body, _ := json.Marshal(req)

	resp := f.do(t, http.MethodPost, "/orders", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var e map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e["error"] != "InvalidSignature" {
		t.Errorf("error code = %q, want InvalidSignature", e["error"])
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var req registry.CreateRequest
	if err := json.Unmarshal(f.signedBody(t), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req.Type = "TRAILING_STOP"
	body, _ := json.Marshal(req)

	resp := f.do(t, http.MethodPost, "/orders", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var e map[string]string
	json.NewDecoder(resp.Body).Decode(&e)
	if e["error"] != "UnknownOrderType" {
		t.Errorf("error code = %q, want UnknownOrderType", e["error"])
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/orders/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListByMaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.create(t)
	resp := f.do(t, http.MethodGet, "/orders?maker="+o.Maker, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var orders []types.Order
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != o.ID {
		t.Errorf("list = %+v", orders)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.create(t)
	resp := f.do(t, http.MethodGet, "/orders/"+o.ID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	var events []types.OrderEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Status != types.StatusPending {
		t.Errorf("events = %+v, want one PENDING record", events)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.create(t)
	resp := f.do(t, http.MethodDelete, "/orders/"+o.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/orders/"+o.ID, nil)
	var got types.Order
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	// Repeating the delete is a no-op, not a conflict.
	resp = f.do(t, http.MethodDelete, "/orders/"+o.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("second cancel status = %d, want 204", resp.StatusCode)
	}
}

func TestModify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.create(t)

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
		t.Fatalf("sign: %v", err)
	}
	body, _ := json.Marshal(types.ModifyPatch{
		Size:          &newSize,
		Signature:     sig,
		SignedPayload: payload,
	})

	resp := f.do(t, http.MethodPatch, "/orders/"+o.ID, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("modify status = %d", resp.StatusCode)
	}
	var replacement types.Order
	if err := json.NewDecoder(resp.Body).Decode(&replacement); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if replacement.ID == o.ID || !replacement.Size.Equal(newSize) {
		t.Errorf("replacement = %+v", replacement)
	}
}
