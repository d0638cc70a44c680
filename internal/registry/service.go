// Package registry is the order intake and lifecycle front door.
//
// It owns admission (type lookup, parameter validation, maker signature
// verification) and the cancel/modify operations; once an order is
// admitted, the watcher scheduler owns it. Modify is cancel-then-create:
// the patched order is a brand-new intent with a fresh id, fresh counters
// and a fresh maker signature over the patched payload.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lop-keeper/internal/sign"
	"lop-keeper/internal/store"
	"lop-keeper/internal/strategy"
	"lop-keeper/internal/watcher"
	"lop-keeper/pkg/types"
)

var (
	// ErrNotFound is returned when the referenced order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrNotModifiable is returned when cancel or modify hits an order
	// already in a terminal state.
	ErrNotModifiable = errors.New("order is terminal")
)

// ChildCanceller pulls a resting child order upstream. Implemented by the
// submit client.
type ChildCanceller interface {
	CancelChild(ctx context.Context, chainID int64, hash string) error
}

// CreateRequest is a signed advanced-order intent as submitted by a maker.
// ID is optional: a client-supplied id makes creation idempotent across
// retries.
type CreateRequest struct {
	ID            string          `json:"id,omitempty"`
	Type          types.OrderType `json:"type"`
	Maker         string          `json:"maker"`
	MakerAsset    string          `json:"makerAsset"`
	TakerAsset    string          `json:"takerAsset"`
	ChainID       int64           `json:"chainId"`
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	Params        json.RawMessage `json:"params"`
	Signature     string          `json:"signature"`
	SignedPayload string          `json:"userSignedPayload,omitempty"`
}

// Service wires intake to the strategy registry, store and scheduler.
type Service struct {
	store      *store.Store
	strategies *strategy.Registry
	scheduler  *watcher.Scheduler
	canceller  ChildCanceller
	logger     *slog.Logger
}

// NewService creates the order service.
func NewService(st *store.Store, reg *strategy.Registry, sched *watcher.Scheduler,
	canceller ChildCanceller, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		strategies: reg,
		scheduler:  sched,
		canceller:  canceller,
		logger:     logger.With("component", "registry"),
	}
}

// Create admits a new order: validates, verifies the maker signature,
// persists it PENDING and hands it to the scheduler. Re-submitting an id
// that already exists returns the existing order unchanged.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Order, error) {
	strat, err := s.strategies.Get(req.Type)
	if err != nil {
		return nil, err
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := strat.ValidateParams(req.Params); err != nil {
		return nil, err
	}

	if req.ID != "" {
		existing, err := s.store.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	o := &types.Order{
		ID:            req.ID,
		Type:          req.Type,
		Maker:         req.Maker,
		MakerAsset:    req.MakerAsset,
		TakerAsset:    req.TakerAsset,
		ChainID:       req.ChainID,
		Symbol:        req.Symbol,
		Size:          req.Size,
		RemainingSize: req.Size,
		Params:        req.Params,
		Signature:     req.Signature,
		SignedPayload: req.SignedPayload,
		Status:        types.StatusPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	if err := sign.Verify(o); err != nil {
		return nil, err
	}

	if init, ok := strat.(strategy.Initializer); ok {
		if err := init.Initialize(o); err != nil {
			return nil, err
		}
	}

	if err := s.store.Save(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	if err := s.store.AppendEvent(ctx, types.OrderEvent{
		OrderID:   o.ID,
		Status:    types.StatusPending,
		Timestamp: o.CreatedAt,
	}); err != nil {
		s.logger.Error("failed to append create event", "order", o.ID, "error", err)
	}

	s.scheduler.StartWatcher(o)
	s.logger.Info("order created",
		"order", o.ID, "type", string(o.Type), "maker", o.Maker, "size", o.Size)
	return o, nil
}

// Cancel stops the order and best-effort pulls its latest resting child.
// Repeating a cancel for an already-cancelled order is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrNotFound
	}
	if o.Status == types.StatusCancelled {
		return nil
	}
	if o.Status.Terminal() {
		return ErrNotModifiable
	}

	if err := s.scheduler.Cancel(ctx, o); err != nil {
		return err
	}

	if hash := o.LastChildHash(); hash != "" && s.canceller != nil {
		if err := s.canceller.CancelChild(ctx, o.ChainID, hash); err != nil {
			s.logger.Warn("failed to pull resting child", "order", id, "hash", hash, "error", err)
		}
	}
	return nil
}

// Modify replaces an order with a patched version: the original is
// cancelled and a fresh order (new id, counters reset) is admitted under
// the patched signature. Returns the replacement.
func (s *Service) Modify(ctx context.Context, id string, patch types.ModifyPatch) (*types.Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	if o.Status.Terminal() {
		return nil, ErrNotModifiable
	}

	req := CreateRequest{
		Type:          o.Type,
		Maker:         o.Maker,
		MakerAsset:    o.MakerAsset,
		TakerAsset:    o.TakerAsset,
		ChainID:       o.ChainID,
		Symbol:        o.Symbol,
		Size:          o.Size,
		Params:        o.Params,
		Signature:     patch.Signature,
		SignedPayload: patch.SignedPayload,
	}
	if patch.Size != nil {
		req.Size = *patch.Size
	}
	if len(patch.Params) > 0 {
		req.Params = patch.Params
	}

	// Admit the replacement before touching the original so a rejected
	// patch leaves the live order running.
	replacement, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.Cancel(ctx, id); err != nil && !errors.Is(err, ErrNotModifiable) {
		s.logger.Error("failed to cancel original after modify", "order", id, "error", err)
	}

	s.logger.Info("order modified", "order", id, "replacement", replacement.ID)
	return replacement, nil
}

// Get returns the order by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	return o, nil
}

// Events returns the order's audit trail.
func (s *Service) Events(ctx context.Context, id string) ([]types.OrderEvent, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	return s.store.Events(ctx, id)
}

// ListByMaker returns every order signed by the maker, newest first.
func (s *Service) ListByMaker(ctx context.Context, maker string) ([]*types.Order, error) {
	return s.store.GetByMaker(ctx, maker)
}

// ListActive returns all watchable orders, newest first.
func (s *Service) ListActive(ctx context.Context) ([]*types.Order, error) {
	return s.store.GetActive(ctx)
}

func validateRequest(req CreateRequest) error {
	switch {
	case req.Maker == "":
		return fmt.Errorf("%w: maker is required", strategy.ErrInvalidParams)
	case req.MakerAsset == "" || req.TakerAsset == "":
		return fmt.Errorf("%w: makerAsset and takerAsset are required", strategy.ErrInvalidParams)
	case req.Symbol == "":
		return fmt.Errorf("%w: symbol is required", strategy.ErrInvalidParams)
	case req.Size.Sign() <= 0:
		return fmt.Errorf("%w: size must be positive", strategy.ErrInvalidParams)
	case len(req.Params) == 0:
		return fmt.Errorf("%w: params are required", strategy.ErrInvalidParams)
	}
	return nil
}
