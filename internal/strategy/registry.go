package strategy

import (
	"errors"
	"fmt"

	"lop-keeper/pkg/types"
)

var (
	// ErrUnknownOrderType is returned for order types no strategy handles.
	ErrUnknownOrderType = errors.New("unknown order type")

	// ErrInvalidParams is returned when a parameter blob fails validation.
	// Strategies wrap it with the specific field complaint.
	ErrInvalidParams = errors.New("invalid params")
)

// Registry maps order types to their strategies.
type Registry struct {
	strategies map[types.OrderType]Strategy
}

// NewRegistry builds the full strategy set wired to the given submitter.
func NewRegistry(sub Submitter) *Registry {
	r := &Registry{strategies: make(map[types.OrderType]Strategy)}
	for _, s := range []Strategy{
		NewLimit(sub),
		NewStopLimit(sub),
		NewChaseLimit(sub),
		NewTWAP(sub),
		NewRangeScale(sub),
		NewIceberg(sub),
		NewDCA(sub),
		NewGrid(sub),
		NewMomentumReversal(sub),
		NewRangeBreakout(sub),
	} {
		r.strategies[s.Type()] = s
	}
	return r
}

// Get returns the strategy for the order type.
func (r *Registry) Get(t types.OrderType) (Strategy, error) {
	s, ok := r.strategies[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrderType, t)
	}
	return s, nil
}

// Types lists the registered order types.
func (r *Registry) Types() []types.OrderType {
	out := make([]types.OrderType, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	return out
}
