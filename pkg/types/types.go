// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the keeper — advanced-order
// intents, lifecycle enums, strategy parameter records, ticker snapshots,
// and child-order payloads. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// OrderType enumerates the supported advanced-order strategies.
type OrderType string

const (
	TypeLimit            OrderType = "LIMIT"             // plain one-shot limit order
	TypeStopLimit        OrderType = "STOP_LIMIT"        // trigger at stop price, place at limit price
	TypeChaseLimit       OrderType = "CHASE_LIMIT"       // re-peg a resting order as price drifts
	TypeTWAP             OrderType = "TWAP"              // equal slices over a time window
	TypeRange            OrderType = "RANGE"             // scale into a price range step by step
	TypeIceberg          OrderType = "ICEBERG"           // fixed step count across a price range
	TypeDCA              OrderType = "DCA"               // recurring buys on a calendar interval
	TypeGridTrading      OrderType = "GRID_TRADING"      // static ladder of buy/sell levels
	TypeMomentumReversal OrderType = "MOMENTUM_REVERSAL" // RSI oversold/overbought reversal entry
	TypeRangeBreakout    OrderType = "RANGE_BREAKOUT"    // ADX-confirmed breakout above EMA
)

// OrderStatus is the lifecycle state of a parent order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"          // created, no child order placed yet
	StatusActive          OrderStatus = "ACTIVE"           // at least one child order live
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED" // some child fills reported
	StatusFilled          OrderStatus = "FILLED"           // remaining size exhausted
	StatusCompleted       OrderStatus = "COMPLETED"        // all intervals/steps done
	StatusCancelled       OrderStatus = "CANCELLED"        // cancelled by the maker
	StatusExpired         OrderStatus = "EXPIRED"          // expiry reached before completion
	StatusFailed          OrderStatus = "FAILED"           // submission or evaluation error
)

// Terminal reports whether the status admits no further transitions.
// A watcher observing a terminal status deregisters and exits.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCompleted, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Watchable reports whether the scheduler still owes this order a watcher.
func (s OrderStatus) Watchable() bool {
	switch s {
	case StatusPending, StatusActive, StatusPartiallyFilled:
		return true
	}
	return false
}

// Side is the direction of a trigger comparison or a child order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ————————————————————————————————————————————————————————————————————————
// Parent order
// ————————————————————————————————————————————————————————————————————————

// Order is the central entity: a signed advanced-order intent plus the
// bookkeeping the scheduler maintains across triggers. Ownership of the
// durable record is exclusive to the store; the scheduler and strategies
// manipulate in-memory snapshots and write back through the store.
//
// Timestamps are milliseconds since the Unix epoch. ExecutedAt and
// CancelledAt are zero until set.
type Order struct {
	ID         string    `json:"id"`
	Type       OrderType `json:"type"`
	Maker      string    `json:"maker"`      // address of the intent signer
	MakerAsset string    `json:"makerAsset"` // token the maker gives
	TakerAsset string    `json:"takerAsset"` // token the maker receives
	ChainID    int64     `json:"chainId"`
	Symbol     string    `json:"symbol"` // collector symbol, e.g. "agg:spot:ETHUSDT"

	Size          decimal.Decimal `json:"size"`          // total maker-asset amount
	RemainingSize decimal.Decimal `json:"remainingSize"` // maker-asset amount still to be placed

	// Params is the strategy-specific parameter record, stored as an opaque
	// JSON blob and reconstructed by dispatching on Type.
	Params json.RawMessage `json:"params"`

	Signature     string `json:"signature"`
	SignedPayload string `json:"userSignedPayload"`

	Status       OrderStatus `json:"status"`
	TriggerCount int         `json:"triggerCount"` // successful submits so far

	// NextTriggerValue is a strategy-defined boundary: an epoch-ms timestamp
	// for TWAP/DCA, a price level for RANGE/ICEBERG, a grid level for
	// GRID_TRADING. TriggerPrice is a second state slot: chase-limit's peg
	// and the grid's last crossing reference.
	NextTriggerValue float64 `json:"nextTriggerValue"`
	TriggerPrice     float64 `json:"triggerPrice,omitempty"`

	// ChildOrderHashes is the ordered, append-only list of submitted child
	// order hashes. Once submits have begun its length equals TriggerCount.
	ChildOrderHashes []string `json:"oneInchOrderHashes"`

	CreatedAt   int64 `json:"createdAt"`
	ExecutedAt  int64 `json:"executedAt,omitempty"`
	CancelledAt int64 `json:"cancelledAt,omitempty"`
}

// Clone returns a deep copy safe for mutation by a watcher tick.
func (o *Order) Clone() *Order {
	cp := *o
	cp.ChildOrderHashes = append([]string(nil), o.ChildOrderHashes...)
	cp.Params = append(json.RawMessage(nil), o.Params...)
	return &cp
}

// LastChildHash returns the most recently submitted child-order hash.
func (o *Order) LastChildHash() string {
	if len(o.ChildOrderHashes) == 0 {
		return ""
	}
	return o.ChildOrderHashes[len(o.ChildOrderHashes)-1]
}

// OrderEvent is one append-only audit record. One event is written per
// lifecycle transition and per child-order submit.
type OrderEvent struct {
	ID           int64           `json:"id,omitempty"`
	OrderID      string          `json:"orderId"`
	OrderHash    string          `json:"orderHash,omitempty"`
	Status       OrderStatus     `json:"status"`
	Timestamp    int64           `json:"timestamp"` // ms since epoch
	FilledAmount decimal.Decimal `json:"filledAmount,omitempty"`
	TxHash       string          `json:"txHash,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ModifyPatch carries the fields a maker may change on an existing order.
// Modify is cancel-then-create: the patched order gets a fresh id, fresh
// counters, and must carry a fresh signature over the patched payload.
type ModifyPatch struct {
	Size          *decimal.Decimal `json:"size,omitempty"`
	Params        json.RawMessage  `json:"params,omitempty"`
	Signature     string           `json:"signature"`
	SignedPayload string           `json:"userSignedPayload,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy parameters
// ————————————————————————————————————————————————————————————————————————
// One record per order type. The stored blob carries no discriminator of
// its own; Order.Type selects the record shape. Optional numeric fields use
// zero as "unset". Expiry fields are in days from CreatedAt. StartDate and
// EndDate are epoch milliseconds.

// LimitParams: place once at LimitPrice.
type LimitParams struct {
	LimitPrice float64 `json:"limitPrice"`
	ExpiryDays float64 `json:"expiry,omitempty"`
}

// StopLimitParams: when price crosses StopPrice, place the whole remaining
// size at LimitPrice. Side defaults to BUY (trigger on P >= StopPrice);
// SELL mirrors the comparison.
type StopLimitParams struct {
	StopPrice  float64 `json:"stopPrice"`
	LimitPrice float64 `json:"limitPrice"`
	ExpiryDays float64 `json:"expiry"`
	Side       Side    `json:"side,omitempty"`
}

// ChaseLimitParams: keep a resting order within DistancePct of the market.
type ChaseLimitParams struct {
	DistancePct float64 `json:"distancePct"`
	ExpiryDays  float64 `json:"expiry"`
	MaxPrice    float64 `json:"maxPrice,omitempty"`
}

// TWAPParams: split Amount into equal slices between StartDate and EndDate.
// Interval is in milliseconds.
type TWAPParams struct {
	Amount     decimal.Decimal `json:"amount"`
	StartDate  int64           `json:"startDate"`
	EndDate    int64           `json:"endDate"`
	IntervalMS int64           `json:"interval"`
	MaxPrice   float64         `json:"maxPrice,omitempty"`
}

// DCAParams: buy Amount every Interval days, open-ended.
type DCAParams struct {
	Amount       decimal.Decimal `json:"amount"` // per-interval purchase
	StartDate    int64           `json:"startDate"`
	IntervalDays float64         `json:"interval"`
	MaxPrice     float64         `json:"maxPrice,omitempty"`
}

// RangeParams: scale through [StartPrice, EndPrice] in StepPct steps.
type RangeParams struct {
	Amount     decimal.Decimal `json:"amount"`
	StartPrice float64         `json:"startPrice"`
	EndPrice   float64         `json:"endPrice"`
	StepPct    float64         `json:"stepPct"`
	ExpiryDays float64         `json:"expiry"`
}

// IcebergParams: like RANGE but with an explicit fixed step count.
type IcebergParams struct {
	Amount     decimal.Decimal `json:"amount"`
	StartPrice float64         `json:"startPrice"`
	EndPrice   float64         `json:"endPrice"`
	Steps      int             `json:"steps"`
	ExpiryDays float64         `json:"expiry"`
}

// GridParams: static ladder spanning [StartPrice, EndPrice]. StepPct sets
// the spacing as a percentage of the range; StepMultiplier (default 1)
// makes it geometric. SingleSide=false places both buy and sell levels.
// TPPct arms a take-profit child above each filled level.
type GridParams struct {
	Amount         decimal.Decimal `json:"amount"`
	StartPrice     float64         `json:"startPrice"`
	EndPrice       float64         `json:"endPrice"`
	StepPct        float64         `json:"stepPct"`
	StepMultiplier float64         `json:"stepMultiplier,omitempty"`
	SingleSide     bool            `json:"singleSide"`
	TPPct          float64         `json:"tpPct,omitempty"`
}

// MomentumReversalParams: enter on an RSI reversal over its moving average.
type MomentumReversalParams struct {
	Amount      decimal.Decimal `json:"amount"`
	RSIPeriod   int             `json:"rsiPeriod"`
	RSIMAPeriod int             `json:"rsimaPeriod"`
	TPPct       float64         `json:"tpPct"`
	SLPct       float64         `json:"slPct"`
}

// RangeBreakoutParams: enter when ADX confirms a move BreakoutPct above EMA.
// BreakoutPct defaults to 0.5 when unset.
type RangeBreakoutParams struct {
	Amount      decimal.Decimal `json:"amount"`
	ADXPeriod   int             `json:"adxPeriod"`
	ADXMAPeriod int             `json:"adxmaPeriod"`
	EMAPeriod   int             `json:"emaPeriod"`
	BreakoutPct float64         `json:"breakoutPct,omitempty"`
	TPPct       float64         `json:"tpPct"`
	SLPct       float64         `json:"slPct"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// TickerSnapshot is one aggregated price sample from the collector.
// Analysis is optional precomputed indicator data; series are ordered
// oldest to newest.
type TickerSnapshot struct {
	Symbol    string    `json:"symbol"`
	Mid       float64   `json:"mid"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp int64     `json:"timestamp"` // ms since epoch
	Analysis  *Analysis `json:"analysis,omitempty"`
}

// Age returns how old the sample is at the given instant.
func (t *TickerSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(t.Timestamp))
}

// Analysis holds indicator series computed by the collector.
type Analysis struct {
	RSI  []float64   `json:"rsi,omitempty"`
	EMA  []float64   `json:"ema,omitempty"`
	SMA  []float64   `json:"sma,omitempty"`
	ADX  []float64   `json:"adx,omitempty"`
	MACD *MACDSeries `json:"macd,omitempty"`
	BB   *BBSeries   `json:"bb,omitempty"`
}

// MACDSeries is the MACD line, signal line and histogram.
type MACDSeries struct {
	MACD      []float64 `json:"macd"`
	Signal    []float64 `json:"signal"`
	Histogram []float64 `json:"histogram"`
}

// BBSeries is the Bollinger band triple.
type BBSeries struct {
	Upper  []float64 `json:"upper"`
	Middle []float64 `json:"middle"`
	Lower  []float64 `json:"lower"`
}

// ————————————————————————————————————————————————————————————————————————
// Child orders
// ————————————————————————————————————————————————————————————————————————

// ChildOrder is the concrete limit-order structure submitted upstream.
// MakingAmount and TakingAmount are base-unit strings scaled to the
// respective token's decimals.
type ChildOrder struct {
	Salt         string `json:"salt"`
	Maker        string `json:"maker"`    // the maker's delegate proxy
	Receiver     string `json:"receiver"` // proceeds recipient, usually == maker
	MakerAsset   string `json:"makerAsset"`
	TakerAsset   string `json:"takerAsset"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
	Expiration   int64  `json:"expiry,omitempty"` // unix seconds, 0 = none
	Signature    string `json:"signature"`
}

// SubmitResponse is the protocol API's answer to a child-order submission.
type SubmitResponse struct {
	Success   bool   `json:"success"`
	OrderHash string `json:"orderHash"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
}
