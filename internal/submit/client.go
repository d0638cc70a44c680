// Package submit builds, signs and submits concrete child limit orders
// against the on-chain limit-order protocol.
//
// The client turns a strategy's (amount, limit price) decision into the
// protocol's order structure:
//   - amounts are scaled to the tokens' base units (decimals resolved from
//     the protocol's token metadata endpoint, cached in the store),
//   - the salt is derived deterministically from (parent id, trigger count)
//     so a crash-replayed submit deduplicates upstream,
//   - the order is EIP-712 signed with the operator key; the typed-data
//     digest doubles as the opaque order hash the engine persists.
//
// Every request is rate-limited via per-category TokenBuckets and carries a
// hard deadline; a deadline hit surfaces as SubmissionError{timeout}.
package submit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"lop-keeper/internal/config"
	"lop-keeper/internal/store"
	"lop-keeper/pkg/types"
)

// decimalsTTL bounds how long token decimals are trusted from cache.
// Decimals never change in practice; the TTL only limits damage from a
// bad cache entry.
const decimalsTTL = 24 * time.Hour

// SubmissionError reports an upstream rejection, policy violation or
// timeout. Terminal for the affected order.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return "submission failed: " + e.Reason
}

// Client is the limit-order protocol REST client plus operator signer.
type Client struct {
	http              *resty.Client
	key               *ecdsa.PrivateKey
	operator          common.Address
	chainID           *big.Int
	verifyingContract common.Address
	rl                *RateLimiter
	store             *store.Store
	timeout           time.Duration
	dryRun            bool
	logger            *slog.Logger
}

// NewClient creates a submission client from config.
func NewClient(cfg config.Config, st *store.Store, logger *slog.Logger) (*Client, error) {
	keyHex := cfg.Wallet.OperatorKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.Protocol.BaseURL).
		SetTimeout(cfg.Protocol.SubmitTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:              httpClient,
		key:               key,
		operator:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:           big.NewInt(cfg.Wallet.ChainID),
		verifyingContract: common.HexToAddress(cfg.Protocol.VerifyingContract),
		rl:                NewRateLimiter(),
		store:             st,
		timeout:           cfg.Protocol.SubmitTimeout,
		dryRun:            cfg.DryRun,
		logger:            logger.With("component", "submit"),
	}, nil
}

// Operator returns the keeper's signing address.
func (c *Client) Operator() common.Address {
	return c.operator
}

// Submit places one child limit order selling `amount` of the parent's
// maker asset at `limitPrice` (taker asset per maker asset). Returns the
// child order hash.
func (c *Client) Submit(ctx context.Context, o *types.Order, amount decimal.Decimal, limitPrice float64) (string, error) {
	if amount.Sign() <= 0 {
		return "", &SubmissionError{Reason: "non-positive amount"}
	}
	if limitPrice <= 0 {
		return "", &SubmissionError{Reason: "non-positive limit price"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	makerDec, err := c.decimals(ctx, o.ChainID, o.MakerAsset)
	if err != nil {
		return "", &SubmissionError{Reason: fmt.Sprintf("maker decimals: %v", err)}
	}
	takerDec, err := c.decimals(ctx, o.ChainID, o.TakerAsset)
	if err != nil {
		return "", &SubmissionError{Reason: fmt.Sprintf("taker decimals: %v", err)}
	}

	making := toBaseUnits(amount, makerDec)
	taking := toBaseUnits(amount.Mul(decimal.NewFromFloat(limitPrice)), takerDec)

	child := types.ChildOrder{
		Salt:         childSalt(o.ID, o.TriggerCount),
		Maker:        o.Maker,
		Receiver:     o.Maker,
		MakerAsset:   o.MakerAsset,
		TakerAsset:   o.TakerAsset,
		MakingAmount: making,
		TakingAmount: taking,
	}

	hash, sig, err := c.signChildOrder(&child)
	if err != nil {
		return "", &SubmissionError{Reason: fmt.Sprintf("sign: %v", err)}
	}
	child.Signature = sig

	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit child order",
			"parent", o.ID, "hash", hash, "making", making, "price", limitPrice)
		return hash, nil
	}

	if err := c.rl.Submit.Wait(ctx); err != nil {
		return "", &SubmissionError{Reason: "timeout"}
	}

	payload := struct {
		Order     types.ChildOrder `json:"order"`
		OrderHash string           `json:"orderHash"`
	}{Order: child, OrderHash: hash}

	var result types.SubmitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(fmt.Sprintf("/orders/%d", o.ChainID))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", &SubmissionError{Reason: "timeout"}
		}
		return "", &SubmissionError{Reason: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", &SubmissionError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if !result.Success && result.ErrorMsg != "" {
		return "", &SubmissionError{Reason: result.ErrorMsg}
	}
	if result.OrderHash != "" {
		// Prefer the upstream's echo of the hash; it must agree with ours.
		hash = result.OrderHash
	}

	c.logger.Info("child order submitted",
		"parent", o.ID, "hash", hash, "making", making, "taking", taking)
	return hash, nil
}

// CancelChild pulls a previously submitted child order from the book.
func (c *Client) CancelChild(ctx context.Context, chainID int64, hash string) error {
	if hash == "" {
		return nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel child order", "hash", hash)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return fmt.Errorf("cancel child: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/orders/%d/%s", chainID, hash))
	if err != nil {
		return fmt.Errorf("cancel child: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel child: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// signChildOrder computes the EIP-712 digest of the child order under the
// protocol domain and signs it with the operator key. The hex digest is the
// order hash the engine persists.
func (c *Client) signChildOrder(child *types.ChildOrder) (hash, signature string, err error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "receiver", Type: "address"},
				{Name: "makerAsset", Type: "address"},
				{Name: "takerAsset", Type: "address"},
				{Name: "makingAmount", Type: "uint256"},
				{Name: "takingAmount", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Limit Order Protocol",
			Version:           "4",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(c.chainID)),
			VerifyingContract: c.verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":         child.Salt,
			"maker":        child.Maker,
			"receiver":     child.Receiver,
			"makerAsset":   child.MakerAsset,
			"takerAsset":   child.TakerAsset,
			"makingAmount": child.MakingAmount,
			"takingAmount": child.TakingAmount,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", "", fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(digest, c.key)
	if err != nil {
		return "", "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return hexutil.Encode(digest), hexutil.Encode(sig), nil
}

// decimals resolves a token's decimals via the store cache, falling back to
// the protocol's token metadata endpoint.
func (c *Client) decimals(ctx context.Context, chainID int64, address string) (int, error) {
	if d, ok, err := c.store.CachedDecimals(ctx, chainID, address, decimalsTTL); err == nil && ok {
		return d, nil
	}

	if c.dryRun {
		// No metadata service in rehearsal; assume the ERC-20 default.
		return 18, nil
	}

	if err := c.rl.Meta.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Decimals int `json:"decimals"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/tokens/%d/%s", chainID, address))
	if err != nil {
		return 0, fmt.Errorf("token metadata: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("token metadata: status %d", resp.StatusCode())
	}

	if err := c.store.CacheDecimals(ctx, chainID, address, result.Decimals); err != nil {
		c.logger.Warn("failed to cache token decimals", "token", address, "error", err)
	}
	return result.Decimals, nil
}

// childSalt derives a deterministic salt from the parent id and trigger
// ordinal so a replayed submit after a crash maps to the same upstream
// order and deduplicates.
func childSalt(orderID string, triggerCount int) string {
	h := crypto.Keccak256([]byte(fmt.Sprintf("%s:%d", orderID, triggerCount)))
	return new(big.Int).SetBytes(h[:16]).String()
}

// toBaseUnits scales a human amount to the token's base units, truncating
// sub-unit dust.
func toBaseUnits(amount decimal.Decimal, decimals int) string {
	return amount.Shift(int32(decimals)).Truncate(0).String()
}
