// Package sign verifies maker authorization over advanced-order intents.
//
// The canonical payload is a deterministic JSON encoding of
// {maker, makerAsset, params, size, takerAsset, type} with sorted keys and
// no insignificant whitespace, lowercased addresses, and the size as a
// decimal string. The maker signs it with Ethereum personal-sign (EIP-191);
// verification recovers the signer address and compares it to the declared
// maker case-insensitively. Clients must produce the identical byte string.
package sign

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"lop-keeper/pkg/types"
)

// ErrSignatureInvalid is returned when the recovered signer does not match
// the declared maker, or the signature is malformed.
var ErrSignatureInvalid = errors.New("signature invalid")

// CanonicalPayload produces the byte-for-byte string the maker signs.
// Params are re-marshalled through a generic map so key order is always
// sorted regardless of how the client serialized them.
func CanonicalPayload(o *types.Order) (string, error) {
	var params any
	if len(o.Params) > 0 {
		if err := json.Unmarshal(o.Params, &params); err != nil {
			return "", fmt.Errorf("decode params: %w", err)
		}
	}

	payload := map[string]any{
		"maker":      strings.ToLower(o.Maker),
		"makerAsset": strings.ToLower(o.MakerAsset),
		"params":     params,
		"size":       o.Size.String(),
		"takerAsset": strings.ToLower(o.TakerAsset),
		"type":       string(o.Type),
	}

	// encoding/json sorts map keys at every level.
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), nil
}

// Verify checks that the order's signature was produced by its declared
// maker over the canonical payload. Returns ErrSignatureInvalid on any
// mismatch; the engine never promotes an unverified order past creation.
func Verify(o *types.Order) error {
	payload, err := CanonicalPayload(o)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	// When the client echoes the payload it signed, it must match ours
	// exactly — a mismatch means the two sides disagree on the encoding.
	if o.SignedPayload != "" && o.SignedPayload != payload {
		return fmt.Errorf("%w: signed payload does not match canonical form", ErrSignatureInvalid)
	}

	recovered, err := RecoverSigner(payload, o.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !strings.EqualFold(recovered, o.Maker) {
		return fmt.Errorf("%w: recovered %s, declared %s", ErrSignatureInvalid, recovered, o.Maker)
	}
	return nil
}

// RecoverSigner recovers the address that personal-signed the payload.
func RecoverSigner(payload, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature length %d, want 65", len(sig))
	}

	// Wallets produce V as 27/28; crypto.SigToPub wants 0/1.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(payload)), sig)
	if err != nil {
		return "", fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// SignPayload personal-signs the payload with the given key and returns the
// 0x-prefixed signature with V adjusted to 27/28. Used by tests and tooling
// to mint valid intents.
func SignPayload(payload string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(payload)), key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}
