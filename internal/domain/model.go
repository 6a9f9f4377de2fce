// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture; it depends on nothing
// but the address and amount types every other layer shares.
package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ─── Principals & Assets ────────────────────────────────────────────────────

// Principal identifies an account that can stake, receive a payout, or resolve.
type Principal = common.Address

// AssetID identifies a fungible asset accepted for staking.
type AssetID = common.Address

// NativeAsset is the sentinel asset ID for the chain's native coin.
var NativeAsset = AssetID{}

// ParsePrincipal parses a 0x-prefixed hex address. The zero address is rejected
// because nothing can ever be paid out to it.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidPrincipal, s)
	}
	p := common.HexToAddress(s)
	if p == (Principal{}) {
		return Principal{}, fmt.Errorf("%w: zero address", ErrInvalidPrincipal)
	}
	return p, nil
}

// ParseAssetID parses an asset address. Unlike principals, the zero address
// is valid and names the native asset; "native" is accepted as an alias.
func ParseAssetID(s string) (AssetID, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "native") {
		return NativeAsset, nil
	}
	if !common.IsHexAddress(s) {
		return AssetID{}, fmt.Errorf("%w: %q", ErrUnsupportedAsset, s)
	}
	return common.HexToAddress(s), nil
}

// ─── Commitment ─────────────────────────────────────────────────────────────

// Status is the resolution state of a commitment. The numeric values match
// the on-chain enum so status codes read the same everywhere.
type Status uint8

const (
	StatusActive Status = iota
	StatusCompleted
	StatusFailed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Commitment is one staked goal. Everything except ProofReference and the
// resolution fields is immutable after creation.
type Commitment struct {
	ID                 uint64    `json:"id"`
	Owner              Principal `json:"owner"`
	Description        string    `json:"description"`
	Deadline           time.Time `json:"deadline"`
	Beneficiary        Principal `json:"beneficiary"`
	Asset              AssetID   `json:"asset"`
	StakeAmount        *big.Int  `json:"stake_amount"`
	ProofReference     string    `json:"proof_reference,omitempty"`
	Status             Status    `json:"status"`
	Verified           bool      `json:"verified"`
	VerificationReason string    `json:"verification_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ResolvedAt         time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy; the stake amount is never shared between copies.
func (c Commitment) Clone() Commitment {
	out := c
	out.StakeAmount = CloneAmount(c.StakeAmount)
	return out
}

// Recipient returns who receives the stake for the commitment's current
// status. It is only meaningful once the commitment is resolved.
func (c Commitment) Recipient() Principal {
	if c.Status == StatusCompleted {
		return c.Owner
	}
	return c.Beneficiary
}

// Expired reports whether the deadline has passed at now.
func (c Commitment) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// ─── Amounts ────────────────────────────────────────────────────────────────

// CloneAmount copies a big integer; nil stays nil.
func CloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ParseAmount parses a base-10 integer amount in the asset's native unit.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not an integer", ErrInvalidStake, s)
	}
	return v, nil
}

// FormatAmount renders a native-unit amount as a decimal string, e.g.
// 1500000 with 6 decimals is "1.5".
func FormatAmount(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}
