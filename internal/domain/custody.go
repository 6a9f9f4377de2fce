package domain

import "math/big"

// ─── Custody State Records ──────────────────────────────────────────────────
// These records are what the custody engine hands to its journal. A Change
// always carries the complete post-mutation value of every row it touches,
// so applying it is a plain overwrite and replay needs no arithmetic.

// AssetState is the ledger row for one asset.
type AssetState struct {
	Asset     AssetID  `json:"asset"`
	Supported bool     `json:"supported"`
	Custody   *big.Int `json:"custody"`
}

// Clone returns a deep copy.
func (a AssetState) Clone() AssetState {
	out := a
	out.Custody = CloneAmount(a.Custody)
	return out
}

// PayoutState is a principal's accumulated payout balance in one asset.
type PayoutState struct {
	Principal Principal `json:"principal"`
	Asset     AssetID   `json:"asset"`
	Balance   *big.Int  `json:"balance"`
}

// ChangeKind names the operation that produced a Change.
type ChangeKind string

const (
	ChangeResolver   ChangeKind = "resolver"
	ChangeAsset      ChangeKind = "asset"
	ChangeCreate     ChangeKind = "create"
	ChangeProof      ChangeKind = "proof"
	ChangeResolution ChangeKind = "resolve"
)

// Change is one atomic unit of custody state. Nil fields are untouched.
type Change struct {
	Kind       ChangeKind
	Resolver   *Principal
	Asset      *AssetState
	Commitment *Commitment
	Payout     *PayoutState
	Entries    []LedgerEntry
}

// Snapshot is the full persisted custody state, used to restore an engine.
type Snapshot struct {
	Resolver    Principal
	Assets      []AssetState
	Commitments []Commitment // ordered by ID
	Payouts     []PayoutState
	Entries     []LedgerEntry // ordered by Seq
}
