package custody

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/covenant-labs/covenant/internal/domain"
)

// AssetLedger tracks which assets are accepted and how much of each the engine
// holds in custody. It has no lock of its own; the Engine serializes access.
//
// The credit/debit methods compute the row as it stands after the movement
// without touching the ledger. The engine journals that row first and only
// then writes it back with put, so a failed journal write leaves no trace.
type AssetLedger struct {
	rows map[domain.AssetID]domain.AssetState
}

func newAssetLedger() *AssetLedger {
	return &AssetLedger{rows: make(map[domain.AssetID]domain.AssetState)}
}

// isAccepted reports whether asset is registered for staking.
func (l *AssetLedger) isAccepted(asset domain.AssetID) bool {
	return l.rows[asset].Supported
}

// custody returns a copy of the custody balance for asset (zero if unknown).
func (l *AssetLedger) custody(asset domain.AssetID) *big.Int {
	row, ok := l.rows[asset]
	if !ok || row.Custody == nil {
		return new(big.Int)
	}
	return domain.CloneAmount(row.Custody)
}

// registered returns the row produced by registering asset and whether
// registration changes anything. Re-registering is a no-op.
func (l *AssetLedger) registered(asset domain.AssetID) (domain.AssetState, bool) {
	if row, ok := l.rows[asset]; ok && row.Supported {
		return row.Clone(), false
	}
	return domain.AssetState{Asset: asset, Supported: true, Custody: l.custody(asset)}, true
}

// creditCustody returns the row after adding amount to asset's custody.
func (l *AssetLedger) creditCustody(asset domain.AssetID, amount *big.Int) (domain.AssetState, error) {
	if !l.isAccepted(asset) {
		return domain.AssetState{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset.Hex())
	}
	next := l.custody(asset)
	next.Add(next, amount)
	return domain.AssetState{Asset: asset, Supported: true, Custody: next}, nil
}

// debitCustody returns the row after removing amount from asset's custody.
// Going below zero means the conservation invariant is already broken.
func (l *AssetLedger) debitCustody(asset domain.AssetID, amount *big.Int) (domain.AssetState, error) {
	row, ok := l.rows[asset]
	have := l.custody(asset)
	if !ok || have.Cmp(amount) < 0 {
		return domain.AssetState{}, fmt.Errorf("%w: asset %s holds %s, need %s",
			domain.ErrInsufficientCustody, asset.Hex(), have, amount)
	}
	return domain.AssetState{Asset: asset, Supported: row.Supported, Custody: have.Sub(have, amount)}, nil
}

func (l *AssetLedger) put(row domain.AssetState) {
	l.rows[row.Asset] = row.Clone()
}

// list returns all known assets ordered by address.
func (l *AssetLedger) list() []domain.AssetState {
	out := make([]domain.AssetState, 0, len(l.rows))
	for _, row := range l.rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Asset.Cmp(out[j].Asset) < 0
	})
	return out
}
