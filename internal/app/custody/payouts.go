package custody

import (
	"math/big"

	"github.com/covenant-labs/covenant/internal/domain"
)

type payoutKey struct {
	principal domain.Principal
	asset     domain.AssetID
}

// payoutBook is the local transfer primitive: resolved stakes are credited
// here. Crediting cannot fail, so a resolution never stops halfway.
type payoutBook struct {
	balances map[payoutKey]*big.Int
}

func newPayoutBook() *payoutBook {
	return &payoutBook{balances: make(map[payoutKey]*big.Int)}
}

func (b *payoutBook) balanceOf(p domain.Principal, asset domain.AssetID) *big.Int {
	if v, ok := b.balances[payoutKey{p, asset}]; ok {
		return domain.CloneAmount(v)
	}
	return new(big.Int)
}

// credited returns p's balance row after receiving amount.
func (b *payoutBook) credited(p domain.Principal, asset domain.AssetID, amount *big.Int) domain.PayoutState {
	next := b.balanceOf(p, asset)
	next.Add(next, amount)
	return domain.PayoutState{Principal: p, Asset: asset, Balance: next}
}

func (b *payoutBook) put(ps domain.PayoutState) {
	b.balances[payoutKey{ps.Principal, ps.Asset}] = domain.CloneAmount(ps.Balance)
}
