package custody

import (
	"fmt"
	"math/big"
	"time"

	"github.com/covenant-labs/covenant/internal/domain"
)

// CreateRequest carries everything needed to open a commitment. Transferred is
// the amount the caller actually moved into custody; it must equal StakeAmount.
type CreateRequest struct {
	Owner       domain.Principal
	Description string
	Deadline    time.Time
	Beneficiary domain.Principal
	Asset       domain.AssetID
	StakeAmount *big.Int
	Transferred *big.Int
}

// CommitmentStore is the append-only arena of commitments. A record's ID is
// its index, so IDs are sequential from zero and never reused.
type CommitmentStore struct {
	records []domain.Commitment
	byOwner map[domain.Principal][]uint64
}

func newCommitmentStore() *CommitmentStore {
	return &CommitmentStore{byOwner: make(map[domain.Principal][]uint64)}
}

func (s *CommitmentStore) nextID() uint64 { return uint64(len(s.records)) }

func (s *CommitmentStore) count() int { return len(s.records) }

// get returns the stored record. Callers must Clone before mutating.
func (s *CommitmentStore) get(id uint64) (domain.Commitment, error) {
	if id >= uint64(len(s.records)) {
		return domain.Commitment{}, fmt.Errorf("%w: id %d", domain.ErrNotFound, id)
	}
	return s.records[id], nil
}

// put appends a new record or overwrites an existing one.
func (s *CommitmentStore) put(c domain.Commitment) {
	c = c.Clone()
	if c.ID == uint64(len(s.records)) {
		s.records = append(s.records, c)
		s.byOwner[c.Owner] = append(s.byOwner[c.Owner], c.ID)
		return
	}
	s.records[c.ID] = c
}

func (s *CommitmentStore) listByOwner(owner domain.Principal) []uint64 {
	ids := s.byOwner[owner]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// validate applies the creation rules in order: principals, asset support,
// then the stake checks.
func (s *CommitmentStore) validate(req CreateRequest, assets *AssetLedger, now time.Time) error {
	var zero domain.Principal
	if req.Owner == zero {
		return fmt.Errorf("%w: owner is the zero address", domain.ErrInvalidPrincipal)
	}
	if req.Beneficiary == zero {
		return fmt.Errorf("%w: beneficiary is the zero address", domain.ErrInvalidPrincipal)
	}
	if !assets.isAccepted(req.Asset) {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, req.Asset.Hex())
	}
	if req.StakeAmount == nil || req.StakeAmount.Sign() <= 0 {
		return fmt.Errorf("%w: stake must be positive", domain.ErrInvalidStake)
	}
	if !req.Deadline.After(now) {
		return fmt.Errorf("%w: deadline %s is not in the future", domain.ErrInvalidStake, req.Deadline.Format(time.RFC3339))
	}
	if req.Transferred == nil || req.Transferred.Cmp(req.StakeAmount) != 0 {
		got := "nothing"
		if req.Transferred != nil {
			got = req.Transferred.String()
		}
		return fmt.Errorf("%w: transferred %s, declared %s", domain.ErrInvalidStake, got, req.StakeAmount)
	}
	return nil
}
