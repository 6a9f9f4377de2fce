package custody

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/observability"
)

var (
	resolver = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	charity  = common.HexToAddress("0x00000000000000000000000000000000c4a21742")
	usdc     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	weth     = common.HexToAddress("0x4200000000000000000000000000000000000006")
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memJournal is an in-memory domain.Journal that upserts rows the way the
// SQL journal does. failNext makes the next Apply fail.
type memJournal struct {
	mu       sync.Mutex
	snap     domain.Snapshot
	applied  []domain.ChangeKind
	failNext error
}

func (j *memJournal) Apply(_ context.Context, ch domain.Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failNext != nil {
		err := j.failNext
		j.failNext = nil
		return err
	}
	j.applied = append(j.applied, ch.Kind)
	if ch.Resolver != nil {
		j.snap.Resolver = *ch.Resolver
	}
	if ch.Asset != nil {
		replaced := false
		for i := range j.snap.Assets {
			if j.snap.Assets[i].Asset == ch.Asset.Asset {
				j.snap.Assets[i] = ch.Asset.Clone()
				replaced = true
			}
		}
		if !replaced {
			j.snap.Assets = append(j.snap.Assets, ch.Asset.Clone())
		}
	}
	if ch.Commitment != nil {
		if ch.Commitment.ID < uint64(len(j.snap.Commitments)) {
			j.snap.Commitments[ch.Commitment.ID] = ch.Commitment.Clone()
		} else {
			j.snap.Commitments = append(j.snap.Commitments, ch.Commitment.Clone())
		}
	}
	if ch.Payout != nil {
		replaced := false
		for i := range j.snap.Payouts {
			p := j.snap.Payouts[i]
			if p.Principal == ch.Payout.Principal && p.Asset == ch.Payout.Asset {
				j.snap.Payouts[i] = *ch.Payout
				replaced = true
			}
		}
		if !replaced {
			j.snap.Payouts = append(j.snap.Payouts, *ch.Payout)
		}
	}
	j.snap.Entries = append(j.snap.Entries, ch.Entries...)
	return nil
}

func (j *memJournal) Load(context.Context) (domain.Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *memJournal, *clock) {
	t.Helper()
	j := &memJournal{}
	clk := &clock{now: testNow}
	e, err := Open(context.Background(), Config{Resolver: resolver, Journal: j, Clock: clk.Now})
	require.NoError(t, err)
	require.NoError(t, e.RegisterAsset(context.Background(), resolver, usdc))
	return e, j, clk
}

func usdcStake(owner domain.Principal, amount int64) CreateRequest {
	return CreateRequest{
		Owner:       owner,
		Description: "run 5 miles daily for 30 days",
		Deadline:    testNow.Add(30 * 24 * time.Hour),
		Beneficiary: charity,
		Asset:       usdc,
		StakeAmount: big.NewInt(amount),
		Transferred: big.NewInt(amount),
	}
}

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestScenario_VerifiedPaysOwner(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, int64(100), e.CustodyBalance(usdc).Int64())

	c, err := e.Resolve(ctx, resolver, id, true, "video confirms completion")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.True(t, c.Verified)
	assert.Equal(t, "video confirms completion", c.VerificationReason)
	assert.Equal(t, int64(100), e.BalanceOf(alice, usdc).Int64())
	assert.Equal(t, int64(0), e.BalanceOf(charity, usdc).Int64())
	assert.Equal(t, int64(0), e.CustodyBalance(usdc).Int64())
}

func TestScenario_FailedPaysBeneficiary(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)

	c, err := e.Resolve(ctx, resolver, id, false, "no evidence submitted by deadline")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.False(t, c.Verified)
	assert.Equal(t, int64(100), e.BalanceOf(charity, usdc).Int64())
	assert.Equal(t, int64(0), e.BalanceOf(alice, usdc).Int64())
	assert.Equal(t, int64(0), e.CustodyBalance(usdc).Int64())
}

func TestScenario_DoubleResolve(t *testing.T) {
	e, j, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)
	_, err = e.Resolve(ctx, resolver, id, true, "video confirms completion")
	require.NoError(t, err)
	applied := len(j.applied)

	for _, verified := range []bool{true, false} {
		_, err = e.Resolve(ctx, resolver, id, verified, "again")
		require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	}
	assert.Equal(t, int64(100), e.BalanceOf(alice, usdc).Int64())
	assert.Equal(t, int64(0), e.BalanceOf(charity, usdc).Int64())
	assert.Equal(t, int64(0), e.CustodyBalance(usdc).Int64())
	assert.Len(t, j.applied, applied, "rejected resolve must not reach the journal")

	c, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.Equal(t, "video confirms completion", c.VerificationReason)
}

// ─── Create ─────────────────────────────────────────────────────────────────

func TestCreate_ExactFunding(t *testing.T) {
	tests := []struct {
		name        string
		stake       *big.Int
		transferred *big.Int
	}{
		{"nothing transferred", big.NewInt(100), nil},
		{"zero for positive", big.NewInt(100), big.NewInt(0)},
		{"underfunded by one", big.NewInt(100), big.NewInt(99)},
		{"overfunded by one", big.NewInt(100), big.NewInt(101)},
		{"zero stake", big.NewInt(0), big.NewInt(0)},
		{"negative stake", big.NewInt(-5), big.NewInt(-5)},
		{"nil stake", nil, big.NewInt(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			req := usdcStake(alice, 1)
			req.StakeAmount, req.Transferred = tt.stake, tt.transferred

			_, err := e.Create(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrInvalidStake)
			assert.Equal(t, 0, e.Count())
			assert.Equal(t, int64(0), e.CustodyBalance(usdc).Int64())
		})
	}
}

func TestCreate_Deadline(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, deadline := range []time.Time{testNow, testNow.Add(-time.Hour)} {
		req := usdcStake(alice, 10)
		req.Deadline = deadline
		_, err := e.Create(ctx, req)
		require.ErrorIs(t, err, domain.ErrInvalidStake)
	}

	req := usdcStake(alice, 10)
	req.Deadline = testNow.Add(time.Nanosecond)
	_, err := e.Create(ctx, req)
	require.NoError(t, err)
}

func TestCreate_UnsupportedAsset(t *testing.T) {
	e, j, _ := newTestEngine(t)
	applied := len(j.applied)

	req := usdcStake(alice, 50)
	req.Asset = weth
	_, err := e.Create(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrUnsupportedAsset)
	assert.Equal(t, 0, e.Count())
	assert.Equal(t, int64(0), e.CustodyBalance(weth).Int64())
	assert.Empty(t, e.ListByOwner(alice))
	assert.Len(t, j.applied, applied)
}

func TestCreate_RejectsZeroPrincipals(t *testing.T) {
	e, _, _ := newTestEngine(t)

	req := usdcStake(domain.Principal{}, 10)
	_, err := e.Create(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidPrincipal)

	req = usdcStake(alice, 10)
	req.Beneficiary = domain.Principal{}
	_, err = e.Create(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidPrincipal)
}

func TestCreate_SequentialIDsAndOwnerIndex(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	owners := []domain.Principal{alice, bob, alice, alice, bob}
	for i, o := range owners {
		id, err := e.Create(ctx, usdcStake(o, int64(i+1)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), id)
	}
	assert.Equal(t, []uint64{0, 2, 3}, e.ListByOwner(alice))
	assert.Equal(t, []uint64{1, 4}, e.ListByOwner(bob))
	assert.Empty(t, e.ListByOwner(charity))
	assert.Equal(t, int64(15), e.CustodyBalance(usdc).Int64())
}

func TestCreate_NativeAsset(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterAsset(ctx, resolver, domain.NativeAsset))

	wei, _ := new(big.Int).SetString("10000000000000000", 10)
	req := usdcStake(alice, 0)
	req.Asset = domain.NativeAsset
	req.StakeAmount, req.Transferred = wei, new(big.Int).Set(wei)

	id, err := e.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, wei.String(), e.CustodyBalance(domain.NativeAsset).String())

	// Caller mutating its own amount after the call must not leak in.
	wei.SetInt64(1)
	c, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000", c.StakeAmount.String())
}

// ─── Proof ──────────────────────────────────────────────────────────────────

func TestSubmitProof(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)

	require.ErrorIs(t, e.SubmitProof(ctx, alice, 99, "vid-1"), domain.ErrNotFound)
	require.ErrorIs(t, e.SubmitProof(ctx, bob, id, "vid-1"), domain.ErrNotAuthorized)
	require.ErrorIs(t, e.SubmitProof(ctx, alice, id, "   "), domain.ErrEmptyProof)

	require.NoError(t, e.SubmitProof(ctx, alice, id, "vid-1"))
	require.NoError(t, e.SubmitProof(ctx, alice, id, "vid-2"))
	c, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "vid-2", c.ProofReference)
	assert.Equal(t, domain.StatusActive, c.Status)
	assert.Equal(t, int64(100), e.CustodyBalance(usdc).Int64())

	_, err = e.Resolve(ctx, resolver, id, true, "ok")
	require.NoError(t, err)
	require.ErrorIs(t, e.SubmitProof(ctx, alice, id, "vid-3"), domain.ErrAlreadyResolved)
}

func TestResolveProof_RequiresRecordedEvidence(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)

	_, err = e.ResolveProof(ctx, resolver, id, "vid-1", true, "ok")
	require.ErrorIs(t, err, domain.ErrProofMismatch, "nothing recorded yet")

	require.NoError(t, e.SubmitProof(ctx, alice, id, "vid-1"))
	require.NoError(t, e.SubmitProof(ctx, alice, id, "vid-2"))
	_, err = e.ResolveProof(ctx, resolver, id, "vid-1", true, "ok")
	require.ErrorIs(t, err, domain.ErrProofMismatch, "owner replaced the evidence")
	_, err = e.ResolveProof(ctx, resolver, id, "", true, "ok")
	require.ErrorIs(t, err, domain.ErrProofMismatch)

	c, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, c.Status)
	assert.Equal(t, int64(100), e.CustodyBalance(usdc).Int64())

	c, err = e.ResolveProof(ctx, resolver, id, "vid-2", true, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.Equal(t, "vid-2", c.ProofReference)
}

func TestResolveExpired(t *testing.T) {
	e, _, clk := newTestEngine(t)
	ctx := context.Background()
	bare, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)
	proven, err := e.Create(ctx, usdcStake(bob, 40))
	require.NoError(t, err)
	require.NoError(t, e.SubmitProof(ctx, bob, proven, "vid-b"))

	_, err = e.ResolveExpired(ctx, resolver, bare, clk.Now(), "late")
	require.ErrorIs(t, err, domain.ErrNotExpired)

	clk.Advance(30 * 24 * time.Hour)
	_, err = e.ResolveExpired(ctx, alice, bare, clk.Now(), "late")
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
	_, err = e.ResolveExpired(ctx, resolver, proven, clk.Now(), "late")
	require.ErrorIs(t, err, domain.ErrProofSubmitted)

	c, err := e.ResolveExpired(ctx, resolver, bare, clk.Now(), "late")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, "late", c.VerificationReason)
	assert.Equal(t, int64(100), e.BalanceOf(charity, usdc).Int64())

	c, err = e.Get(proven)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, c.Status)
	assert.Equal(t, int64(40), e.CustodyBalance(usdc).Int64())
	require.NoError(t, e.CheckConservation())

	_, err = e.ResolveExpired(ctx, resolver, bare, clk.Now(), "late")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

// ─── Access Control ─────────────────────────────────────────────────────────

func TestResolve_RequiresResolver(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)

	_, err = e.Resolve(ctx, alice, id, true, "self-approved")
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	c, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, c.Status)
	assert.Equal(t, int64(100), e.CustodyBalance(usdc).Int64())
	assert.Equal(t, int64(0), e.BalanceOf(alice, usdc).Int64())
}

func TestResolve_UnknownID(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Resolve(context.Background(), resolver, 7, true, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterAsset(t *testing.T) {
	e, j, _ := newTestEngine(t)
	ctx := context.Background()

	require.ErrorIs(t, e.RegisterAsset(ctx, alice, weth), domain.ErrNotAuthorized)
	assert.False(t, e.IsAccepted(weth))

	applied := len(j.applied)
	require.NoError(t, e.RegisterAsset(ctx, resolver, usdc), "re-registering is a no-op")
	assert.Len(t, j.applied, applied)

	require.NoError(t, e.RegisterAsset(ctx, resolver, weth))
	assert.True(t, e.IsAccepted(weth))
	assert.Len(t, e.Assets(), 2)
}

func TestTransferOwnership(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)

	require.ErrorIs(t, e.TransferOwnership(ctx, alice, alice), domain.ErrNotCurrentOwner)
	require.ErrorIs(t, e.TransferOwnership(ctx, resolver, domain.Principal{}), domain.ErrInvalidPrincipal)
	assert.Equal(t, resolver, e.Resolver())

	require.NoError(t, e.TransferOwnership(ctx, resolver, bob))
	assert.Equal(t, bob, e.Resolver())

	_, err = e.Resolve(ctx, resolver, id, true, "")
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
	require.ErrorIs(t, e.TransferOwnership(ctx, resolver, resolver), domain.ErrNotCurrentOwner)

	_, err = e.Resolve(ctx, bob, id, true, "")
	require.NoError(t, err)
}

// ─── Ledger & Journal ───────────────────────────────────────────────────────

func TestEntries_DoubleEntry(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)
	_, err = e.Resolve(ctx, resolver, id, false, "missed")
	require.NoError(t, err)

	entries, err := e.Entries(id)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	bond, penalty := entries[:2], entries[2:]
	assert.Equal(t, domain.TxBond, bond[0].Type)
	assert.Equal(t, bond[0].TxID, bond[1].TxID)
	assert.Equal(t, domain.EntryDebit, bond[0].EntryType)
	assert.Equal(t, domain.AccountFor(alice), bond[0].Account)
	assert.Equal(t, domain.CustodyAccount, bond[1].Account)

	assert.Equal(t, domain.TxPenalty, penalty[0].Type)
	assert.Equal(t, domain.CustodyAccount, penalty[0].Account)
	assert.Equal(t, domain.AccountFor(charity), penalty[1].Account)
	assert.Equal(t, "missed", penalty[1].Description)

	for i, en := range entries {
		assert.Equal(t, int64(i), en.Seq)
		assert.Equal(t, int64(100), en.Amount.Int64())
	}

	_, err = e.Entries(42)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJournalFailure_LeavesStateUntouched(t *testing.T) {
	e, j, _ := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("disk full")

	j.failNext = boom
	_, err := e.Create(ctx, usdcStake(alice, 100))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.Count())
	assert.Equal(t, int64(0), e.CustodyBalance(usdc).Int64())

	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id, "failed create must not burn an id")

	j.failNext = boom
	_, err = e.Resolve(ctx, resolver, id, true, "ok")
	require.ErrorIs(t, err, boom)
	c, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, c.Status)
	assert.Equal(t, int64(100), e.CustodyBalance(usdc).Int64())
	assert.Equal(t, int64(0), e.BalanceOf(alice, usdc).Int64())

	_, err = e.Resolve(ctx, resolver, id, true, "ok")
	require.NoError(t, err)
	require.NoError(t, e.CheckConservation())
}

func TestOpen_RestoresFromJournal(t *testing.T) {
	e, j, clk := newTestEngine(t)
	ctx := context.Background()

	id0, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)
	id1, err := e.Create(ctx, usdcStake(bob, 40))
	require.NoError(t, err)
	require.NoError(t, e.SubmitProof(ctx, bob, id1, "vid-b"))
	_, err = e.Resolve(ctx, resolver, id0, true, "done")
	require.NoError(t, err)
	require.NoError(t, e.TransferOwnership(ctx, resolver, bob))

	restored, err := Open(ctx, Config{Resolver: resolver, Journal: j, Clock: clk.Now})
	require.NoError(t, err)

	assert.Equal(t, bob, restored.Resolver(), "journaled resolver wins over config")
	assert.Equal(t, 2, restored.Count())
	assert.Equal(t, int64(40), restored.CustodyBalance(usdc).Int64())
	assert.Equal(t, int64(100), restored.BalanceOf(alice, usdc).Int64())
	c, err := restored.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, "vid-b", c.ProofReference)
	assert.Equal(t, []uint64{id1}, restored.ListByOwner(bob))

	id2, err := restored.Create(ctx, usdcStake(alice, 5))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id2)
	entries, err := restored.Entries(id2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), entries[0].Seq, "sequence continues after restore")
}

func TestOpen_SeedsCustodyGauge(t *testing.T) {
	e, j, clk := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Create(ctx, usdcStake(alice, 70))
	require.NoError(t, err)

	gauge := observability.CustodyBalance.WithLabelValues(usdc.Hex())
	gauge.Set(0)
	_, err = Open(ctx, Config{Journal: j, Clock: clk.Now})
	require.NoError(t, err)
	assert.Equal(t, float64(70), testutil.ToFloat64(gauge))
}

func TestOpen_RefusesBrokenJournal(t *testing.T) {
	j := &memJournal{snap: domain.Snapshot{
		Resolver: resolver,
		Assets:   []domain.AssetState{{Asset: usdc, Supported: true, Custody: big.NewInt(50)}},
		Commitments: []domain.Commitment{{
			ID: 0, Owner: alice, Beneficiary: charity, Asset: usdc,
			StakeAmount: big.NewInt(100), Status: domain.StatusActive,
		}},
	}}
	_, err := Open(context.Background(), Config{Journal: j})
	require.ErrorIs(t, err, domain.ErrIntegrity)
	assert.True(t, domain.IsIntegrityFault(err))
}

func TestOpen_RequiresResolver(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.ErrorIs(t, err, domain.ErrInvalidPrincipal)
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestResolve_ConcurrentCallsResolveOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Create(ctx, usdcStake(alice, 100))
	require.NoError(t, err)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(verified bool) {
			defer wg.Done()
			_, err := e.Resolve(ctx, resolver, id, verified, "race")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	paid := new(big.Int).Add(e.BalanceOf(alice, usdc), e.BalanceOf(charity, usdc))
	assert.Equal(t, int64(100), paid.Int64())
	assert.Equal(t, int64(0), e.CustodyBalance(usdc).Int64())
}

func TestConcurrentCreates_ConserveCustody(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan uint64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := e.Create(ctx, usdcStake(alice, 3))
			if assert.NoError(t, err) {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	var got []uint64
	for id := range ids {
		got = append(got, id)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, id := range got {
		assert.Equal(t, uint64(i), id)
	}
	assert.Equal(t, int64(150), e.CustodyBalance(usdc).Int64())
	require.NoError(t, e.CheckConservation())
}

func TestActive_ExcludesResolved(t *testing.T) {
	e, _, clk := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Create(ctx, usdcStake(alice, 1))
	require.NoError(t, err)
	id1, err := e.Create(ctx, usdcStake(bob, 1))
	require.NoError(t, err)
	_, err = e.Resolve(ctx, resolver, 0, true, "")
	require.NoError(t, err)

	clk.Advance(31 * 24 * time.Hour)
	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, id1, active[0].ID)
	assert.True(t, active[0].Expired(clk.Now()), "deadline expiry never resolves by itself")
}
