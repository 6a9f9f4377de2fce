// Package custody is the commitment custody and resolution engine.
//
// The engine owns every staked amount. It enforces the lifecycle
//
//	create (stake in) ─▶ [submit proof]* ─▶ resolve (stake out, once)
//
// and the conservation invariant: for every asset, the custody balance equals
// the sum of stakes of Active commitments in that asset.
//
// All mutations run under one writer lock. Each builds a domain.Change holding
// the post-mutation rows, writes it to the journal, and only then applies it
// in memory. A journal failure therefore leaves the engine untouched.
package custody

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/observability"
)

// Config controls how an engine is opened.
type Config struct {
	// Resolver is the initial resolver principal. It is only used when the
	// journal is empty; a restored engine keeps the journaled resolver.
	Resolver domain.Principal

	// Journal persists changes. Nil keeps all state in memory.
	Journal domain.Journal

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time

	Logger *slog.Logger
}

// Engine is the custody and resolution engine. Safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	access  AccessControl
	assets  *AssetLedger
	store   *CommitmentStore
	payouts *payoutBook
	entries map[uint64][]domain.LedgerEntry
	nextSeq int64

	journal domain.Journal
	now     func() time.Time
	log     *slog.Logger
}

// Open creates an engine, restoring state from cfg.Journal when it holds any.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	e := &Engine{
		assets:  newAssetLedger(),
		store:   newCommitmentStore(),
		payouts: newPayoutBook(),
		entries: make(map[uint64][]domain.LedgerEntry),
		journal: cfg.Journal,
		now:     cfg.Clock,
		log:     observability.Component(cfg.Logger, "custody"),
	}
	if e.now == nil {
		e.now = time.Now
	}

	var zero domain.Principal
	if e.journal != nil {
		snap, err := e.journal.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load custody journal: %w", err)
		}
		if snap.Resolver != zero {
			if err := e.restore(snap); err != nil {
				observability.IntegrityFaults.Inc()
				e.log.Error("refusing to open custody engine", "error", err)
				return nil, err
			}
			if cfg.Resolver != zero && cfg.Resolver != snap.Resolver {
				e.log.Warn("configured resolver differs from journal, keeping journaled resolver",
					"configured", cfg.Resolver.Hex(), "journaled", snap.Resolver.Hex())
			}
			for _, row := range snap.Assets {
				observability.CustodyBalance.WithLabelValues(row.Asset.Hex()).Set(observability.AmountFloat(row.Custody))
			}
			e.log.Info("custody engine restored",
				"resolver", snap.Resolver.Hex(),
				"commitments", len(snap.Commitments),
				"assets", len(snap.Assets))
			return e, nil
		}
	}

	if cfg.Resolver == zero {
		return nil, fmt.Errorf("%w: a resolver is required to initialize custody", domain.ErrInvalidPrincipal)
	}
	resolver := cfg.Resolver
	if err := e.commit(ctx, domain.Change{Kind: domain.ChangeResolver, Resolver: &resolver}); err != nil {
		return nil, err
	}
	e.log.Info("custody engine initialized", "resolver", resolver.Hex())
	return e, nil
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// RegisterAsset marks asset as accepted for staking. Resolver only; idempotent.
func (e *Engine) RegisterAsset(ctx context.Context, caller domain.Principal, asset domain.AssetID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.access.authorize(caller); err != nil {
		return err
	}
	row, changed := e.assets.registered(asset)
	if !changed {
		return nil
	}
	if err := e.commit(ctx, domain.Change{Kind: domain.ChangeAsset, Asset: &row}); err != nil {
		return err
	}
	e.log.Info("asset registered", "asset", asset.Hex())
	return nil
}

// Create opens a commitment and takes its stake into custody.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if err := e.store.validate(req, e.assets, now); err != nil {
		return 0, err
	}
	row, err := e.assets.creditCustody(req.Asset, req.StakeAmount)
	if err != nil {
		return 0, err
	}

	c := domain.Commitment{
		ID:          e.store.nextID(),
		Owner:       req.Owner,
		Description: req.Description,
		Deadline:    req.Deadline,
		Beneficiary: req.Beneficiary,
		Asset:       req.Asset,
		StakeAmount: domain.CloneAmount(req.StakeAmount),
		Status:      domain.StatusActive,
		CreatedAt:   now,
	}
	entries := e.transfer(domain.TxBond, c, domain.AccountFor(c.Owner), domain.CustodyAccount, c.Description, now)

	if err := e.commit(ctx, domain.Change{
		Kind:       domain.ChangeCreate,
		Asset:      &row,
		Commitment: &c,
		Entries:    entries,
	}); err != nil {
		return 0, err
	}

	observability.CommitmentsCreated.WithLabelValues(c.Asset.Hex()).Inc()
	observability.CustodyBalance.WithLabelValues(c.Asset.Hex()).Set(observability.AmountFloat(row.Custody))
	e.log.Info("commitment created",
		"id", c.ID, "owner", c.Owner.Hex(), "asset", c.Asset.Hex(),
		"stake", c.StakeAmount.String(), "deadline", c.Deadline)
	return c.ID, nil
}

// SubmitProof records the evidence reference for an unresolved commitment.
// Only the commitment's owner may submit; a later call overwrites the earlier
// reference as long as the commitment is still Active.
func (e *Engine) SubmitProof(ctx context.Context, caller domain.Principal, id uint64, proofRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.store.get(id)
	if err != nil {
		return err
	}
	if c.Owner != caller {
		return fmt.Errorf("%w: only the owner may submit proof for commitment %d", domain.ErrNotAuthorized, id)
	}
	if c.Status != domain.StatusActive {
		return fmt.Errorf("%w: commitment %d is %s", domain.ErrAlreadyResolved, id, c.Status)
	}
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return domain.ErrEmptyProof
	}

	updated := c.Clone()
	updated.ProofReference = proofRef
	if err := e.commit(ctx, domain.Change{Kind: domain.ChangeProof, Commitment: &updated}); err != nil {
		return err
	}
	e.log.Info("proof submitted", "id", id, "proof", proofRef)
	return nil
}

// Resolve finalizes a commitment. Resolver only. A verified commitment pays
// the stake back to its owner; otherwise the beneficiary receives it. The
// status check, custody debit, payout and status write form one unit under
// the writer lock, so a commitment can be resolved at most once.
func (e *Engine) Resolve(ctx context.Context, caller domain.Principal, id uint64, verified bool, reason string) (domain.Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolve(ctx, caller, id, verified, reason, nil)
}

// ResolveProof resolves id with a verdict on proofRef. It refuses with
// ErrProofMismatch unless proofRef is the commitment's recorded proof at the
// moment of resolution, so the audit record always names the judged evidence.
func (e *Engine) ResolveProof(ctx context.Context, caller domain.Principal, id uint64, proofRef string, verified bool, reason string) (domain.Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolve(ctx, caller, id, verified, reason, func(c domain.Commitment) error {
		if proofRef == "" || c.ProofReference != proofRef {
			return fmt.Errorf("%w: commitment %d records %q, verdict is for %q",
				domain.ErrProofMismatch, id, c.ProofReference, proofRef)
		}
		return nil
	})
}

// ResolveExpired fails id for missing evidence. It refuses with
// ErrProofSubmitted when a proof is recorded and with ErrNotExpired when now
// is before the deadline.
func (e *Engine) ResolveExpired(ctx context.Context, caller domain.Principal, id uint64, now time.Time, reason string) (domain.Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolve(ctx, caller, id, false, reason, func(c domain.Commitment) error {
		if c.ProofReference != "" {
			return fmt.Errorf("%w: commitment %d", domain.ErrProofSubmitted, id)
		}
		if now.Before(c.Deadline) {
			return fmt.Errorf("%w: commitment %d is due %s", domain.ErrNotExpired, id, c.Deadline.Format(time.RFC3339))
		}
		return nil
	})
}

// resolve requires e.mu held. check, when set, runs after the status check
// and before any state is touched.
func (e *Engine) resolve(ctx context.Context, caller domain.Principal, id uint64, verified bool, reason string, check func(domain.Commitment) error) (domain.Commitment, error) {
	if err := e.access.authorize(caller); err != nil {
		return domain.Commitment{}, err
	}
	c, err := e.store.get(id)
	if err != nil {
		return domain.Commitment{}, err
	}
	if c.Status != domain.StatusActive {
		return domain.Commitment{}, fmt.Errorf("%w: commitment %d is %s", domain.ErrAlreadyResolved, id, c.Status)
	}
	if check != nil {
		if err := check(c); err != nil {
			return domain.Commitment{}, err
		}
	}

	row, err := e.assets.debitCustody(c.Asset, c.StakeAmount)
	if err != nil {
		observability.IntegrityFaults.Inc()
		e.log.Error("custody integrity fault", "id", id, "error", err)
		return domain.Commitment{}, fmt.Errorf("resolve commitment %d: %w", id, err)
	}

	now := e.now()
	updated := c.Clone()
	updated.Verified = verified
	updated.VerificationReason = reason
	updated.ResolvedAt = now
	txType := domain.TxRelease
	updated.Status = domain.StatusCompleted
	if !verified {
		txType = domain.TxPenalty
		updated.Status = domain.StatusFailed
	}
	recipient := updated.Recipient()
	payout := e.payouts.credited(recipient, c.Asset, c.StakeAmount)
	entries := e.transfer(txType, updated, domain.CustodyAccount, domain.AccountFor(recipient), reason, now)

	if err := e.commit(ctx, domain.Change{
		Kind:       domain.ChangeResolution,
		Asset:      &row,
		Commitment: &updated,
		Payout:     &payout,
		Entries:    entries,
	}); err != nil {
		return domain.Commitment{}, err
	}

	observability.Resolutions.WithLabelValues(updated.Status.String()).Inc()
	observability.CustodyBalance.WithLabelValues(c.Asset.Hex()).Set(observability.AmountFloat(row.Custody))
	e.log.Info("commitment resolved",
		"id", id, "status", updated.Status.String(),
		"recipient", recipient.Hex(), "stake", c.StakeAmount.String())
	return updated.Clone(), nil
}

// TransferOwnership hands the resolver role to next. Only the current
// resolver may call it.
func (e *Engine) TransferOwnership(ctx context.Context, caller, next domain.Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.access.checkTransfer(caller, next); err != nil {
		return err
	}
	if next == caller {
		return nil
	}
	if err := e.commit(ctx, domain.Change{Kind: domain.ChangeResolver, Resolver: &next}); err != nil {
		return err
	}
	e.log.Info("resolver transferred", "from", caller.Hex(), "to", next.Hex())
	return nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// Resolver returns the current resolver principal.
func (e *Engine) Resolver() domain.Principal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.access.owner
}

// IsAccepted reports whether asset may be staked.
func (e *Engine) IsAccepted(asset domain.AssetID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.assets.isAccepted(asset)
}

// CustodyBalance returns the amount of asset held in custody.
func (e *Engine) CustodyBalance(asset domain.AssetID) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.assets.custody(asset)
}

// Assets lists every known asset row.
func (e *Engine) Assets() []domain.AssetState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.assets.list()
}

// Get returns a snapshot of commitment id.
func (e *Engine) Get(id uint64) (domain.Commitment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.store.get(id)
	if err != nil {
		return domain.Commitment{}, err
	}
	return c.Clone(), nil
}

// ListByOwner returns owner's commitment IDs in creation order.
func (e *Engine) ListByOwner(owner domain.Principal) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.listByOwner(owner)
}

// Count returns the number of commitments ever created.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.count()
}

// Active returns snapshots of all unresolved commitments.
func (e *Engine) Active() []domain.Commitment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.Commitment
	for _, c := range e.store.records {
		if c.Status == domain.StatusActive {
			out = append(out, c.Clone())
		}
	}
	return out
}

// BalanceOf returns what principal has been paid out in asset.
func (e *Engine) BalanceOf(p domain.Principal, asset domain.AssetID) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.payouts.balanceOf(p, asset)
}

// Entries returns the ledger entries recorded for commitment id.
func (e *Engine) Entries(id uint64) ([]domain.LedgerEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.store.get(id); err != nil {
		return nil, err
	}
	src := e.entries[id]
	out := make([]domain.LedgerEntry, len(src))
	for i, en := range src {
		out[i] = en.Clone()
	}
	return out, nil
}

// CheckConservation verifies custody equals the active stake per asset.
func (e *Engine) CheckConservation() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkConservation()
}

// ─── Internals ──────────────────────────────────────────────────────────────

// commit journals ch and then applies it. Called with e.mu held.
func (e *Engine) commit(ctx context.Context, ch domain.Change) error {
	if e.journal != nil {
		if err := e.journal.Apply(ctx, ch); err != nil {
			observability.JournalErrors.WithLabelValues(string(ch.Kind)).Inc()
			e.log.Error("journal write failed, change discarded", "kind", ch.Kind, "error", err)
			return fmt.Errorf("journal %s: %w", ch.Kind, err)
		}
	}
	e.apply(ch)
	return nil
}

func (e *Engine) apply(ch domain.Change) {
	if ch.Resolver != nil {
		e.access.owner = *ch.Resolver
	}
	if ch.Asset != nil {
		e.assets.put(*ch.Asset)
	}
	if ch.Commitment != nil {
		e.store.put(*ch.Commitment)
	}
	if ch.Payout != nil {
		e.payouts.put(*ch.Payout)
	}
	for _, en := range ch.Entries {
		e.entries[en.CommitmentID] = append(e.entries[en.CommitmentID], en.Clone())
		if en.Seq >= e.nextSeq {
			e.nextSeq = en.Seq + 1
		}
	}
}

// transfer builds the balanced debit/credit pair moving c's stake.
func (e *Engine) transfer(tx domain.TransactionType, c domain.Commitment, from, to, desc string, at time.Time) []domain.LedgerEntry {
	txID := uuid.NewString()
	mk := func(seq int64, side domain.EntryType, account string) domain.LedgerEntry {
		return domain.LedgerEntry{
			Seq:          seq,
			TxID:         txID,
			Timestamp:    at,
			Type:         tx,
			EntryType:    side,
			Account:      account,
			Asset:        c.Asset,
			Amount:       domain.CloneAmount(c.StakeAmount),
			CommitmentID: c.ID,
			Description:  desc,
		}
	}
	return []domain.LedgerEntry{
		mk(e.nextSeq, domain.EntryDebit, from),
		mk(e.nextSeq+1, domain.EntryCredit, to),
	}
}

// restore loads a snapshot into an empty engine and re-checks the invariants.
func (e *Engine) restore(snap domain.Snapshot) error {
	e.access.owner = snap.Resolver
	for _, row := range snap.Assets {
		e.assets.put(row)
	}
	for i, c := range snap.Commitments {
		if c.ID != uint64(i) {
			return fmt.Errorf("%w: commitment at position %d has id %d", domain.ErrIntegrity, i, c.ID)
		}
		e.store.put(c)
	}
	for _, p := range snap.Payouts {
		e.payouts.put(p)
	}
	e.apply(domain.Change{Entries: snap.Entries})
	return e.checkConservation()
}

func (e *Engine) checkConservation() error {
	active := make(map[domain.AssetID]*big.Int)
	for _, c := range e.store.records {
		if c.Status != domain.StatusActive {
			continue
		}
		sum, ok := active[c.Asset]
		if !ok {
			sum = new(big.Int)
			active[c.Asset] = sum
		}
		sum.Add(sum, c.StakeAmount)
	}
	for _, row := range e.assets.list() {
		want := active[row.Asset]
		if want == nil {
			want = new(big.Int)
		}
		if have := e.assets.custody(row.Asset); have.Cmp(want) != 0 {
			return fmt.Errorf("%w: asset %s custody %s, active stake %s",
				domain.ErrIntegrity, row.Asset.Hex(), have, want)
		}
		delete(active, row.Asset)
	}
	for asset, sum := range active {
		return fmt.Errorf("%w: asset %s has active stake %s but no ledger row",
			domain.ErrIntegrity, asset.Hex(), sum)
	}
	return nil
}
