package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/covenant-labs/covenant/internal/domain"
)

const resolverKey = "resolver"

// Journal implements domain.Journal. Each Change is written in a single
// transaction, so it is either fully durable or not at all.
type Journal struct {
	db *DB
}

// NewJournal returns a journal over db.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db}
}

// Apply writes every row in ch inside one transaction.
func (j *Journal) Apply(ctx context.Context, ch domain.Change) (err error) {
	tx, err := j.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if ch.Resolver != nil {
		if err = j.exec(ctx, tx, `
			INSERT INTO governance (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, resolverKey, ch.Resolver.Hex()); err != nil {
			return fmt.Errorf("write resolver: %w", err)
		}
	}
	if a := ch.Asset; a != nil {
		if err = j.exec(ctx, tx, `
			INSERT INTO assets (asset, supported, custody) VALUES (?, ?, ?)
			ON CONFLICT(asset) DO UPDATE SET
				supported = excluded.supported,
				custody   = excluded.custody
		`, a.Asset.Hex(), boolInt(a.Supported), amountText(a.Custody)); err != nil {
			return fmt.Errorf("write asset: %w", err)
		}
	}
	if c := ch.Commitment; c != nil {
		if err = j.exec(ctx, tx, `
			INSERT INTO commitments (id, owner, description, deadline, beneficiary, asset, stake,
				proof, status, verified, reason, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				proof       = excluded.proof,
				status      = excluded.status,
				verified    = excluded.verified,
				reason      = excluded.reason,
				resolved_at = excluded.resolved_at
		`, int64(c.ID), c.Owner.Hex(), c.Description, unixNano(c.Deadline), c.Beneficiary.Hex(),
			c.Asset.Hex(), amountText(c.StakeAmount), c.ProofReference, int(c.Status),
			boolInt(c.Verified), c.VerificationReason, unixNano(c.CreatedAt), unixNano(c.ResolvedAt)); err != nil {
			return fmt.Errorf("write commitment %d: %w", c.ID, err)
		}
	}
	if p := ch.Payout; p != nil {
		if err = j.exec(ctx, tx, `
			INSERT INTO payouts (principal, asset, balance) VALUES (?, ?, ?)
			ON CONFLICT(principal, asset) DO UPDATE SET balance = excluded.balance
		`, p.Principal.Hex(), p.Asset.Hex(), amountText(p.Balance)); err != nil {
			return fmt.Errorf("write payout: %w", err)
		}
	}
	for _, e := range ch.Entries {
		if err = j.exec(ctx, tx, `
			INSERT INTO ledger_entries (seq, tx_id, ts, tx_type, entry_type, account, asset,
				amount, commitment_id, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Seq, e.TxID, unixNano(e.Timestamp), string(e.Type), string(e.EntryType), e.Account,
			e.Asset.Hex(), amountText(e.Amount), int64(e.CommitmentID), e.Description); err != nil {
			return fmt.Errorf("write ledger entry %d: %w", e.Seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (j *Journal) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, j.db.rebind(query), args...)
	return err
}

// Load reads the full persisted state. An empty database yields a Snapshot
// with a zero Resolver.
func (j *Journal) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	var resolver string
	err := j.db.db.QueryRowContext(ctx, j.db.rebind(`SELECT value FROM governance WHERE key = ?`), resolverKey).Scan(&resolver)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return snap, fmt.Errorf("load resolver: %w", err)
	default:
		snap.Resolver = common.HexToAddress(resolver)
	}

	if snap.Assets, err = j.loadAssets(ctx); err != nil {
		return snap, err
	}
	if snap.Commitments, err = j.loadCommitments(ctx); err != nil {
		return snap, err
	}
	if snap.Payouts, err = j.loadPayouts(ctx); err != nil {
		return snap, err
	}
	if snap.Entries, err = j.loadEntries(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

func (j *Journal) loadAssets(ctx context.Context) ([]domain.AssetState, error) {
	rows, err := j.db.db.QueryContext(ctx, `SELECT asset, supported, custody FROM assets ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var out []domain.AssetState
	for rows.Next() {
		var (
			asset, custody string
			supported      int
		)
		if err := rows.Scan(&asset, &supported, &custody); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		amt, err := parseAmount(custody)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset, err)
		}
		out = append(out, domain.AssetState{
			Asset:     common.HexToAddress(asset),
			Supported: supported != 0,
			Custody:   amt,
		})
	}
	return out, rows.Err()
}

func (j *Journal) loadCommitments(ctx context.Context) ([]domain.Commitment, error) {
	rows, err := j.db.db.QueryContext(ctx, `
		SELECT id, owner, description, deadline, beneficiary, asset, stake,
			proof, status, verified, reason, created_at, resolved_at
		FROM commitments ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load commitments: %w", err)
	}
	defer rows.Close()

	var out []domain.Commitment
	for rows.Next() {
		var (
			id, deadline, createdAt, resolvedAt int64
			owner, beneficiary, asset, stake    string
			c                                   domain.Commitment
			status, verified                    int
		)
		if err := rows.Scan(&id, &owner, &c.Description, &deadline, &beneficiary, &asset, &stake,
			&c.ProofReference, &status, &verified, &c.VerificationReason, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		amt, err := parseAmount(stake)
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", id, err)
		}
		c.ID = uint64(id)
		c.Owner = common.HexToAddress(owner)
		c.Beneficiary = common.HexToAddress(beneficiary)
		c.Asset = common.HexToAddress(asset)
		c.StakeAmount = amt
		c.Status = domain.Status(status)
		c.Verified = verified != 0
		c.Deadline = fromUnixNano(deadline)
		c.CreatedAt = fromUnixNano(createdAt)
		c.ResolvedAt = fromUnixNano(resolvedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (j *Journal) loadPayouts(ctx context.Context) ([]domain.PayoutState, error) {
	rows, err := j.db.db.QueryContext(ctx, `SELECT principal, asset, balance FROM payouts ORDER BY principal, asset`)
	if err != nil {
		return nil, fmt.Errorf("load payouts: %w", err)
	}
	defer rows.Close()

	var out []domain.PayoutState
	for rows.Next() {
		var principal, asset, balance string
		if err := rows.Scan(&principal, &asset, &balance); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		amt, err := parseAmount(balance)
		if err != nil {
			return nil, fmt.Errorf("payout %s: %w", principal, err)
		}
		out = append(out, domain.PayoutState{
			Principal: common.HexToAddress(principal),
			Asset:     common.HexToAddress(asset),
			Balance:   amt,
		})
	}
	return out, rows.Err()
}

func (j *Journal) loadEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := j.db.db.QueryContext(ctx, `
		SELECT seq, tx_id, ts, tx_type, entry_type, account, asset, amount, commitment_id, description
		FROM ledger_entries ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e                        domain.LedgerEntry
			ts, commitmentID         int64
			txType, entryType, asset string
			amount                   string
		)
		if err := rows.Scan(&e.Seq, &e.TxID, &ts, &txType, &entryType, &e.Account, &asset,
			&amount, &commitmentID, &e.Description); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		amt, err := parseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", e.Seq, err)
		}
		e.Timestamp = fromUnixNano(ts)
		e.Type = domain.TransactionType(txType)
		e.EntryType = domain.EntryType(entryType)
		e.Asset = common.HexToAddress(asset)
		e.Amount = amt
		e.CommitmentID = uint64(commitmentID)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Encoding Helpers ───────────────────────────────────────────────────────

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: stored amount %q is not an integer", domain.ErrIntegrity, s)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
