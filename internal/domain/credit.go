package domain

import (
	"math/big"
	"time"
)

// ─── Custody Ledger Types ───────────────────────────────────────────────────
// Every movement of staked funds is recorded as a balanced pair of entries.
// Bonding moves the stake from the owner into custody; resolution moves it
// out of custody to the owner (release) or the beneficiary (penalty).

// EntryType represents the accounting side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// TransactionType represents the business reason for a custody movement.
type TransactionType string

const (
	TxBond    TransactionType = "BOND"
	TxRelease TransactionType = "RELEASE"
	TxPenalty TransactionType = "PENALTY"
)

// CustodyAccount is the ledger account name for funds held by the engine.
const CustodyAccount = "custody"

// LedgerEntry is a single row in the double-entry custody ledger.
type LedgerEntry struct {
	Seq          int64           `json:"seq"`
	TxID         string          `json:"tx_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         TransactionType `json:"type"`
	EntryType    EntryType       `json:"entry_type"`
	Account      string          `json:"account"`
	Asset        AssetID         `json:"asset"`
	Amount       *big.Int        `json:"amount"`
	CommitmentID uint64          `json:"commitment_id"`
	Description  string          `json:"description,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e LedgerEntry) Clone() LedgerEntry {
	out := e
	out.Amount = CloneAmount(e.Amount)
	return out
}

// AccountFor returns the ledger account name of a principal.
func AccountFor(p Principal) string { return p.Hex() }
