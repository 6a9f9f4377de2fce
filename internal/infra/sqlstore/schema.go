package sqlstore

// ─── Schema ─────────────────────────────────────────────────────────────────
// Amounts are decimal TEXT so arbitrary-precision stakes round-trip exactly.
// Times are BIGINT Unix nanoseconds, zero meaning unset. The DDL is the
// common subset of SQLite and PostgreSQL.

// Migrations returns the schema statements, one per string.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS governance (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS assets (
			asset     TEXT PRIMARY KEY,
			supported INTEGER NOT NULL DEFAULT 0,
			custody   TEXT NOT NULL DEFAULT '0'
		)`,

		`CREATE TABLE IF NOT EXISTS commitments (
			id          BIGINT PRIMARY KEY,
			owner       TEXT NOT NULL,
			description TEXT NOT NULL,
			deadline    BIGINT NOT NULL,
			beneficiary TEXT NOT NULL,
			asset       TEXT NOT NULL,
			stake       TEXT NOT NULL,
			proof       TEXT NOT NULL DEFAULT '',
			status      INTEGER NOT NULL DEFAULT 0,
			verified    INTEGER NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL DEFAULT '',
			created_at  BIGINT NOT NULL,
			resolved_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commitments_owner ON commitments(owner, id)`,
		`CREATE INDEX IF NOT EXISTS idx_commitments_status ON commitments(status, deadline)`,

		`CREATE TABLE IF NOT EXISTS payouts (
			principal TEXT NOT NULL,
			asset     TEXT NOT NULL,
			balance   TEXT NOT NULL,
			PRIMARY KEY (principal, asset)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq           BIGINT PRIMARY KEY,
			tx_id         TEXT NOT NULL,
			ts            BIGINT NOT NULL,
			tx_type       TEXT NOT NULL,
			entry_type    TEXT NOT NULL,
			account       TEXT NOT NULL,
			asset         TEXT NOT NULL,
			amount        TEXT NOT NULL,
			commitment_id BIGINT NOT NULL,
			description   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_commitment ON ledger_entries(commitment_id, seq)`,
	}
}
