package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────
// Each function returns one migration group. Each string is a single SQL
// statement (SQLite executes one at a time). Every timestamp column holds the
// store-native format "YYYY-MM-DD HH:MM:SS" (UTC) and nothing else.

// LedgerMigrations returns the credit ledger schema.
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id          TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			kyc_level   TEXT NOT NULL DEFAULT 'none',
			version     INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at  TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(entity_type, entity_id)
		)`,

		// Lots: the three counters only move available → reserved → consumed
		// (or reserved → available on release). The conservation sum is
		// deliberately not a CHECK: reconciliation must be able to see it.
		`CREATE TABLE IF NOT EXISTS credit_lots (
			id              TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL REFERENCES accounts(id),
			pool_id         TEXT,
			source_type     TEXT NOT NULL,
			source_id       TEXT,
			original_micro  INTEGER NOT NULL CHECK(original_micro > 0),
			available_micro INTEGER NOT NULL CHECK(available_micro >= 0),
			reserved_micro  INTEGER NOT NULL DEFAULT 0 CHECK(reserved_micro >= 0),
			consumed_micro  INTEGER NOT NULL DEFAULT 0 CHECK(consumed_micro >= 0),
			idempotency_key TEXT UNIQUE,
			description     TEXT,
			expires_at      TEXT,
			created_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_account ON credit_lots(account_id, pool_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_expiry ON credit_lots(expires_at)`,

		`CREATE TABLE IF NOT EXISTS credit_reservations (
			id                   TEXT PRIMARY KEY,
			account_id           TEXT NOT NULL REFERENCES accounts(id),
			pool_id              TEXT,
			total_reserved_micro INTEGER NOT NULL CHECK(total_reserved_micro > 0),
			actual_cost_micro    INTEGER NOT NULL DEFAULT 0,
			billing_mode         TEXT NOT NULL DEFAULT 'live',
			status               TEXT NOT NULL DEFAULT 'open',
			description          TEXT,
			created_at           TEXT NOT NULL DEFAULT (datetime('now')),
			finalized_at         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_account ON credit_reservations(account_id, status, finalized_at)`,

		// Allocation of a reservation across lots, in allocation order.
		`CREATE TABLE IF NOT EXISTS reservation_lots (
			reservation_id TEXT NOT NULL REFERENCES credit_reservations(id),
			lot_id         TEXT NOT NULL REFERENCES credit_lots(id),
			seq            INTEGER NOT NULL,
			amount_micro   INTEGER NOT NULL CHECK(amount_micro > 0),
			PRIMARY KEY (reservation_id, lot_id)
		)`,

		`CREATE TABLE IF NOT EXISTS credit_ledger_entries (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL REFERENCES accounts(id),
			pool_id        TEXT,
			reservation_id TEXT,
			entry_seq      INTEGER NOT NULL DEFAULT 0,
			entry_type     TEXT NOT NULL,
			amount_micro   INTEGER NOT NULL,
			description    TEXT,
			created_at     TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(reservation_id, entry_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account ON credit_ledger_entries(account_id, entry_type, created_at)`,
		`CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
			BEFORE UPDATE ON credit_ledger_entries
			BEGIN SELECT RAISE(ABORT, 'credit_ledger_entries is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
			BEFORE DELETE ON credit_ledger_entries
			BEGIN SELECT RAISE(ABORT, 'credit_ledger_entries is append-only'); END`,

		`CREATE TABLE IF NOT EXISTS credit_receivables (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL REFERENCES accounts(id),
			source_id      TEXT,
			original_micro INTEGER NOT NULL CHECK(original_micro > 0),
			balance_micro  INTEGER NOT NULL,
			created_at     TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receivables_account ON credit_receivables(account_id)`,

		// Revenue distribution config: the newest row is the active one.
		`CREATE TABLE IF NOT EXISTS revenue_share_config (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			commons_rate_bps      INTEGER NOT NULL,
			community_rate_bps    INTEGER NOT NULL,
			foundation_rate_bps   INTEGER NOT NULL,
			commons_account_id    TEXT NOT NULL,
			community_account_id  TEXT NOT NULL,
			foundation_account_id TEXT NOT NULL,
			created_at            TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Idempotency markers for config mutations.
		`CREATE TABLE IF NOT EXISTS config_mutations (
			idempotency_key TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			applied_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// PayoutMigrations returns the payout escrow schema.
func PayoutMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS treasury_state (
			id         INTEGER PRIMARY KEY CHECK(id = 1),
			version    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`INSERT OR IGNORE INTO treasury_state (id, version) VALUES (1, 0)`,

		`CREATE TABLE IF NOT EXISTS payout_requests (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL REFERENCES accounts(id),
			amount_micro   INTEGER NOT NULL CHECK(amount_micro > 0),
			fee_micro      INTEGER NOT NULL DEFAULT 0 CHECK(fee_micro >= 0),
			payout_address TEXT NOT NULL,
			currency       TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			tx_hash        TEXT,
			failure_reason TEXT,
			requested_at   TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_account ON payout_requests(account_id, requested_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payout_requests(account_id, status)`,
	}
}

// BudgetMigrations returns the agent wallet and daily spend schema.
func BudgetMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS daily_agent_spending (
			account_id  TEXT NOT NULL,
			spend_date  TEXT NOT NULL,
			spent_micro INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (account_id, spend_date)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_spending_limits (
			account_id              TEXT PRIMARY KEY REFERENCES accounts(id),
			daily_cap_micro         INTEGER NOT NULL,
			current_spend_micro     INTEGER NOT NULL DEFAULT 0,
			window_start            TEXT NOT NULL,
			window_duration_seconds INTEGER NOT NULL DEFAULT 86400,
			active                  INTEGER NOT NULL DEFAULT 1,
			updated_at              TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS agent_identity_anchors (
			anchor     TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			token_id   TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS agent_wallets (
			account_id             TEXT PRIMARY KEY REFERENCES accounts(id),
			token_id               TEXT NOT NULL UNIQUE,
			community_id           TEXT NOT NULL DEFAULT '',
			identity_anchor        TEXT,
			address                TEXT NOT NULL,
			daily_cap_micro        INTEGER NOT NULL,
			refill_threshold_micro INTEGER NOT NULL DEFAULT 0,
			created_at             TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// ReconcileMigrations returns the reconciliation audit schema.
func ReconcileMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS reconciliation_runs (
			id               TEXT PRIMARY KEY,
			started_at       TEXT NOT NULL,
			finished_at      TEXT NOT NULL,
			status           TEXT NOT NULL,
			checks_json      TEXT NOT NULL DEFAULT '[]',
			divergences_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recon_started ON reconciliation_runs(started_at)`,
	}
}
