package sqlstore

import (
	"context"
	"fmt"
)

// Every table stores the codec envelope in body. The other columns are lookup keys and the
// optimistic revision; they are derived from the body on write and never read back into it.
func schema(bodyType string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS card_accounts (
  id             TEXT PRIMARY KEY,
  user_id        TEXT NOT NULL,
  fingerprint    TEXT,
  revision       BIGINT NOT NULL,
  schema_version INTEGER NOT NULL,
  body           %s NOT NULL
)`, bodyType),
		`CREATE INDEX IF NOT EXISTS idx_card_accounts_user ON card_accounts (user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_card_accounts_fingerprint ON card_accounts (fingerprint)`,

		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS card_transactions (
  id              TEXT PRIMARY KEY,
  account_id      TEXT NOT NULL,
  intent_id       TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL UNIQUE,
  schema_version  INTEGER NOT NULL,
  body            %s NOT NULL
)`, bodyType),
		`CREATE INDEX IF NOT EXISTS idx_card_transactions_account ON card_transactions (account_id)`,

		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS payment_intents (
  id              TEXT PRIMARY KEY,
  account_id      TEXT NOT NULL,
  idempotency_key TEXT NOT NULL UNIQUE,
  revision        BIGINT NOT NULL,
  schema_version  INTEGER NOT NULL,
  body            %s NOT NULL
)`, bodyType),
		`CREATE INDEX IF NOT EXISTS idx_payment_intents_account ON payment_intents (account_id)`,

		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS admin_operations (
  id             TEXT PRIMARY KEY,
  admin_id       TEXT NOT NULL,
  account_id     TEXT NOT NULL,
  schema_version INTEGER NOT NULL,
  body           %s NOT NULL
)`, bodyType),
		`CREATE INDEX IF NOT EXISTS idx_admin_operations_admin ON admin_operations (admin_id)`,
		`CREATE INDEX IF NOT EXISTS idx_admin_operations_account ON admin_operations (account_id)`,
	}
}

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.d.bodyType) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore migrate: %w", err)
		}
	}
	return nil
}
