package store

// ensureSchema creates the lifecycle tables and indexes. Every statement is
// idempotent, so it runs unconditionally on each Open.
func (s *Store) ensureSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS message_turns (
		id                TEXT PRIMARY KEY,
		channel           TEXT NOT NULL DEFAULT '',
		account_id        TEXT NOT NULL DEFAULT '',
		external_id       TEXT,
		dedupe_key        TEXT,
		session_key       TEXT NOT NULL DEFAULT '',
		payload           TEXT NOT NULL DEFAULT '{}',
		route_channel     TEXT,
		route_to          TEXT,
		route_account_id  TEXT,
		route_thread_id   TEXT,
		route_reply_to_id TEXT,
		status            TEXT NOT NULL,
		accepted_at       INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL,
		completed_at      INTEGER,
		attempt_count     INTEGER NOT NULL DEFAULT 0,
		next_attempt_at   INTEGER NOT NULL DEFAULT 0,
		terminal_reason   TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS message_turns_dedupe_key
		ON message_turns(dedupe_key) WHERE dedupe_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS message_turns_resume
		ON message_turns(status, next_attempt_at, updated_at)`,

	`CREATE TABLE IF NOT EXISTS message_outbox (
		id              TEXT PRIMARY KEY,
		turn_id         TEXT,
		channel         TEXT NOT NULL,
		account_id      TEXT,
		target          TEXT NOT NULL DEFAULT '',
		payload         TEXT NOT NULL,
		idempotency_key TEXT,
		queued_at       INTEGER NOT NULL,
		status          TEXT NOT NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		last_error      TEXT,
		error_class     TEXT,
		terminal_reason TEXT,
		delivered_at    INTEGER,
		completed_at    INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS message_outbox_idempotency_key
		ON message_outbox(idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS message_outbox_pending
		ON message_outbox(status, next_attempt_at, queued_at)`,
	`CREATE INDEX IF NOT EXISTS message_outbox_turn
		ON message_outbox(turn_id)`,
}
