package store

import (
	"context"
	"fmt"
	"strings"
)

const createAPIKeys = `CREATE TABLE IF NOT EXISTS api_keys (
	id VARCHAR(36) PRIMARY KEY,
	owner_id VARCHAR(128) NOT NULL,
	name VARCHAR(480) NOT NULL DEFAULT '',
	key_prefix VARCHAR(32) NOT NULL,
	hashed_secret VARCHAR(128) NOT NULL,
	salt VARCHAR(64) NOT NULL,
	algorithm VARCHAR(16) NOT NULL,
	memory_cost INTEGER NOT NULL,
	time_cost INTEGER NOT NULL,
	parallelism INTEGER NOT NULL,
	key_length INTEGER NOT NULL,
	scopes_json TEXT NOT NULL,
	key_material_enc TEXT NOT NULL,
	created_at %[1]s NOT NULL,
	last_used_at %[1]s NULL,
	revoked_at %[1]s NULL
)`

func (s *SQLStore) migrate(ctx context.Context) error {
	migrations := []string{
		fmt.Sprintf(createAPIKeys, s.dialect.timestampType()),

		`CREATE INDEX idx_api_keys_owner_created ON api_keys(owner_id, created_at)`,
		`CREATE INDEX idx_api_keys_prefix ON api_keys(key_prefix)`,

		`ALTER TABLE api_keys ADD COLUMN key_lookup VARCHAR(16) NOT NULL DEFAULT ''`,
		`CREATE INDEX idx_api_keys_lookup ON api_keys(key_lookup)`,
		`ALTER TABLE api_keys ADD COLUMN is_default BOOLEAN NOT NULL DEFAULT FALSE`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			// Re-running against an existing schema is a no-op. Not every
			// dialect supports CREATE INDEX IF NOT EXISTS, so match on the
			// error text instead.
			if alreadyApplied(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate key name") ||
		strings.Contains(msg, "duplicate column")
}
