// Package store persists API key records. All reads that return more than
// one record are scoped by owner, and revocation checks ownership inside the
// same transaction that writes the tombstone.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ezkeys/ezkeys/internal/model"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
	dialectMySQL    dialect = "mysql"
)

func (d dialect) driverName() string {
	if d == dialectPostgres {
		return "pgx"
	}
	return string(d)
}

func (d dialect) timestampType() string {
	switch d {
	case dialectPostgres:
		return "TIMESTAMPTZ"
	case dialectMySQL:
		return "DATETIME(6)"
	default:
		return "DATETIME"
	}
}

// lockClause is appended to the read half of a read-modify-write so that
// concurrent revocations of the same row serialize. SQLite serializes
// writers on its own.
func (d dialect) lockClause() string {
	if d == dialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// SQLStore is a Store backed by SQLite, PostgreSQL or MySQL.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

// Options selects and configures the backing database.
type Options struct {
	// Driver is one of "sqlite", "postgres" or "mysql".
	Driver string
	// DSN is the driver connection string. For sqlite an empty DSN opens an
	// in-memory database. MySQL DSNs must set parseTime=true.
	DSN string
	// DataDir holds the sqlite file when DSN is empty and DataDir is set.
	DataDir string

	MaxOpenConns int
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	d := dialect(opts.Driver)
	if d == "" {
		d = dialectSQLite
	}

	dsn := opts.DSN
	switch d {
	case dialectSQLite:
		if dsn == "" {
			if opts.DataDir == "" {
				dsn = ":memory:?_journal_mode=WAL"
			} else {
				if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
					return nil, fmt.Errorf("create data dir: %w", err)
				}
				dsn = filepath.Join(opts.DataDir, "ezkeys.db") + "?_journal_mode=WAL&_busy_timeout=5000"
			}
		}
	case dialectPostgres, dialectMySQL:
		if dsn == "" {
			return nil, fmt.Errorf("%s store requires a dsn", d)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q (available: sqlite, postgres, mysql)", opts.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open key database: %w", err)
	}

	if d == dialectSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the configured dialect name.
func (s *SQLStore) Driver() string {
	return string(s.dialect)
}

// apiKeyRow is a flat struct that maps 1:1 to the api_keys table columns.
type apiKeyRow struct {
	ID             string     `db:"id"`
	OwnerID        string     `db:"owner_id"`
	Name           string     `db:"name"`
	KeyPrefix      string     `db:"key_prefix"`
	KeyLookup      string     `db:"key_lookup"`
	HashedSecret   string     `db:"hashed_secret"`
	Salt           string     `db:"salt"`
	Algorithm      string     `db:"algorithm"`
	MemoryCost     int64      `db:"memory_cost"`
	TimeCost       int64      `db:"time_cost"`
	Parallelism    int64      `db:"parallelism"`
	KeyLength      int64      `db:"key_length"`
	ScopesJSON     string     `db:"scopes_json"`
	KeyMaterialEnc string     `db:"key_material_enc"`
	IsDefault      bool       `db:"is_default"`
	CreatedAt      time.Time  `db:"created_at"`
	LastUsedAt     *time.Time `db:"last_used_at"`
	RevokedAt      *time.Time `db:"revoked_at"`
}

const apiKeyColumns = `id, owner_id, name, key_prefix, key_lookup, hashed_secret, salt, algorithm,
	memory_cost, time_cost, parallelism, key_length, scopes_json, key_material_enc, is_default,
	created_at, last_used_at, revoked_at`

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	scopes := k.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	return apiKeyRow{
		ID:             k.ID,
		OwnerID:        k.OwnerID,
		Name:           k.Name,
		KeyPrefix:      k.KeyPrefix,
		KeyLookup:      k.KeyLookup,
		HashedSecret:   k.HashedSecret,
		Salt:           k.Salt,
		Algorithm:      k.Algorithm,
		MemoryCost:     int64(k.Params.Memory),
		TimeCost:       int64(k.Params.Time),
		Parallelism:    int64(k.Params.Parallelism),
		KeyLength:      int64(k.Params.KeyLength),
		ScopesJSON:     string(scopesJSON),
		KeyMaterialEnc: k.KeyMaterialEnc,
		IsDefault:      k.IsDefault,
		CreatedAt:      k.CreatedAt,
		LastUsedAt:     k.LastUsedAt,
		RevokedAt:      k.RevokedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var scopes []string
	if r.ScopesJSON != "" && r.ScopesJSON != "[]" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &scopes); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	return model.APIKey{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Name:         r.Name,
		KeyPrefix:    r.KeyPrefix,
		KeyLookup:    r.KeyLookup,
		HashedSecret: r.HashedSecret,
		Salt:         r.Salt,
		Algorithm:    r.Algorithm,
		Params: model.HashParams{
			Memory:      uint32(r.MemoryCost),
			Time:        uint32(r.TimeCost),
			Parallelism: uint8(r.Parallelism),
			KeyLength:   uint32(r.KeyLength),
		},
		Scopes:         scopes,
		KeyMaterialEnc: r.KeyMaterialEnc,
		IsDefault:      r.IsDefault,
		CreatedAt:      r.CreatedAt.UTC(),
		LastUsedAt:     utcPtr(r.LastUsedAt),
		RevokedAt:      utcPtr(r.RevokedAt),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateAPIKey inserts a new key record. The ID and CreatedAt fields on key
// are assigned here and overwrite anything the caller set.
func (s *SQLStore) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate api key id: %w", err)
	}
	key.ID = id.String()
	key.CreatedAt = s.now()
	key.LastUsedAt = nil
	key.RevokedAt = nil
	key.IsDefault = false

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, owner_id, name, key_prefix, key_lookup, hashed_secret, salt, algorithm,
		 memory_cost, time_cost, parallelism, key_length, scopes_json, key_material_enc, is_default,
		 created_at, last_used_at, revoked_at)
		VALUES
		(:id, :owner_id, :name, :key_prefix, :key_lookup, :hashed_secret, :salt, :algorithm,
		 :memory_cost, :time_cost, :parallelism, :key_length, :scopes_json, :key_material_enc, :is_default,
		 :created_at, :last_used_at, :revoked_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key by ID.
func (s *SQLStore) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, s.db, id, false)
}

func (s *SQLStore) getAPIKey(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (*model.APIKey, error) {
	query := "SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?"
	if lock {
		query += s.dialect.lockClause()
	}

	var row apiKeyRow
	if err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeysByOwner returns up to limit keys owned by ownerID, newest
// first. limit is clamped to [1, model.MaxListResults].
func (s *SQLStore) ListAPIKeysByOwner(ctx context.Context, ownerID string, limit int) ([]model.APIKey, error) {
	limit = clampInt(limit, 1, model.MaxListResults)

	query := s.db.Rebind("SELECT " + apiKeyColumns +
		" FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ?")

	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, query, ownerID, limit); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return rowsToModels(rows)
}

// ListAPIKeysByLookup returns every key, active or not, stored under the
// lookup segment lookup. It backs plaintext verification, where the lookup
// narrows the candidates that need an Argon2id comparison to, in practice,
// one. An empty lookup matches nothing.
func (s *SQLStore) ListAPIKeysByLookup(ctx context.Context, lookup string) ([]model.APIKey, error) {
	if lookup == "" {
		return nil, nil
	}
	query := s.db.Rebind("SELECT " + apiKeyColumns +
		" FROM api_keys WHERE key_lookup = ? ORDER BY created_at DESC")

	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, query, lookup); err != nil {
		return nil, fmt.Errorf("list api keys by lookup: %w", err)
	}
	return rowsToModels(rows)
}

// RevokeAPIKey tombstones the key identified by id on behalf of ownerID.
// The ownership check and the write happen in one transaction: ErrNotFound
// if no such key exists, ErrForbidden if it belongs to someone else.
// Revoking an already revoked key succeeds and keeps the original
// revocation time.
func (s *SQLStore) RevokeAPIKey(ctx context.Context, id, ownerID string) (*model.APIKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	key, err := s.getAPIKey(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if key.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	if key.RevokedAt == nil {
		now := s.now()
		result, err := tx.ExecContext(ctx, tx.Rebind(
			"UPDATE api_keys SET revoked_at = ?, is_default = ? WHERE id = ? AND owner_id = ? AND revoked_at IS NULL"),
			now, false, id, ownerID)
		if err != nil {
			return nil, fmt.Errorf("revoke api key: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("revoke api key rows affected: %w", err)
		}
		if n == 1 {
			key.RevokedAt = &now
			key.IsDefault = false
		} else {
			// Lost a race with another revocation; report its timestamp.
			if key, err = s.getAPIKey(ctx, tx, id, false); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit revoke: %w", err)
	}
	return key, nil
}

// SetDefaultAPIKey marks the key identified by id as ownerID's default and
// clears the flag on every other key ownerID holds, in one transaction.
// ErrNotFound if no such key exists, ErrForbidden if it belongs to someone
// else, ErrRevoked if it has been revoked.
func (s *SQLStore) SetDefaultAPIKey(ctx context.Context, id, ownerID string) (*model.APIKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	key, err := s.getAPIKey(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if key.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if !key.IsActive() {
		return nil, ErrRevoked
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"UPDATE api_keys SET is_default = ? WHERE owner_id = ? AND id <> ? AND is_default = ?"),
		false, ownerID, id, true); err != nil {
		return nil, fmt.Errorf("clear default api key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"UPDATE api_keys SET is_default = ? WHERE id = ? AND owner_id = ?"),
		true, id, ownerID); err != nil {
		return nil, fmt.Errorf("set default api key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit set default: %w", err)
	}
	key.IsDefault = true
	return key, nil
}

// TouchLastUsed records that a key was presented at the given time.
func (s *SQLStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_keys SET last_used_at = ? WHERE id = ?"), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func rowsToModels(rows []apiKeyRow) ([]model.APIKey, error) {
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
