package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by a Store for an unknown credential
var ErrNotFound = errors.New("credential not found")

// Record represents what the store knows about a credential
type Record struct {
	Tier       string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	Owner      string
}

// Expired reports whether the record has an expiry time before now
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Store resolves credentials to records
type Store interface {
	Lookup(ctx context.Context, key string) (Record, error)
	Touch(ctx context.Context, key string, at time.Time) error
}

const schema = `CREATE TABLE IF NOT EXISTS swim_api_keys (
	api_key      TEXT PRIMARY KEY,
	tier         TEXT NOT NULL DEFAULT 'public',
	is_active    INTEGER NOT NULL DEFAULT 1,
	expires_at   INTEGER NULL,
	last_used_at INTEGER NULL,
	owner_name   TEXT NOT NULL DEFAULT ''
)`

// SQLStore reads credentials from a swim_api_keys table.
// Times are stored as unix seconds.
type SQLStore struct {
	db *sql.DB
}

// Open connects to a database; driver is typically "sqlite"
func Open(driver, dsn string) (*SQLStore, error) {

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	log.WithField("driver", driver).Debug("credential store opened")

	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing database handle
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the credential table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Lookup returns the record for key, or ErrNotFound
func (s *SQLStore) Lookup(ctx context.Context, key string) (Record, error) {

	var (
		r        Record
		active   int64
		expires  sql.NullInt64
		lastUsed sql.NullInt64
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT tier, is_active, expires_at, last_used_at, owner_name FROM swim_api_keys WHERE api_key = ?`, key)

	err := row.Scan(&r.Tier, &active, &expires, &lastUsed, &r.Owner)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}

	if err != nil {
		return Record{}, fmt.Errorf("lookup credential: %w", err)
	}

	r.IsActive = active != 0

	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		r.ExpiresAt = &t
	}

	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		r.LastUsedAt = &t
	}

	return r, nil
}

// Touch records when a credential was last used
func (s *SQLStore) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE swim_api_keys SET last_used_at = ? WHERE api_key = ?`, at.Unix(), key)
	return err
}

// Put inserts or replaces a credential
func (s *SQLStore) Put(ctx context.Context, key string, r Record) error {

	var expires sql.NullInt64
	if r.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: r.ExpiresAt.Unix(), Valid: true}
	}

	active := 0
	if r.IsActive {
		active = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO swim_api_keys (api_key, tier, is_active, expires_at, owner_name) VALUES (?, ?, ?, ?, ?)`,
		key, r.Tier, active, expires, r.Owner)

	return err
}
