package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// SQLStore keeps keys in two tables of any database/sql database
// (PostgreSQL, MySQL, SQLite):
//
//	CREATE TABLE auth_keys (
//	    dc INTEGER PRIMARY KEY,
//	    auth_key BYTEA NOT NULL
//	);
//	CREATE TABLE temp_auth_keys (
//	    dc INTEGER NOT NULL,
//	    idx INTEGER NOT NULL,
//	    auth_key BYTEA NOT NULL,
//	    expires BIGINT NOT NULL,
//	    PRIMARY KEY (dc, idx)
//	);
//
// expires is a unix timestamp in seconds.
type SQLStore struct {
	db              *sql.DB
	permTable       string
	tempTable       string
	dialect         SQLDialect
	cleanupInterval time.Duration
	ownDB           bool
	closed          atomic.Bool
	done            chan struct{}
}

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses MySQL syntax (? placeholders).
	DialectMySQL
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// ParseDialect maps a config name (postgres, mysql, sqlite) to a dialect.
func ParseDialect(name string) (SQLDialect, error) {
	switch name {
	case "", "postgres", "postgresql":
		return DialectPostgreSQL, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return 0, fmt.Errorf("storage: unknown sql dialect %q", name)
}

// DriverName is the database/sql driver conventionally registered for
// the dialect.
func (d SQLDialect) DriverName() string {
	switch d {
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite3"
	default:
		return "postgres"
	}
}

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tablePrefix     string
	dialect         SQLDialect
	cleanupInterval time.Duration
	ownDB           bool
}

// WithSQLTablePrefix prefixes both table names.
// Default: no prefix.
func WithSQLTablePrefix(prefix string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tablePrefix = prefix
	}
}

// WithSQLDialect sets the SQL dialect for query generation.
// Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = dialect
	}
}

// WithSQLCleanupInterval sets how often expired temporary keys are deleted.
// Default: 5 minutes.
func WithSQLCleanupInterval(d time.Duration) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.cleanupInterval = d
	}
}

// withOwnedDB makes Close close the database handle.
func withOwnedDB() SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.ownDB = true
	}
}

// NewSQLStore creates a new SQL-backed key store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		dialect:         DialectPostgreSQL,
		cleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := &SQLStore{
		db:              db,
		permTable:       cfg.tablePrefix + "auth_keys",
		tempTable:       cfg.tablePrefix + "temp_auth_keys",
		dialect:         cfg.dialect,
		cleanupInterval: cfg.cleanupInterval,
		ownDB:           cfg.ownDB,
		done:            make(chan struct{}),
	}

	go store.cleanupLoop()
	return store
}

// placeholder returns the placeholder syntax for the dialect.
func (s *SQLStore) placeholder(n int) string {
	switch s.dialect {
	case DialectPostgreSQL:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// AuthKey returns the permanent key for dc.
func (s *SQLStore) AuthKey(ctx context.Context, dc int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}

	query := fmt.Sprintf(`SELECT auth_key FROM %s WHERE dc = %s`, s.permTable, s.placeholder(1))

	var key []byte
	err := s.db.QueryRowContext(ctx, query, dc).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// SetAuthKey upserts the permanent key. A nil key deletes the row.
func (s *SQLStore) SetAuthKey(ctx context.Context, dc int, key []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	if key == nil {
		query := fmt.Sprintf(`DELETE FROM %s WHERE dc = %s`, s.permTable, s.placeholder(1))
		_, err := s.db.ExecContext(ctx, query, dc)
		return err
	}

	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (dc, auth_key)
			VALUES ($1, $2)
			ON CONFLICT (dc) DO UPDATE SET
				auth_key = EXCLUDED.auth_key
		`, s.permTable)
	case DialectMySQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (dc, auth_key)
			VALUES (?, ?)
			ON DUPLICATE KEY UPDATE
				auth_key = VALUES(auth_key)
		`, s.permTable)
	case DialectSQLite:
		query = fmt.Sprintf(`
			INSERT OR REPLACE INTO %s (dc, auth_key)
			VALUES (?, ?)
		`, s.permTable)
	}

	_, err := s.db.ExecContext(ctx, query, dc, key)
	return err
}

// TempAuthKey returns the temporary key if it has not expired at now.
func (s *SQLStore) TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}

	query := fmt.Sprintf(`SELECT auth_key FROM %s WHERE dc = %s AND idx = %s AND expires > %s`,
		s.tempTable, s.placeholder(1), s.placeholder(2), s.placeholder(3))

	var key []byte
	err := s.db.QueryRowContext(ctx, query, dc, idx, now.Unix()).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// SetTempAuthKey upserts a temporary key. A nil key deletes the row.
func (s *SQLStore) SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	if key == nil {
		query := fmt.Sprintf(`DELETE FROM %s WHERE dc = %s AND idx = %s`,
			s.tempTable, s.placeholder(1), s.placeholder(2))
		_, err := s.db.ExecContext(ctx, query, dc, idx)
		return err
	}

	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (dc, idx, auth_key, expires)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (dc, idx) DO UPDATE SET
				auth_key = EXCLUDED.auth_key,
				expires = EXCLUDED.expires
		`, s.tempTable)
	case DialectMySQL:
		query = fmt.Sprintf(`
			INSERT INTO %s (dc, idx, auth_key, expires)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				auth_key = VALUES(auth_key),
				expires = VALUES(expires)
		`, s.tempTable)
	case DialectSQLite:
		query = fmt.Sprintf(`
			INSERT OR REPLACE INTO %s (dc, idx, auth_key, expires)
			VALUES (?, ?, ?, ?)
		`, s.tempTable)
	}

	_, err := s.db.ExecContext(ctx, query, dc, idx, key, expiresAt.Unix())
	return err
}

// DeleteByDC removes the permanent and temporary keys of dc in one transaction.
func (s *SQLStore) DeleteByDC(ctx context.Context, dc int) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{s.permTable, s.tempTable} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE dc = %s`, table, s.placeholder(1))
		if _, err := tx.ExecContext(ctx, query, dc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteAll empties both tables.
func (s *SQLStore) DeleteAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{s.permTable, s.tempTable} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close stops the cleanup loop. The database handle is only closed when
// the store opened it itself (see Open).
func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.ownDB {
		return s.db.Close()
	}
	return nil
}

// cleanupLoop periodically removes expired temporary keys.
func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.done:
			return
		}
	}
}

// cleanup removes expired temporary keys from the database.
func (s *SQLStore) cleanup(now time.Time) {
	if s.closed.Load() {
		return
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires <= %s`, s.tempTable, s.placeholder(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.db.ExecContext(ctx, query, now.Unix())
}

// CreateTables creates both key tables if they don't exist.
func (s *SQLStore) CreateTables(ctx context.Context) error {
	var perm, temp string
	switch s.dialect {
	case DialectPostgreSQL:
		perm = `
			CREATE TABLE IF NOT EXISTS %s (
				dc INTEGER PRIMARY KEY,
				auth_key BYTEA NOT NULL
			)`
		temp = `
			CREATE TABLE IF NOT EXISTS %s (
				dc INTEGER NOT NULL,
				idx INTEGER NOT NULL,
				auth_key BYTEA NOT NULL,
				expires BIGINT NOT NULL,
				PRIMARY KEY (dc, idx)
			)`
	case DialectMySQL:
		perm = `
			CREATE TABLE IF NOT EXISTS %s (
				dc INT PRIMARY KEY,
				auth_key VARBINARY(256) NOT NULL
			)`
		temp = `
			CREATE TABLE IF NOT EXISTS %s (
				dc INT NOT NULL,
				idx INT NOT NULL,
				auth_key VARBINARY(256) NOT NULL,
				expires BIGINT NOT NULL,
				PRIMARY KEY (dc, idx)
			)`
	case DialectSQLite:
		perm = `
			CREATE TABLE IF NOT EXISTS %s (
				dc INTEGER PRIMARY KEY,
				auth_key BLOB NOT NULL
			)`
		temp = `
			CREATE TABLE IF NOT EXISTS %s (
				dc INTEGER NOT NULL,
				idx INTEGER NOT NULL,
				auth_key BLOB NOT NULL,
				expires INTEGER NOT NULL,
				PRIMARY KEY (dc, idx)
			)`
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(perm, s.permTable)); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(temp, s.tempTable)); err != nil {
		return err
	}
	return nil
}
