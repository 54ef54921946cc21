// Package postgres implements coordstore.Store as one row per key in a
// Postgres table. Expiry is evaluated against the database clock, so
// instances with skewed local clocks still agree on who holds a key.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

const (
	defaultTable            = "coordination_keys"
	defaultOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config configures the Postgres coordination store.
type Config struct {
	URL              string
	Table            string
	MaxConns         int
	OperationTimeout time.Duration
	// FailFast makes NewStore return an error when the database cannot be
	// reached at startup. Otherwise the store starts degraded and creates
	// its table on the first operation that gets through.
	FailFast bool
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Store keeps coordination keys in a Postgres table.
type Store struct {
	db     *sql.DB
	log    logger.Logger
	config Config

	tableMu    sync.Mutex
	tableReady atomic.Bool
}

// NewStore opens the database, verifies connectivity and creates the table if
// needed. An unreachable database is only an error with cfg.FailFast.
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, coordstore.InvalidArgument("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, coordstore.InvalidArgument("postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, coordstore.InvalidArgument(fmt.Sprintf("invalid postgres table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(coordstore.InvalidArgument("open postgres failed"), err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	store := &Store{db: db, log: log, config: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return store.startDegraded(err)
	}
	if err := store.ensureReady(ctx); err != nil {
		return store.startDegraded(err)
	}
	log.Info("postgres coordination store connected", "table", cfg.Table)
	return store, nil
}

func (s *Store) startDegraded(err error) (*Store, error) {
	if s.config.FailFast {
		_ = s.db.Close()
		return nil, err
	}
	s.log.Warn("postgres coordination store unreachable at startup, continuing degraded", "error", err)
	return s, nil
}

func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, coordstore.InvalidArgument("db is required")
	}
	if log == nil {
		return nil, coordstore.InvalidArgument("logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, coordstore.InvalidArgument(fmt.Sprintf("invalid postgres table name %q", cfg.Table))
	}
	store := &Store{db: db, log: log, config: cfg}
	store.tableReady.Store(true)
	return store, nil
}

// SetNX inserts the row, or takes over an expired one, in a single statement.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := coordstore.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return err
	}

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %[1]s(coord_key, value, expires_at, updated_at)
	VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond', NOW())
	ON CONFLICT(coord_key) DO UPDATE
	SET value = EXCLUDED.value,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %[1]s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, s.config.Table)

	var inserted bool
	if err := s.db.QueryRowContext(opCtx, query, key, value, ttl.Milliseconds()).Scan(&inserted); err != nil {
		return coordstore.Unavailable("setnx", err)
	}
	if !inserted {
		return coordstore.Contention(key)
	}
	return nil
}

// Get implements coordstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return "", false, err
	}

	query := fmt.Sprintf(`SELECT value FROM %s WHERE coord_key=$1 AND expires_at > NOW()`, s.config.Table)
	var value string
	err := s.db.QueryRowContext(opCtx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, coordstore.Unavailable("get", err)
	}
	return value, true, nil
}

// CompareAndDelete implements coordstore.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE coord_key=$1 AND value=$2 AND expires_at > NOW()`, s.config.Table)
	return s.execOwned(opCtx, "compare and delete", key, query, key, expected)
}

// CompareAndExpire implements coordstore.Store.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) error {
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET expires_at = NOW() + $3 * INTERVAL '1 millisecond', updated_at = NOW() WHERE coord_key=$1 AND value=$2 AND expires_at > NOW()`, s.config.Table)
	return s.execOwned(opCtx, "compare and expire", key, query, key, expected, ttl.Milliseconds())
}

// Delete implements coordstore.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE coord_key=$1 AND expires_at > NOW()`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, key)
	if err != nil {
		return false, coordstore.Unavailable("delete", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, coordstore.Unavailable("delete", err)
	}
	return affected > 0, nil
}

// Exists implements coordstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE coord_key=$1 AND expires_at > NOW())`, s.config.Table)
	var exists bool
	if err := s.db.QueryRowContext(opCtx, query, key).Scan(&exists); err != nil {
		return false, coordstore.Unavailable("exists", err)
	}
	return exists, nil
}

// TTL implements coordstore.Store. Rows always carry an expiry, so TTLNoExpiry is never reported.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return coordstore.TTLMissing, err
	}

	query := fmt.Sprintf(`SELECT CAST(EXTRACT(EPOCH FROM (expires_at - NOW())) * 1000 AS BIGINT) FROM %s WHERE coord_key=$1 AND expires_at > NOW()`, s.config.Table)
	var millis int64
	err := s.db.QueryRowContext(opCtx, query, key).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return coordstore.TTLMissing, nil
	}
	if err != nil {
		return coordstore.TTLMissing, coordstore.Unavailable("ttl", err)
	}
	return time.Duration(millis) * time.Millisecond, nil
}

// Scan implements coordstore.Store.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT coord_key FROM %s WHERE coord_key LIKE $1 ESCAPE '\' AND expires_at > NOW() ORDER BY coord_key`, s.config.Table)
	rows, err := s.db.QueryContext(opCtx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, coordstore.Unavailable("scan", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, coordstore.Unavailable("scan", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, coordstore.Unavailable("scan", err)
	}
	return keys, nil
}

// PurgeExpired deletes rows whose expiry has passed. Expired rows are
// invisible to every other operation; purging only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.ensureReady(opCtx); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query)
	if err != nil {
		return 0, coordstore.Unavailable("purge", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, coordstore.Unavailable("purge", err)
	}
	if affected > 0 {
		s.log.Debug("purged expired coordination rows", "count", affected)
	}
	return affected, nil
}

// Ping implements coordstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return coordstore.Unavailable("ping", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) execOwned(ctx context.Context, operation, key, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return coordstore.Unavailable(operation, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return coordstore.Unavailable(operation, err)
	}
	if affected == 0 {
		return coordstore.OwnershipMismatch(key)
	}
	return nil
}

// ensureReady creates the table once, retrying on later calls until it succeeds.
func (s *Store) ensureReady(ctx context.Context) error {
	if s.tableReady.Load() {
		return nil
	}
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if s.tableReady.Load() {
		return nil
	}
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	s.tableReady.Store(true)
	return nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	coord_key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, s.config.Table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return coordstore.Unavailable("ensure table", err)
	}
	return nil
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
