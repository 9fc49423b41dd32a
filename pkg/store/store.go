// Package store persists documents and the applied-event log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/astromechza/landscape-sync/pkg/result"
)

var busyRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "landscape_store_busy_retries_total",
	Help: "Number of store operations retried because the database was busy or locked",
})

type Config struct {
	// Path is the sqlite database file.
	Path string
	// BusyTimeout is how long sqlite itself waits on a lock before reporting busy.
	BusyTimeout time.Duration
	// NewBackOff builds the policy for one operation that sqlite reported busy.
	// A fresh policy is built per operation.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

// DefaultBackOff waits 5ms doubling to 250ms, for at most 8 retries.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, 8)
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 2 * time.Second
	}
	if c.NewBackOff == nil {
		c.NewBackOff = DefaultBackOff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Store struct {
	db         *sql.DB
	newBackOff func() backoff.BackOff
	log        *slog.Logger
}

// Record is a stored document row.
type Record struct {
	ID           string
	Type         string
	Data         []byte
	Version      uint64
	LastModified time.Time
}

// EventRecord is a row of the applied-event log. ServerTimestamp is nil until
// the ordering authority has assigned one.
type EventRecord struct {
	ID              string
	DocumentID      string
	UserID          string
	Kind            int
	Data            []byte
	ClientTimestamp int64
	ServerTimestamp *uint64
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate", cfg.Path, cfg.BusyTimeout.Milliseconds())
	cfg.Logger.Info("Opening database", "path", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db, newBackOff: cfg.NewBackOff, log: cfg.Logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS Documents (
		Id TEXT NOT NULL PRIMARY KEY,
		Type TEXT NOT NULL,
		Data BLOB NOT NULL,
		Version INTEGER NOT NULL,
		LastModified INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_type ON Documents (Type)`,
	`CREATE TABLE IF NOT EXISTS Events (
		Seq INTEGER PRIMARY KEY AUTOINCREMENT,
		Id TEXT NOT NULL UNIQUE,
		DocumentId TEXT NOT NULL,
		UserId TEXT NOT NULL,
		Kind INTEGER NOT NULL,
		Data BLOB NOT NULL,
		ClientTimestamp INTEGER NOT NULL,
		ServerTimestamp INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user ON Events (UserId)`,
	`CREATE INDEX IF NOT EXISTS idx_events_document ON Events (DocumentId)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_server_ts ON Events (ServerTimestamp) WHERE ServerTimestamp IS NOT NULL`,
}

// InitializeSchema creates the tables and indexes if they do not exist yet.
func (s *Store) InitializeSchema(ctx context.Context) error {
	s.log.Info("Creating initial tables")
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			s.log.Error("failed to rollback", "err", err)
		}
	}()
	for _, stmt := range schema {
		if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return tx.Commit()
}

// Begin starts a write transaction. Busy databases are retried.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	var tx *sql.Tx
	if err := s.withRetry(ctx, "begin", func() (err error) {
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to start tx: %w", err)
	}
	return &Tx{store: s, tx: tx}, nil
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(s.newBackOff(), ctx), func(err error, delay time.Duration) {
		busyRetries.Inc()
		s.log.Debug("store busy, retrying", "op", op, "attempt", attempts, "delay", delay)
	})
	if err != nil && isBusy(err) {
		return result.Transient(err, "%s gave up after %d attempts", op, attempts)
	}
	return err
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// GetDocumentBlob reads the committed state of a document.
func (s *Store) GetDocumentBlob(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.withRetry(ctx, "get document", func() (err error) {
		rec, err = getDocument(ctx, s.db, id)
		return err
	})
	return rec, err
}

// DocumentIDs lists stored document ids, optionally filtered by type.
func (s *Store) DocumentIDs(ctx context.Context, typeName string) ([]string, error) {
	query := `SELECT Id FROM Documents ORDER BY Id`
	args := []interface{}{}
	if typeName != "" {
		query = `SELECT Id FROM Documents WHERE Type = ? ORDER BY Id`
		args = append(args, typeName)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Error("failed to close rows", "err", err)
		}
	}(rows)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func getDocument(ctx context.Context, q querier, id string) (Record, error) {
	rec := Record{ID: id}
	var version, modified int64
	if err := q.QueryRowContext(
		ctx,
		`SELECT Type, Data, Version, LastModified FROM Documents WHERE Id = ?`,
		id,
	).Scan(&rec.Type, &rec.Data, &version, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, result.NotFound(result.CodeDocumentNotFound, "document %q does not exist", id)
		}
		return Record{}, fmt.Errorf("failed to query document: %w", err)
	}
	rec.Version = uint64(version)
	rec.LastModified = time.UnixMicro(modified).UTC()
	return rec, nil
}
