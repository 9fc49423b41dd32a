package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/astromechza/landscape-sync/pkg/result"
)

// Tx is a write transaction. Commit and Rollback may both be called; whichever
// comes first wins and the other becomes a no-op.
type Tx struct {
	store *Store
	tx    *sql.Tx

	mu            sync.Mutex
	done          bool
	afterCommit   []func()
	afterRollback []func()
}

// AfterCommit registers fn to run once the transaction has committed.
func (t *Tx) AfterCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = append(t.afterCommit, fn)
}

// AfterRollback registers fn to run if the transaction rolls back, including
// when Commit fails. Hooks run in reverse registration order.
func (t *Tx) AfterRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterRollback = append(t.afterRollback, fn)
}

func (t *Tx) finish() (commitHooks, rollbackHooks []func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, nil, false
	}
	t.done = true
	return t.afterCommit, t.afterRollback, true
}

func (t *Tx) Commit() error {
	commitHooks, rollbackHooks, ok := t.finish()
	if !ok {
		return sql.ErrTxDone
	}
	if err := t.tx.Commit(); err != nil {
		runReverse(rollbackHooks)
		return fmt.Errorf("failed to commit: %w", err)
	}
	for _, fn := range commitHooks {
		fn()
	}
	return nil
}

func (t *Tx) Rollback() error {
	_, rollbackHooks, ok := t.finish()
	if !ok {
		return nil
	}
	err := t.tx.Rollback()
	runReverse(rollbackHooks)
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

func runReverse(hooks []func()) {
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

func (t *Tx) exec(ctx context.Context, op string, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := t.store.withRetry(ctx, op, func() (err error) {
		res, err = t.tx.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// InsertDocument stores a new document row.
func (t *Tx) InsertDocument(ctx context.Context, id, typeName string, data []byte, version uint64) error {
	if _, err := t.exec(
		ctx, "insert document",
		`INSERT INTO Documents (Id, Type, Data, Version, LastModified) VALUES (?, ?, ?, ?, ?)`,
		id, typeName, data, int64(version), time.Now().UnixMicro(),
	); err != nil {
		if isConstraint(err) {
			return result.Invalid(result.CodeDocumentExists, "document %q already exists", id).Wrap(err)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// UpdateDocument replaces the document data only if the stored version is
// exactly newVersion-1.
func (t *Tx) UpdateDocument(ctx context.Context, id string, data []byte, newVersion uint64) error {
	if newVersion < 1 {
		return result.Validation("new version of %q must be at least 1", id)
	}
	res, err := t.exec(
		ctx, "update document",
		`UPDATE Documents SET Data = ?, Version = ?, LastModified = ? WHERE Id = ? AND Version = ?`,
		data, int64(newVersion), time.Now().UnixMicro(), id, int64(newVersion-1),
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by document update: %w", err)
	} else if r == 1 {
		return nil
	}
	current, err := getDocument(ctx, t.tx, id)
	if err != nil {
		return err
	}
	return result.Conflict("document %q is at version %d, expected %d", id, current.Version, newVersion-1)
}

// GetDocumentBlob reads a document as seen by this transaction.
func (t *Tx) GetDocumentBlob(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := t.store.withRetry(ctx, "get document", func() (err error) {
		rec, err = getDocument(ctx, t.tx, id)
		return err
	})
	return rec, err
}
