package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/astromechza/landscape-sync/pkg/result"
)

const eventColumns = `Id, DocumentId, UserId, Kind, Data, ClientTimestamp, ServerTimestamp`

func nullableTimestamp(ts *uint64) interface{} {
	if ts == nil {
		return nil
	}
	return int64(*ts)
}

// InsertEvent appends an applied command to the event log.
func (t *Tx) InsertEvent(ctx context.Context, ev EventRecord) error {
	if _, err := t.exec(
		ctx, "insert event",
		`INSERT INTO Events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DocumentID, ev.UserID, ev.Kind, ev.Data, ev.ClientTimestamp, nullableTimestamp(ev.ServerTimestamp),
	); err != nil {
		if isConstraint(err) {
			return result.Invalid(result.CodeDuplicateEvent, "event %q or its server timestamp already exists", ev.ID).Wrap(err)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (t *Tx) HasEvent(ctx context.Context, id string) (bool, error) {
	return hasEvent(ctx, t.tx, id)
}

func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	return hasEvent(ctx, s.db, id)
}

func hasEvent(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM Events WHERE Id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query event: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM Events WHERE Id = ?`, id)
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to query event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return EventRecord{}, err
	}
	if len(events) == 0 {
		return EventRecord{}, result.NotFound(result.CodeEventNotFound, "event %q does not exist", id)
	}
	return events[0], nil
}

// SetEventServerTimestamp records the authority's timestamp. Once set it
// cannot change; setting the same value again is a no-op.
func (t *Tx) SetEventServerTimestamp(ctx context.Context, id string, ts uint64) error {
	return setEventServerTimestamp(ctx, t.tx, id, ts)
}

func (s *Store) SetEventServerTimestamp(ctx context.Context, id string, ts uint64) error {
	return s.withRetry(ctx, "set server timestamp", func() error {
		return setEventServerTimestamp(ctx, s.db, id, ts)
	})
}

func setEventServerTimestamp(ctx context.Context, q querier, id string, ts uint64) error {
	res, err := q.ExecContext(ctx, `UPDATE Events SET ServerTimestamp = ? WHERE Id = ? AND ServerTimestamp IS NULL`, int64(ts), id)
	if err != nil {
		return fmt.Errorf("failed to set server timestamp: %w", err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by timestamp update: %w", err)
	} else if r == 1 {
		return nil
	}
	var existing sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT ServerTimestamp FROM Events WHERE Id = ?`, id).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result.NotFound(result.CodeEventNotFound, "event %q does not exist", id)
		}
		return fmt.Errorf("failed to query event: %w", err)
	}
	if existing.Valid && uint64(existing.Int64) == ts {
		return nil
	}
	return result.Validation("event %q already has server timestamp %d", id, existing.Int64)
}

// PendingEvents returns events without a server timestamp in the order they
// were applied.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM Events WHERE ServerTimestamp IS NULL ORDER BY Seq LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	return scanEvents(rows)
}

// EventsSince returns events with ServerTimestamp > ts in ascending order.
func (s *Store) EventsSince(ctx context.Context, ts uint64, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM Events WHERE ServerTimestamp > ? ORDER BY ServerTimestamp LIMIT ?`,
		int64(ts), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// ListEvents returns the whole log in application order.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM Events ORDER BY Seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) MaxServerTimestamp(ctx context.Context) (uint64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ServerTimestamp), 0) FROM Events`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to query max server timestamp: %w", err)
	}
	return uint64(ts), nil
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var ts sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &ev.UserID, &ev.Kind, &ev.Data, &ev.ClientTimestamp, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ts.Valid {
			v := uint64(ts.Int64)
			ev.ServerTimestamp = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
