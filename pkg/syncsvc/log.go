package syncsvc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
)

// AppendRequest describes an event being ordered. Data is produced by the
// stamp callback once the timestamp is known.
type AppendRequest struct {
	ID              string
	DocumentID      string
	UserID          string
	Kind            int
	ClientTimestamp int64
}

// StampFunc encodes the event with its server timestamp.
type StampFunc func(ts uint64) ([]byte, error)

// EventLog is the authority's append-only ordered log. Implementations hold a
// single lock around the counter so timestamps are strictly increasing.
type EventLog interface {
	// Append assigns the next timestamp and stores the stamped event. An id
	// that was already appended returns its original timestamp and data with
	// fresh set to false.
	Append(ctx context.Context, req AppendRequest, stamp StampFunc) (ts uint64, data []byte, fresh bool, err error)
	// Since returns up to limit events with a timestamp greater than ts in
	// ascending order. A limit of zero or less means no limit.
	Since(ctx context.Context, ts uint64, limit int) ([][]byte, error)
	// Last is the most recently assigned timestamp, or zero.
	Last() uint64
}

// nextTimestamp is wall clock microseconds, bumped past last if the clock has
// not moved or went backwards.
func nextTimestamp(last uint64, now time.Time) uint64 {
	ts := uint64(now.UnixMicro())
	if ts <= last {
		ts = last + 1
	}
	return ts
}

type stampedEvent struct {
	ts   uint64
	data []byte
}

// MemoryLog keeps the log in memory. It is lost when the authority exits.
type MemoryLog struct {
	now func() time.Time

	mu     sync.Mutex
	last   uint64
	events []stampedEvent
	byID   map[string]int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now, byID: make(map[string]int)}
}

func (l *MemoryLog) Append(ctx context.Context, req AppendRequest, stamp StampFunc) (uint64, []byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.byID[req.ID]; ok {
		return l.events[i].ts, l.events[i].data, false, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, false, err
	}
	ts := nextTimestamp(l.last, l.now())
	data, err := stamp(ts)
	if err != nil {
		return 0, nil, false, err
	}
	l.byID[req.ID] = len(l.events)
	l.events = append(l.events, stampedEvent{ts: ts, data: data})
	l.last = ts
	return ts, data, true, nil
}

func (l *MemoryLog) Since(ctx context.Context, ts uint64, limit int) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].ts > ts
	})
	rest := l.events[i:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([][]byte, len(rest))
	for j, ev := range rest {
		out[j] = ev.data
	}
	return out, nil
}

func (l *MemoryLog) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// StoreLog keeps the log in the Events table of a store. The counter resumes
// from the highest stored timestamp.
type StoreLog struct {
	s   *store.Store
	now func() time.Time

	mu   sync.Mutex
	last uint64
}

func NewStoreLog(ctx context.Context, s *store.Store) (*StoreLog, error) {
	last, err := s.MaxServerTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	return &StoreLog{s: s, now: time.Now, last: last}, nil
}

func (l *StoreLog) Append(ctx context.Context, req AppendRequest, stamp StampFunc) (uint64, []byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.s.GetEvent(ctx, req.ID); err == nil {
		if existing.ServerTimestamp == nil {
			return 0, nil, false, result.Fatal("logged event %q has no server timestamp", req.ID)
		}
		return *existing.ServerTimestamp, existing.Data, false, nil
	} else if !result.Is(err, result.KindNotFound) {
		return 0, nil, false, err
	}

	ts := nextTimestamp(l.last, l.now())
	data, err := stamp(ts)
	if err != nil {
		return 0, nil, false, err
	}
	tx, err := l.s.Begin(ctx)
	if err != nil {
		return 0, nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := tx.InsertEvent(ctx, store.EventRecord{
		ID:              req.ID,
		DocumentID:      req.DocumentID,
		UserID:          req.UserID,
		Kind:            req.Kind,
		Data:            data,
		ClientTimestamp: req.ClientTimestamp,
		ServerTimestamp: &ts,
	}); err != nil {
		return 0, nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, false, fmt.Errorf("failed to commit event: %w", err)
	}
	l.last = ts
	return ts, data, true, nil
}

func (l *StoreLog) Since(ctx context.Context, ts uint64, limit int) ([][]byte, error) {
	if limit <= 0 {
		// sqlite treats a negative limit as unbounded
		limit = -1
	}
	events, err := l.s.EventsSince(ctx, ts, limit)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(events))
	for i, ev := range events {
		out[i] = ev.Data
	}
	return out, nil
}

func (l *StoreLog) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
