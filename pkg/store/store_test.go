package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
	"github.com/astromechza/landscape-sync/pkg/store/storetest"
)

func insert(t *testing.T, s *store.Store, id string, data string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, tx.InsertDocument(ctx, id, "TestDocument", []byte(data), 1))
	require.NoError(t, tx.Commit())
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	s := storetest.New(t)
	require.NoError(t, s.InitializeSchema(context.Background()))
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	insert(t, s, "TestDocument_a", "hello")

	rec, err := s.GetDocumentBlob(ctx, "TestDocument_a")
	require.NoError(t, err)
	assert.Equal(t, "TestDocument", rec.Type)
	assert.Equal(t, []byte("hello"), rec.Data)
	assert.Equal(t, uint64(1), rec.Version)
	assert.False(t, rec.LastModified.IsZero())

	_, err = s.GetDocumentBlob(ctx, "TestDocument_missing")
	assert.True(t, result.Is(err, result.KindNotFound))
	assert.Equal(t, result.CodeDocumentNotFound, result.CodeOf(err))
}

func TestInsertDuplicateFails(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	insert(t, s, "TestDocument_a", "hello")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.InsertDocument(ctx, "TestDocument_a", "TestDocument", []byte("again"), 1)
	assert.Equal(t, result.CodeDocumentExists, result.CodeOf(err))
}

func TestUpdateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	insert(t, s, "TestDocument_a", "v1")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateDocument(ctx, "TestDocument_a", []byte("v2"), 2))
	// A second writer still holding version 1 must lose.
	err = tx.UpdateDocument(ctx, "TestDocument_a", []byte("stale"), 2)
	assert.True(t, result.Is(err, result.KindConflict))
	// Skipping a version is a conflict too.
	err = tx.UpdateDocument(ctx, "TestDocument_a", []byte("skip"), 4)
	assert.True(t, result.Is(err, result.KindConflict))
	err = tx.UpdateDocument(ctx, "TestDocument_missing", []byte("x"), 2)
	assert.True(t, result.Is(err, result.KindNotFound))
	require.NoError(t, tx.Commit())

	rec, err := s.GetDocumentBlob(ctx, "TestDocument_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, []byte("v2"), rec.Data)
}

func TestUncommittedWritesAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite3")
	writer := storetest.Open(t, path)
	reader := storetest.Open(t, path)
	insert(t, writer, "TestDocument_a", "v1")

	tx, err := writer.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateDocument(ctx, "TestDocument_a", []byte("v2"), 2))

	inTx, err := tx.GetDocumentBlob(ctx, "TestDocument_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), inTx.Data)

	outside, err := reader.GetDocumentBlob(ctx, "TestDocument_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), outside.Data)

	require.NoError(t, tx.Rollback())
	after, err := reader.GetDocumentBlob(ctx, "TestDocument_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), after.Version)
}

func TestBusyStoreGivesUp(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.sqlite3")
	holder := storetest.Open(t, path)
	other, err := store.Open(ctx, store.Config{
		Path:        path,
		BusyTimeout: time.Millisecond,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	})
	require.NoError(t, err)
	defer other.Close()

	tx, err := holder.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = other.Begin(ctx)
	require.Error(t, err)
	assert.True(t, result.Is(err, result.KindTransient))
	assert.Equal(t, result.CodeStoreBusy, result.CodeOf(err))
	assert.Contains(t, err.Error(), "begin gave up after 3 attempts")

	require.NoError(t, tx.Rollback())
	tx2, err := other.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestTxHooks(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	var calls []string
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	tx.AfterRollback(func() { calls = append(calls, "rollback-1") })
	tx.AfterRollback(func() { calls = append(calls, "rollback-2") })
	tx.AfterCommit(func() { calls = append(calls, "commit") })
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
	assert.Error(t, tx.Commit())
	assert.Equal(t, []string{"rollback-2", "rollback-1"}, calls)

	calls = nil
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	tx.AfterRollback(func() { calls = append(calls, "rollback") })
	tx.AfterCommit(func() { calls = append(calls, "commit") })
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())
	assert.Equal(t, []string{"commit"}, calls)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, tx.InsertEvent(ctx, store.EventRecord{
			ID: id, DocumentID: "doc", UserID: "alice", Kind: 1, Data: []byte(id), ClientTimestamp: 1,
		}))
	}
	err = tx.InsertEvent(ctx, store.EventRecord{ID: "e1", DocumentID: "doc", UserID: "alice", Data: []byte("x")})
	assert.Equal(t, result.CodeDuplicateEvent, result.CodeOf(err))
	require.NoError(t, tx.Commit())

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "e1", pending[0].ID)
	assert.Nil(t, pending[0].ServerTimestamp)

	require.NoError(t, s.SetEventServerTimestamp(ctx, "e2", 10))
	require.NoError(t, s.SetEventServerTimestamp(ctx, "e1", 20))
	require.NoError(t, s.SetEventServerTimestamp(ctx, "e1", 20))
	assert.True(t, result.Is(s.SetEventServerTimestamp(ctx, "e1", 30), result.KindValidation))
	assert.True(t, result.Is(s.SetEventServerTimestamp(ctx, "nope", 30), result.KindNotFound))

	since, err := s.EventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "e2", since[0].ID)
	assert.Equal(t, "e1", since[1].ID)

	since, err = s.EventsSince(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "e1", since[0].ID)

	max, err := s.MaxServerTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), max)

	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e3", pending[0].ID)

	ok, err := s.HasEvent(ctx, "e3")
	require.NoError(t, err)
	assert.True(t, ok)
}
