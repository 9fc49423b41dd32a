// Package storetest opens throwaway stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/store"
)

// New opens a store in a temp dir with the schema created.
func New(t testing.TB) *store.Store {
	t.Helper()
	return Open(t, filepath.Join(t.TempDir(), "landscape.sqlite3"))
}

// Open opens (or reopens) a store at path. Several stores may share a path to
// simulate independent processes.
func Open(t testing.TB, path string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.InitializeSchema(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}
