// Package document owns the lifecycle of persisted documents: creation,
// shared rentals of one in-memory instance per id, version-checked persists and
// the application of events inside store transactions.
package document

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/astromechza/landscape-sync/pkg/store"
)

// Base carries the persisted identity of a document. Concrete documents embed
// it and so satisfy the Meta part of Document.
type Base struct {
	mu           sync.RWMutex
	id           string
	version      uint64
	lastModified time.Time
}

// SetID is called once by document constructors.
func (b *Base) SetID(id string) {
	b.id = id
}

func (b *Base) Meta() *Base {
	return b
}

func (b *Base) ID() string {
	return b.id
}

func (b *Base) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *Base) LastModified() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastModified
}

func (b *Base) set(version uint64, modified time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = version
	b.lastModified = modified
}

// Document is a versioned, independently persisted unit of state.
type Document interface {
	Meta() *Base
	TypeName() string
	MarshalData() ([]byte, error)
	// UnmarshalData replaces the whole in-memory state.
	UnmarshalData(data []byte) error
}

// Initializer is implemented by documents that need to bind to collaborators
// after being loaded or created.
type Initializer interface {
	Init(ctx context.Context, m *Manager) error
}

// Event is a state transition applied through the manager. The command package
// provides the implementations.
type Event interface {
	Apply(ctx context.Context, m *Manager, tx *store.Tx) (interface{}, error)
	// Record serializes the event after it has been applied.
	Record() (store.EventRecord, error)
}

// Factory returns an empty document with the given id, ready for UnmarshalData.
type Factory func(id string) Document

// IDPrefix is the prefix all ids of a document type share.
func IDPrefix(typeName string) string {
	return typeName + "_"
}

// TypeOfID returns the type name prefix of id.
func TypeOfID(id string) (string, error) {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return "", fmt.Errorf("document id %q has no type prefix", id)
	}
	return id[:i], nil
}
