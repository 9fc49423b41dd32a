package document

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
)

var (
	documentsLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "landscape_documents_loaded_total",
		Help: "Documents deserialized from the store",
	})
	rentHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "landscape_document_rent_hits_total",
		Help: "Rentals served from an in-memory instance",
	})
	documentsCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "landscape_documents_cached",
		Help: "Documents currently held in memory, rented or idle",
	})
)

// DefaultIdleCapacity is a reasonable number of unrented documents to keep.
const DefaultIdleCapacity = 64

type Config struct {
	Store  *store.Store
	Assets assets.Reader
	// IdleCapacity is how many unrented documents stay cached. Zero drops a
	// document as soon as its last rental is released.
	IdleCapacity int
	Logger       *slog.Logger
}

// Manager guarantees at most one live in-memory instance per document id.
type Manager struct {
	store        *store.Store
	assets       assets.Reader
	idleCapacity int
	log          *slog.Logger

	loads singleflight.Group

	mu        sync.Mutex
	entries   map[string]*entry
	idle      *list.List
	factories map[string]Factory
	pins      map[*store.Tx]map[string]*pin
}

type entry struct {
	doc      Document
	rents    int
	idleElem *list.Element
	stale    bool
}

// pin holds a document in memory for the lifetime of a transaction along with
// the state to restore if it rolls back.
type pin struct {
	e        *entry
	created  bool
	data     []byte
	version  uint64
	modified time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleCapacity < 0 {
		cfg.IdleCapacity = 0
	}
	return &Manager{
		store:        cfg.Store,
		assets:       cfg.Assets,
		idleCapacity: cfg.IdleCapacity,
		log:          cfg.Logger,
		entries:      make(map[string]*entry),
		idle:         list.New(),
		factories:    make(map[string]Factory),
		pins:         make(map[*store.Tx]map[string]*pin),
	}
}

func (m *Manager) Store() *store.Store {
	return m.store
}

func (m *Manager) Assets() assets.Reader {
	return m.assets
}

func (m *Manager) Logger() *slog.Logger {
	return m.log
}

// Register makes a document type loadable.
func (m *Manager) Register(typeName string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[typeName] = factory
}

// Rental is a scoped handle on a shared document instance.
type Rental[T Document] struct {
	doc      T
	m        *Manager
	released atomic.Bool
}

func (r *Rental[T]) Document() T {
	return r.doc
}

// Release gives up the rental. Calling it more than once has no effect.
func (r *Rental[T]) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.m.release(r.doc)
	}
}

func typed[T Document](m *Manager, doc Document) (*Rental[T], error) {
	t, ok := doc.(T)
	if !ok {
		m.release(doc)
		return nil, result.Validation("document %q is a %s", doc.Meta().ID(), doc.TypeName())
	}
	return &Rental[T]{doc: t, m: m}, nil
}

// Rent returns the live instance of id, loading it from the store if needed.
func Rent[T Document](ctx context.Context, m *Manager, id string) (*Rental[T], error) {
	doc, err := m.rent(ctx, id)
	if err != nil {
		return nil, err
	}
	return typed[T](m, doc)
}

// RentTx rents id for modification inside tx. The document stays pinned until
// tx finishes and is restored in place if tx rolls back.
func RentTx[T Document](ctx context.Context, m *Manager, tx *store.Tx, id string) (*Rental[T], error) {
	doc, err := m.rentTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return typed[T](m, doc)
}

// Create inserts a new document inside tx and returns a rental on it.
func Create[T Document](ctx context.Context, m *Manager, tx *store.Tx, doc T) (*Rental[T], error) {
	if err := m.CreateDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	return &Rental[T]{doc: doc, m: m}, nil
}

func (m *Manager) RentDocument(ctx context.Context, id string) (*Rental[Document], error) {
	return Rent[Document](ctx, m, id)
}

func (m *Manager) acquireLocked(e *entry) {
	e.rents++
	if e.idleElem != nil {
		m.idle.Remove(e.idleElem)
		e.idleElem = nil
	}
}

func (m *Manager) rent(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		m.acquireLocked(e)
		stale := e.stale
		m.mu.Unlock()
		rentHits.Inc()
		if stale {
			if err := m.refresh(ctx, nil, e); err != nil {
				m.release(e.doc)
				return nil, err
			}
		}
		return e.doc, nil
	}
	m.mu.Unlock()

	v, err, _ := m.loads.Do(id, func() (interface{}, error) {
		return m.load(ctx, nil, id)
	})
	if err != nil {
		return nil, err
	}
	return m.insert(v.(Document)), nil
}

func (m *Manager) rentTx(ctx context.Context, tx *store.Tx, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		m.acquireLocked(e)
	}
	m.mu.Unlock()

	var doc Document
	if ok {
		doc = e.doc
		if m.isStale(e) {
			if err := m.refresh(ctx, tx, e); err != nil {
				m.release(doc)
				return nil, err
			}
		}
	} else {
		loaded, err := m.load(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		doc = m.insert(loaded)
	}
	if err := m.pin(tx, doc, false); err != nil {
		m.release(doc)
		return nil, err
	}
	return doc, nil
}

// insert caches a freshly loaded document with one rent, unless another
// instance won the race, in which case that one is rented instead.
func (m *Manager) insert(doc Document) Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := doc.Meta().ID()
	if e, ok := m.entries[id]; ok {
		m.acquireLocked(e)
		return e.doc
	}
	m.entries[id] = &entry{doc: doc, rents: 1}
	documentsCached.Set(float64(len(m.entries)))
	return doc
}

func (m *Manager) factory(typeName string) (Factory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factories[typeName]
	return f, ok
}

func (m *Manager) load(ctx context.Context, tx *store.Tx, id string) (Document, error) {
	var rec store.Record
	var err error
	if tx != nil {
		rec, err = tx.GetDocumentBlob(ctx, id)
	} else {
		rec, err = m.store.GetDocumentBlob(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	factory, ok := m.factory(rec.Type)
	if !ok {
		return nil, result.Validation("document %q has unregistered type %q", id, rec.Type)
	}
	doc := factory(id)
	if err := doc.UnmarshalData(rec.Data); err != nil {
		return nil, result.Invalid(result.CodeMalformedPayload, "failed to decode document %q", id).Wrap(err)
	}
	doc.Meta().set(rec.Version, rec.LastModified)
	if init, ok := doc.(Initializer); ok {
		if err := init.Init(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to initialize document %q: %w", id, err)
		}
	}
	documentsLoaded.Inc()
	m.log.Debug("loaded document", "id", id, "version", rec.Version)
	return doc, nil
}

func (m *Manager) isStale(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.stale
}

// refresh reloads a stale entry in place so existing holders see the new state.
func (m *Manager) refresh(ctx context.Context, tx *store.Tx, e *entry) error {
	var rec store.Record
	var err error
	id := e.doc.Meta().ID()
	if tx != nil {
		rec, err = tx.GetDocumentBlob(ctx, id)
	} else {
		rec, err = m.store.GetDocumentBlob(ctx, id)
	}
	if err != nil {
		return err
	}
	if err := e.doc.UnmarshalData(rec.Data); err != nil {
		return result.Invalid(result.CodeMalformedPayload, "failed to decode document %q", id).Wrap(err)
	}
	e.doc.Meta().set(rec.Version, rec.LastModified)
	m.mu.Lock()
	e.stale = false
	m.mu.Unlock()
	m.log.Info("refreshed stale document", "id", id, "version", rec.Version)
	return nil
}

func (m *Manager) release(doc Document) {
	id := doc.Meta().ID()
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.doc != doc || e.rents == 0 {
		m.mu.Unlock()
		return
	}
	e.rents--
	if e.rents > 0 {
		m.mu.Unlock()
		return
	}
	e.idleElem = m.idle.PushFront(id)
	evicted := m.trimLocked()
	m.mu.Unlock()
	m.close(evicted)
}

func (m *Manager) trimLocked() []Document {
	var evicted []Document
	for m.idle.Len() > m.idleCapacity {
		back := m.idle.Back()
		m.idle.Remove(back)
		id := back.Value.(string)
		if e, ok := m.entries[id]; ok {
			delete(m.entries, id)
			evicted = append(evicted, e.doc)
		}
	}
	documentsCached.Set(float64(len(m.entries)))
	return evicted
}

// close runs outside the lock since closing may release other rentals.
func (m *Manager) close(docs []Document) {
	for _, doc := range docs {
		if c, ok := doc.(io.Closer); ok {
			if err := c.Close(); err != nil {
				m.log.Error("failed to close evicted document", "id", doc.Meta().ID(), "err", err)
			}
		}
	}
}

// forget drops an entry regardless of its rents. Used when the document it
// describes never became durable.
func (m *Manager) forget(e *entry) {
	id := e.doc.Meta().ID()
	m.mu.Lock()
	if cur, ok := m.entries[id]; ok && cur == e {
		delete(m.entries, id)
		if e.idleElem != nil {
			m.idle.Remove(e.idleElem)
			e.idleElem = nil
		}
		documentsCached.Set(float64(len(m.entries)))
	}
	m.mu.Unlock()
	m.close([]Document{e.doc})
}

func (m *Manager) pin(tx *store.Tx, doc Document, created bool) error {
	id := doc.Meta().ID()
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.doc != doc {
		m.mu.Unlock()
		return result.Fatal("document %q is not cached", id)
	}
	set, registered := m.pins[tx]
	if !registered {
		set = make(map[string]*pin)
		m.pins[tx] = set
	}
	if _, already := set[id]; already {
		m.mu.Unlock()
		return nil
	}
	p := &pin{e: e, created: created}
	e.rents++
	set[id] = p
	m.mu.Unlock()

	if !registered {
		tx.AfterCommit(func() { m.unpin(tx, false) })
		tx.AfterRollback(func() { m.unpin(tx, true) })
	}
	if !created {
		data, err := doc.MarshalData()
		if err != nil {
			return fmt.Errorf("failed to snapshot document %q: %w", id, err)
		}
		p.data = data
		p.version = doc.Meta().Version()
		p.modified = doc.Meta().LastModified()
	}
	return nil
}

func (m *Manager) pinned(tx *store.Tx, doc Document) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[tx][doc.Meta().ID()]
	return ok && p.e.doc == doc
}

func (m *Manager) unpin(tx *store.Tx, rolledBack bool) {
	m.mu.Lock()
	set := m.pins[tx]
	delete(m.pins, tx)
	m.mu.Unlock()

	for id, p := range set {
		if rolledBack {
			if p.created {
				m.forget(p.e)
				continue
			}
			if err := p.e.doc.UnmarshalData(p.data); err != nil {
				m.log.Error("failed to restore document after rollback", "id", id, "err", err)
				m.mu.Lock()
				p.e.stale = true
				m.mu.Unlock()
			}
			p.e.doc.Meta().set(p.version, p.modified)
			m.log.Debug("restored document after rollback", "id", id, "version", p.version)
		}
		m.release(p.e.doc)
	}
}

// CreateDocument inserts doc at version 1 inside tx and caches it with one
// rent owned by the caller.
func (m *Manager) CreateDocument(ctx context.Context, tx *store.Tx, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := doc.Meta().ID()
	if _, ok := m.factory(doc.TypeName()); !ok {
		return result.Validation("document type %q is not registered", doc.TypeName())
	}
	m.mu.Lock()
	_, exists := m.entries[id]
	m.mu.Unlock()
	if exists {
		return result.Invalid(result.CodeDocumentExists, "document %q already exists", id)
	}

	data, err := doc.MarshalData()
	if err != nil {
		return fmt.Errorf("failed to encode document %q: %w", id, err)
	}
	if err := tx.InsertDocument(ctx, id, doc.TypeName(), data, 1); err != nil {
		return err
	}
	doc.Meta().set(1, time.Now().UTC())
	if init, ok := doc.(Initializer); ok {
		if err := init.Init(ctx, m); err != nil {
			return fmt.Errorf("failed to initialize document %q: %w", id, err)
		}
	}

	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return result.Invalid(result.CodeDocumentExists, "document %q already exists", id)
	}
	m.entries[id] = &entry{doc: doc, rents: 1}
	documentsCached.Set(float64(len(m.entries)))
	m.mu.Unlock()
	return m.pin(tx, doc, true)
}

// PersistDocument writes the in-memory state of a document rented in tx with
// version+1. A stale version fails with a Conflict and marks the cached
// instance for reload.
func (m *Manager) PersistDocument(ctx context.Context, tx *store.Tx, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := doc.Meta().ID()
	if !m.pinned(tx, doc) {
		return result.Validation("document %q must be rented in the transaction before it is persisted", id)
	}
	data, err := doc.MarshalData()
	if err != nil {
		return fmt.Errorf("failed to encode document %q: %w", id, err)
	}
	version := doc.Meta().Version()
	if err := tx.UpdateDocument(ctx, id, data, version+1); err != nil {
		if result.Is(err, result.KindConflict) {
			m.mu.Lock()
			if e, ok := m.entries[id]; ok && e.doc == doc {
				e.stale = true
			}
			m.mu.Unlock()
		}
		return err
	}
	doc.Meta().set(version+1, time.Now().UTC())
	return nil
}

// ApplyLocalEvent applies ev inside tx and appends it to the event log. The
// caller commits, or rolls back on error.
func (m *Manager) ApplyLocalEvent(ctx context.Context, tx *store.Tx, ev Event) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := ev.Apply(ctx, m, tx)
	if err != nil {
		return nil, err
	}
	rec, err := ev.Record()
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	if err := tx.InsertEvent(ctx, rec); err != nil {
		return nil, err
	}
	return res, nil
}

// ApplyUnit applies events in order inside one transaction and commits. Any
// failure rolls the whole unit back.
func (m *Manager) ApplyUnit(ctx context.Context, events []Event) ([]interface{}, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			m.log.Error("failed to rollback", "err", err)
		}
	}()
	out := make([]interface{}, 0, len(events))
	for i, ev := range events {
		res, err := m.ApplyLocalEvent(ctx, tx, ev)
		if err != nil {
			return nil, fmt.Errorf("failed to apply event %d of %d: %w", i+1, len(events), err)
		}
		out = append(out, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
