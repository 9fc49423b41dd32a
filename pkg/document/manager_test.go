package document_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
	"github.com/astromechza/landscape-sync/pkg/store/storetest"
)

type note struct {
	document.Base
	Text   string
	closed int
}

func newNote(id string) *note {
	n := &note{}
	n.SetID(id)
	return n
}

func (n *note) TypeName() string { return "Note" }

func (n *note) MarshalData() ([]byte, error) { return []byte(n.Text), nil }

func (n *note) UnmarshalData(data []byte) error {
	n.Text = string(data)
	return nil
}

func (n *note) Close() error {
	n.closed++
	return nil
}

func newManager(s *store.Store, idle int) *document.Manager {
	m := document.NewManager(document.Config{Store: s, IdleCapacity: idle})
	m.Register("Note", func(id string) document.Document { return newNote(id) })
	return m
}

func createNote(t *testing.T, m *document.Manager, id, text string) {
	t.Helper()
	ctx := context.Background()
	tx, err := m.Store().Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	n := newNote(id)
	n.Text = text
	r, err := document.Create(ctx, m, tx, n)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	r.Release()
}

func TestRentSharesInstance(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "hello")

	r1, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	r2, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	assert.Same(t, r1.Document(), r2.Document())
	assert.Equal(t, "hello", r1.Document().Text)
	assert.Equal(t, uint64(1), r1.Document().Version())

	r1.Release()
	r1.Release()
	r3, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	assert.Same(t, r2.Document(), r3.Document())
	r2.Release()
	r3.Release()
}

func TestConcurrentRentsShareInstance(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "hello")

	const renters = 16
	rentals := make([]*document.Rental[*note], renters)
	errs := make([]error, renters)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < renters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rentals[i], errs[i] = document.Rent[*note](ctx, m, "Note_a")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range rentals {
		require.NoError(t, errs[i], "renter %d", i)
	}
	first := rentals[0].Document()
	for _, r := range rentals[1:] {
		assert.Same(t, first, r.Document())
	}
	for _, r := range rentals {
		r.Release()
	}
	assert.Equal(t, 1, first.closed)

	again, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	defer again.Release()
	assert.NotSame(t, first, again.Document())
}

func TestReleasedDocumentIsDropped(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "hello")

	r1, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	first := r1.Document()
	r1.Release()
	assert.Equal(t, 1, first.closed)

	r2, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	defer r2.Release()
	assert.NotSame(t, first, r2.Document())
	assert.Equal(t, "hello", r2.Document().Text)
}

func TestIdleCapacityKeepsRecentDocuments(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 1)
	createNote(t, m, "Note_a", "a")
	createNote(t, m, "Note_b", "b")

	ra, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	a := ra.Document()
	ra.Release()

	ra, err = document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	assert.Same(t, a, ra.Document())
	ra.Release()

	rb, err := document.Rent[*note](ctx, m, "Note_b")
	require.NoError(t, err)
	rb.Release()
	assert.Equal(t, 1, a.closed)
}

func TestRentWrongTypeFails(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "a")

	type other struct{ *note }
	_, err := document.Rent[other](ctx, m, "Note_a")
	assert.True(t, result.Is(err, result.KindValidation))

	_, err = document.Rent[*note](ctx, m, "Note_missing")
	assert.Equal(t, result.CodeDocumentNotFound, result.CodeOf(err))
}

func TestCreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "a")

	tx, err := m.Store().Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = document.Create(ctx, m, tx, newNote("Note_a"))
	assert.Equal(t, result.CodeDocumentExists, result.CodeOf(err))
}

func TestPersistIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "a")

	tx, err := m.Store().Begin(ctx)
	require.NoError(t, err)
	r, err := document.RentTx[*note](ctx, m, tx, "Note_a")
	require.NoError(t, err)
	r.Document().Text = "b"
	require.NoError(t, m.PersistDocument(ctx, tx, r.Document()))
	assert.Equal(t, uint64(2), r.Document().Version())
	require.NoError(t, tx.Commit())
	r.Release()

	rec, err := m.Store().GetDocumentBlob(ctx, "Note_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, []byte("b"), rec.Data)
}

func TestPersistRequiresTransactionRental(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "a")

	r, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	defer r.Release()
	tx, err := m.Store().Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = m.PersistDocument(ctx, tx, r.Document())
	assert.True(t, result.Is(err, result.KindValidation))
}

func TestRollbackRestoresInMemoryState(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 4)
	createNote(t, m, "Note_a", "a")

	held, err := document.Rent[*note](ctx, m, "Note_a")
	require.NoError(t, err)
	defer held.Release()

	tx, err := m.Store().Begin(ctx)
	require.NoError(t, err)
	r, err := document.RentTx[*note](ctx, m, tx, "Note_a")
	require.NoError(t, err)
	r.Document().Text = "changed"
	require.NoError(t, m.PersistDocument(ctx, tx, r.Document()))
	_, err = document.Create(ctx, m, tx, newNote("Note_new"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	r.Release()

	assert.Equal(t, "a", held.Document().Text)
	assert.Equal(t, uint64(1), held.Document().Version())

	_, err = document.Rent[*note](ctx, m, "Note_new")
	assert.Equal(t, result.CodeDocumentNotFound, result.CodeOf(err))
}

func TestConflictRefreshesStaleInstance(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite3")
	ma := newManager(storetest.Open(t, path), 0)
	mb := newManager(storetest.Open(t, path), 0)
	createNote(t, ma, "Note_a", "a")

	held, err := document.Rent[*note](ctx, mb, "Note_a")
	require.NoError(t, err)
	defer held.Release()

	tx, err := ma.Store().Begin(ctx)
	require.NoError(t, err)
	ra, err := document.RentTx[*note](ctx, ma, tx, "Note_a")
	require.NoError(t, err)
	ra.Document().Text = "from a"
	require.NoError(t, ma.PersistDocument(ctx, tx, ra.Document()))
	require.NoError(t, tx.Commit())
	ra.Release()

	tx, err = mb.Store().Begin(ctx)
	require.NoError(t, err)
	rb, err := document.RentTx[*note](ctx, mb, tx, "Note_a")
	require.NoError(t, err)
	rb.Document().Text = "from b"
	err = mb.PersistDocument(ctx, tx, rb.Document())
	assert.True(t, result.Is(err, result.KindConflict))
	require.NoError(t, tx.Rollback())
	rb.Release()

	tx, err = mb.Store().Begin(ctx)
	require.NoError(t, err)
	rb, err = document.RentTx[*note](ctx, mb, tx, "Note_a")
	require.NoError(t, err)
	assert.Same(t, held.Document(), rb.Document())
	assert.Equal(t, "from a", rb.Document().Text)
	assert.Equal(t, uint64(2), rb.Document().Version())
	rb.Document().Text = "from b"
	require.NoError(t, mb.PersistDocument(ctx, tx, rb.Document()))
	require.NoError(t, tx.Commit())
	rb.Release()
	assert.Equal(t, uint64(3), held.Document().Version())
}

type setText struct {
	id   string
	doc  string
	text string
	fail bool
}

func (e *setText) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	if e.fail {
		return nil, errors.New("boom")
	}
	r, err := document.RentTx[*note](ctx, m, tx, e.doc)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	r.Document().Text = e.text
	return nil, m.PersistDocument(ctx, tx, r.Document())
}

func (e *setText) Record() (store.EventRecord, error) {
	return store.EventRecord{ID: e.id, DocumentID: e.doc, UserID: "tester", Data: []byte(e.text)}, nil
}

func TestApplyUnit(t *testing.T) {
	ctx := context.Background()
	m := newManager(storetest.New(t), 0)
	createNote(t, m, "Note_a", "a")
	createNote(t, m, "Note_b", "b")

	_, err := m.ApplyUnit(ctx, []document.Event{
		&setText{id: "e1", doc: "Note_a", text: "a2"},
		&setText{id: "e2", doc: "Note_b", text: "b2"},
	})
	require.NoError(t, err)

	_, err = m.ApplyUnit(ctx, []document.Event{
		&setText{id: "e3", doc: "Note_a", text: "a3"},
		&setText{id: "e4", fail: true},
	})
	require.Error(t, err)

	rec, err := m.Store().GetDocumentBlob(ctx, "Note_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), rec.Data)

	events, err := m.Store().ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
}
