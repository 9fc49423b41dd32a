package undo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/command"
	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/store/storetest"
	"github.com/astromechza/landscape-sync/pkg/undo"
)

const user = "alice"

type world struct {
	t    *testing.T
	m    *document.Manager
	exec *command.Executor
}

func newWorld(t *testing.T) *world {
	m := document.NewManager(document.Config{Store: storetest.New(t), Assets: assets.NewMemory(), IdleCapacity: 4})
	landscape.Register(m)
	return &world{t: t, m: m, exec: command.NewExecutor(m)}
}

// region creates a landscape with one layer and returns its document id and
// the layer id.
func (w *world) region(id uint16) (string, string) {
	ctx := context.Background()
	_, err := w.exec.Apply(ctx, command.NewCreateLandscape(user, id))
	require.NoError(w.t, err)
	docID := landscape.DocumentID(id)
	out, err := w.exec.Apply(ctx, command.NewCreateLayer(user, docID, "Layer1", nil))
	require.NoError(w.t, err)
	return docID, out.(string)
}

func (w *world) name(docID, layerID string) string {
	r, err := document.Rent[*landscape.LandscapeDocument](context.Background(), w.m, docID)
	require.NoError(w.t, err)
	defer r.Release()
	n, ok := r.Document().Node(layerID)
	require.True(w.t, ok)
	return n.Name
}

func rename(docID, layerID, name string) *command.UpdateLayer {
	return command.NewUpdateLayer(user, docID, layerID, landscape.LayerProps{Name: &name})
}

func TestUndoRedoAcrossDocuments(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	doc1, layer1 := w.region(1)
	doc2, layer2 := w.region(2)
	s := undo.New(w.exec, undo.Config{UserID: user})

	_, err := s.Do(ctx, rename(doc1, layer1, "north"), rename(doc2, layer2, "south"))
	require.NoError(t, err)
	assert.Equal(t, "north", w.name(doc1, layer1))
	assert.Equal(t, "south", w.name(doc2, layer2))
	assert.True(t, s.CanUndo())
	assert.False(t, s.CanRedo())

	inverses, err := s.Undo(ctx)
	require.NoError(t, err)
	require.Len(t, inverses, 2)
	assert.Equal(t, doc2, inverses[0].Head().DocumentID)
	assert.Equal(t, "Layer1", w.name(doc1, layer1))
	assert.Equal(t, "Layer1", w.name(doc2, layer2))
	assert.False(t, s.CanUndo())
	assert.True(t, s.CanRedo())

	redone, err := s.Redo(ctx)
	require.NoError(t, err)
	require.Len(t, redone, 2)
	assert.Equal(t, "north", w.name(doc1, layer1))
	assert.Equal(t, "south", w.name(doc2, layer2))

	// Redo logs new applications rather than replaying old ids.
	events, err := w.m.Store().ListEvents(ctx, 100)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, ev := range events {
		assert.False(t, ids[ev.ID])
		ids[ev.ID] = true
	}

	_, err = s.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Layer1", w.name(doc1, layer1))
}

func TestFailedUndoLeavesUnitInPlace(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	doc1, layer1 := w.region(1)
	doc2, layer2 := w.region(2)
	s := undo.New(w.exec, undo.Config{})

	_, err := s.Do(ctx, rename(doc1, layer1, "north"), rename(doc2, layer2, "south"))
	require.NoError(t, err)

	// Deleting the second layer outside the stack makes its inverse fail.
	_, err = w.exec.Apply(ctx, command.NewDeleteLayer(user, doc2, layer2))
	require.NoError(t, err)

	_, err = s.Undo(ctx)
	require.Error(t, err)
	assert.True(t, s.CanUndo())
	assert.False(t, s.CanRedo())
	assert.Equal(t, "north", w.name(doc1, layer1))
}

func TestPushClearsRedoAndHonorsLimit(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	doc1, layer1 := w.region(1)
	s := undo.New(w.exec, undo.Config{Limit: 2})

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Do(ctx, rename(doc1, layer1, name))
		require.NoError(t, err)
	}
	_, err := s.Undo(ctx)
	require.NoError(t, err)
	_, err = s.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", w.name(doc1, layer1))
	_, err = s.Undo(ctx)
	assert.ErrorIs(t, err, undo.ErrEmpty)

	_, err = s.Redo(ctx)
	require.NoError(t, err)
	_, err = s.Do(ctx, rename(doc1, layer1, "d"))
	require.NoError(t, err)
	assert.False(t, s.CanRedo())

	s.Clear()
	assert.False(t, s.CanUndo())
	_, err = s.Redo(ctx)
	assert.ErrorIs(t, err, undo.ErrEmpty)
}
