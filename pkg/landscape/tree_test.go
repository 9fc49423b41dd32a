package landscape_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/result"
)

func layer(id string) landscape.Node {
	return landscape.Node{ID: id, Name: id, Kind: landscape.KindLayer, IsVisible: true, IsExported: true}
}

func group(id string) landscape.Node {
	return landscape.Node{ID: id, Name: id, Kind: landscape.KindGroup, IsVisible: true, IsExported: true}
}

func sampleTree(t *testing.T) *landscape.LayerTree {
	tree := landscape.NewLayerTree()
	base := layer("base")
	base.IsBase = true
	require.NoError(t, tree.Insert(nil, -1, base))
	require.NoError(t, tree.Insert(nil, -1, group("g1")))
	require.NoError(t, tree.Insert(landscape.GroupPath{"g1"}, -1, layer("l1")))
	require.NoError(t, tree.Insert(landscape.GroupPath{"g1"}, -1, group("g2")))
	require.NoError(t, tree.Insert(landscape.GroupPath{"g1", "g2"}, -1, layer("l2")))
	require.NoError(t, tree.Insert(nil, -1, layer("l3")))
	return tree
}

func TestTreeRejectsInvalidInserts(t *testing.T) {
	tree := sampleTree(t)

	second := layer("other-base")
	second.IsBase = true
	err := tree.Insert(nil, -1, second)
	assert.True(t, result.Is(err, result.KindValidation))

	err = tree.Insert(nil, -1, layer("l1"))
	assert.True(t, result.Is(err, result.KindValidation))

	err = tree.Insert(landscape.GroupPath{"missing"}, -1, layer("x"))
	assert.True(t, result.Is(err, result.KindValidation))

	// l2 lives under g1/g2, not directly under g2.
	err = tree.Insert(landscape.GroupPath{"g2"}, -1, layer("x"))
	assert.True(t, result.Is(err, result.KindValidation))

	err = tree.Insert(landscape.GroupPath{"l3"}, -1, layer("x"))
	assert.True(t, result.Is(err, result.KindValidation))

	assert.Equal(t, 6, tree.Len())
}

func TestTreeWalkOrder(t *testing.T) {
	tree := sampleTree(t)
	var ids []string
	var depths []int
	tree.Walk(func(n landscape.Node, depth int) bool {
		ids = append(ids, n.ID)
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []string{"base", "g1", "l1", "g2", "l2", "l3"}, ids)
	assert.Equal(t, []int{0, 0, 1, 1, 2, 0}, depths)
	assert.Equal(t, []string{"base", "l1", "l2", "l3"}, tree.Layers())

	require.NoError(t, tree.Insert(nil, 1, layer("first")))
	assert.Equal(t, []string{"base", "first", "l1", "l2", "l3"}, tree.Layers())
}

func TestVisibilityIsConjunctionOverAncestors(t *testing.T) {
	tree := sampleTree(t)
	assert.True(t, tree.IsItemVisible("l2"))

	hidden := false
	_, err := tree.Update("g1", landscape.LayerProps{IsVisible: &hidden})
	require.NoError(t, err)
	assert.False(t, tree.IsItemVisible("l1"))
	assert.False(t, tree.IsItemVisible("l2"))
	assert.True(t, tree.IsItemVisible("l3"))
	assert.True(t, tree.IsItemExported("l2"))

	_, err = tree.Update("g2", landscape.LayerProps{IsExported: &hidden})
	require.NoError(t, err)
	assert.False(t, tree.IsItemExported("l2"))
	assert.True(t, tree.IsItemExported("l1"))

	n, ok := tree.Node("l2")
	require.True(t, ok)
	assert.True(t, n.IsVisible)
}

func TestUpdateReturnsPreviousProps(t *testing.T) {
	tree := sampleTree(t)
	name := "renamed"
	prev, err := tree.Update("l1", landscape.LayerProps{Name: &name})
	require.NoError(t, err)
	require.NotNil(t, prev.Name)
	assert.Equal(t, "l1", *prev.Name)
	assert.Nil(t, prev.IsVisible)

	_, err = tree.Update("l1", prev)
	require.NoError(t, err)
	n, _ := tree.Node("l1")
	assert.Equal(t, "l1", n.Name)

	_, err = tree.Update("nope", prev)
	assert.Equal(t, result.CodeLayerNotFound, result.CodeOf(err))
}

func TestRemoveAndMove(t *testing.T) {
	tree := sampleTree(t)

	_, _, _, err := tree.Remove("base")
	assert.True(t, result.Is(err, result.KindValidation))
	_, _, _, err = tree.Remove("g1")
	assert.True(t, result.Is(err, result.KindValidation))

	n, path, index, err := tree.Remove("l2")
	require.NoError(t, err)
	assert.Equal(t, "l2", n.ID)
	assert.Equal(t, landscape.GroupPath{"g1", "g2"}, path)
	assert.Equal(t, 0, index)
	require.NoError(t, tree.Insert(path, index, n))
	assert.Equal(t, []string{"base", "l1", "l2", "l3"}, tree.Layers())

	_, _, err = tree.Move("g1", landscape.GroupPath{"g1", "g2"}, -1)
	assert.True(t, result.Is(err, result.KindValidation))

	oldPath, oldIndex, err := tree.Move("l3", landscape.GroupPath{"g1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "l3", "l1", "l2"}, tree.Layers())
	_, _, err = tree.Move("l3", oldPath, oldIndex)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "l1", "l2", "l3"}, tree.Layers())
}
