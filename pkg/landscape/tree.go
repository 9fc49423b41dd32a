package landscape

import (
	"github.com/astromechza/landscape-sync/pkg/result"
)

type NodeKind int

const (
	KindLayer NodeKind = iota + 1
	KindGroup
)

func (k NodeKind) String() string {
	switch k {
	case KindLayer:
		return "layer"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Node is one entry of the layer tree. Parent and Children are ids into the
// tree's arena.
type Node struct {
	ID         string   `cbor:"id"`
	Name       string   `cbor:"name"`
	Kind       NodeKind `cbor:"kind"`
	IsBase     bool     `cbor:"base,omitempty"`
	IsVisible  bool     `cbor:"visible"`
	IsExported bool     `cbor:"exported"`
	Parent     string   `cbor:"parent,omitempty"`
	Children   []string `cbor:"children,omitempty"`
}

func (n Node) clone() Node {
	n.Children = append([]string(nil), n.Children...)
	return n
}

// GroupPath lists group ids from a root down to the parent of a node. An empty
// path is the top level.
type GroupPath []string

// LayerProps is a partial update of a node. Nil fields are left untouched.
type LayerProps struct {
	Name       *string `cbor:"name,omitempty"`
	IsVisible  *bool   `cbor:"visible,omitempty"`
	IsExported *bool   `cbor:"exported,omitempty"`
}

func (p LayerProps) Empty() bool {
	return p.Name == nil && p.IsVisible == nil && p.IsExported == nil
}

// LayerTree is an ordered forest of layers and groups stored as an arena.
// It is not safe for concurrent use; LandscapeDocument guards it.
type LayerTree struct {
	nodes map[string]*Node
	roots []string
}

type treeData struct {
	Roots []string         `cbor:"roots"`
	Nodes map[string]*Node `cbor:"nodes"`
}

func NewLayerTree() *LayerTree {
	return &LayerTree{nodes: make(map[string]*Node)}
}

func (t *LayerTree) data() treeData {
	return treeData{Roots: t.roots, Nodes: t.nodes}
}

// treeFromData rebuilds a tree and checks its structural invariants.
func treeFromData(d treeData) (*LayerTree, error) {
	t := &LayerTree{nodes: d.Nodes, roots: d.Roots}
	if t.nodes == nil {
		t.nodes = make(map[string]*Node)
	}
	seen := make(map[string]bool, len(t.nodes))
	bases := 0
	var visit func(parent string, ids []string) error
	visit = func(parent string, ids []string) error {
		for _, id := range ids {
			n, ok := t.nodes[id]
			if !ok {
				return result.Validation("layer tree references unknown node %q", id)
			}
			if seen[id] {
				return result.Validation("layer tree node %q appears twice", id)
			}
			seen[id] = true
			if n.Parent != parent {
				return result.Validation("layer tree node %q has parent %q, expected %q", id, n.Parent, parent)
			}
			if n.IsBase {
				bases++
			}
			if err := visit(id, n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit("", t.roots); err != nil {
		return nil, err
	}
	if len(seen) != len(t.nodes) {
		return nil, result.Validation("layer tree has %d unreachable nodes", len(t.nodes)-len(seen))
	}
	if bases != 1 {
		return nil, result.Validation("layer tree has %d base layers", bases)
	}
	return t, nil
}

func (t *LayerTree) Len() int {
	return len(t.nodes)
}

func (t *LayerTree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

func (t *LayerTree) Base() (Node, bool) {
	for _, n := range t.nodes {
		if n.IsBase {
			return n.clone(), true
		}
	}
	return Node{}, false
}

func (t *LayerTree) children(parent string) []string {
	if parent == "" {
		return t.roots
	}
	return t.nodes[parent].Children
}

func (t *LayerTree) setChildren(parent string, ids []string) {
	if parent == "" {
		t.roots = ids
		return
	}
	t.nodes[parent].Children = ids
}

// resolve returns the id of the group a path ends at, or "" for the top level.
func (t *LayerTree) resolve(path GroupPath) (string, error) {
	parent := ""
	for _, id := range path {
		n, ok := t.nodes[id]
		if !ok || n.Parent != parent {
			return "", result.Validation("group path %v does not resolve at %q", path, id)
		}
		if n.Kind != KindGroup {
			return "", result.Validation("group path %v passes through layer %q", path, id)
		}
		parent = id
	}
	return parent, nil
}

// PathOf returns the group path and sibling index of a node.
func (t *LayerTree) PathOf(id string) (GroupPath, int, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, 0, result.NotFound(result.CodeLayerNotFound, "layer %q does not exist", id)
	}
	var path GroupPath
	for p := n.Parent; p != ""; p = t.nodes[p].Parent {
		path = append(GroupPath{p}, path...)
	}
	return path, indexOf(t.children(n.Parent), id), nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func insertAt(ids []string, index int, id string) []string {
	if index < 0 || index >= len(ids) {
		return append(ids, id)
	}
	ids = append(ids, "")
	copy(ids[index+1:], ids[index:])
	ids[index] = id
	return ids
}

// Insert adds a node under the group at path. Index -1 appends.
func (t *LayerTree) Insert(path GroupPath, index int, n Node) error {
	if n.ID == "" {
		return result.Validation("layer id must not be empty")
	}
	if _, ok := t.nodes[n.ID]; ok {
		return result.Validation("layer id %q already exists", n.ID)
	}
	if n.Kind != KindLayer && n.Kind != KindGroup {
		return result.Validation("node %q has unknown kind %d", n.ID, n.Kind)
	}
	if n.IsBase {
		if n.Kind != KindLayer {
			return result.Validation("group %q cannot be the base layer", n.ID)
		}
		if b, ok := t.Base(); ok {
			return result.Validation("base layer already exists as %q", b.ID)
		}
	}
	if n.Kind == KindLayer && len(n.Children) > 0 {
		return result.Validation("layer %q cannot have children", n.ID)
	}
	if index < -1 {
		return result.Validation("invalid index %d", index)
	}
	parent, err := t.resolve(path)
	if err != nil {
		return err
	}
	n = n.clone()
	n.Parent = parent
	n.Children = nil
	t.nodes[n.ID] = &n
	t.setChildren(parent, insertAt(t.children(parent), index, n.ID))
	return nil
}

// Remove deletes a layer or an empty group and reports where it was.
func (t *LayerTree) Remove(id string) (Node, GroupPath, int, error) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, nil, 0, result.NotFound(result.CodeLayerNotFound, "layer %q does not exist", id)
	}
	if n.IsBase {
		return Node{}, nil, 0, result.Validation("base layer %q cannot be removed", id)
	}
	if len(n.Children) > 0 {
		return Node{}, nil, 0, result.Validation("group %q is not empty", id)
	}
	path, index, _ := t.PathOf(id)
	siblings := t.children(n.Parent)
	t.setChildren(n.Parent, append(siblings[:index:index], siblings[index+1:]...))
	delete(t.nodes, id)
	return n.clone(), path, index, nil
}

// Move relocates a node to another group path and index and returns its
// previous position.
func (t *LayerTree) Move(id string, path GroupPath, index int) (GroupPath, int, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, 0, result.NotFound(result.CodeLayerNotFound, "layer %q does not exist", id)
	}
	if index < -1 {
		return nil, 0, result.Validation("invalid index %d", index)
	}
	parent, err := t.resolve(path)
	if err != nil {
		return nil, 0, err
	}
	for p := parent; p != ""; p = t.nodes[p].Parent {
		if p == id {
			return nil, 0, result.Validation("cannot move %q into itself", id)
		}
	}
	oldPath, oldIndex, _ := t.PathOf(id)
	siblings := t.children(n.Parent)
	t.setChildren(n.Parent, append(siblings[:oldIndex:oldIndex], siblings[oldIndex+1:]...))
	n.Parent = parent
	t.setChildren(parent, insertAt(t.children(parent), index, id))
	return oldPath, oldIndex, nil
}

// Update applies props and returns the values they replaced.
func (t *LayerTree) Update(id string, props LayerProps) (LayerProps, error) {
	n, ok := t.nodes[id]
	if !ok {
		return LayerProps{}, result.NotFound(result.CodeLayerNotFound, "layer %q does not exist", id)
	}
	var prev LayerProps
	if props.Name != nil {
		name := n.Name
		prev.Name = &name
		n.Name = *props.Name
	}
	if props.IsVisible != nil {
		v := n.IsVisible
		prev.IsVisible = &v
		n.IsVisible = *props.IsVisible
	}
	if props.IsExported != nil {
		v := n.IsExported
		prev.IsExported = &v
		n.IsExported = *props.IsExported
	}
	return prev, nil
}

// Walk visits nodes depth first, parents before children, in sibling order.
// Returning false stops the walk.
func (t *LayerTree) Walk(fn func(n Node, depth int) bool) {
	var visit func(ids []string, depth int) bool
	visit = func(ids []string, depth int) bool {
		for _, id := range ids {
			n := t.nodes[id]
			if !fn(n.clone(), depth) {
				return false
			}
			if !visit(n.Children, depth+1) {
				return false
			}
		}
		return true
	}
	visit(t.roots, 0)
}

// Layers returns the layer ids in walk order.
func (t *LayerTree) Layers() []string {
	var out []string
	t.Walk(func(n Node, _ int) bool {
		if n.Kind == KindLayer {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}

func (t *LayerTree) all(id string, flag func(*Node) bool) bool {
	for id != "" {
		n, ok := t.nodes[id]
		if !ok || !flag(n) {
			return false
		}
		id = n.Parent
	}
	return true
}

// IsItemVisible is true when the node and every ancestor are visible.
func (t *LayerTree) IsItemVisible(id string) bool {
	return t.all(id, func(n *Node) bool { return n.IsVisible })
}

// IsItemExported is true when the node and every ancestor are exported.
func (t *LayerTree) IsItemExported(id string) bool {
	return t.all(id, func(n *Node) bool { return n.IsExported })
}
