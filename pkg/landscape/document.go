// Package landscape models a region as a tree of edit layers over immutable
// base assets. Edits are split into chunk documents so that a region can be
// loaded and synced piecemeal. The merge functions compose base content with
// the visible layers into the result a renderer or exporter consumes.
package landscape

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/instanceid"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
)

const (
	TypeLandscape = "LandscapeDocument"

	BaseLayerID   = "base"
	BaseLayerName = "Base"
)

func DocumentID(regionID uint16) string {
	return fmt.Sprintf("%s%04x", document.IDPrefix(TypeLandscape), regionID)
}

// Register makes the landscape document types loadable by m.
func Register(m *document.Manager) {
	m.Register(TypeLandscape, newLandscapeFromID)
	m.Register(TypeChunk, newChunkFromID)
}

// NewLayerID returns a fresh unique layer or group id.
func NewLayerID() string {
	return ulid.Make().String()
}

// NewInstanceID returns a fresh id for an object placed by a layer. The tag
// keeps it clear of base ids, which are small list indexes.
func NewInstanceID(t instanceid.Type) uint64 {
	id := ulid.Make()
	return instanceid.Encode(binary.BigEndian.Uint32(id[12:]), t)
}

// LandscapeDocument is a region's layer tree and the set of chunks that have
// edit documents.
type LandscapeDocument struct {
	document.Base

	mu       sync.RWMutex
	regionID uint16
	tree     *LayerTree
	chunkIDs map[uint16]bool

	m      *document.Manager
	assets assets.Reader
	chunks map[uint16]*document.Rental[*ChunkDocument]
	base   *baseCache
}

type landscapeData struct {
	V        int      `cbor:"v"`
	RegionID uint16   `cbor:"region"`
	Tree     treeData `cbor:"tree"`
	Chunks   []uint16 `cbor:"chunks"`
}

const landscapeDataVersion = 1

// NewLandscapeDocument returns an unsaved landscape with only the base layer.
func NewLandscapeDocument(regionID uint16) *LandscapeDocument {
	d := newLandscape(DocumentID(regionID))
	d.regionID = regionID
	_ = d.tree.Insert(nil, -1, Node{
		ID:         BaseLayerID,
		Name:       BaseLayerName,
		Kind:       KindLayer,
		IsBase:     true,
		IsVisible:  true,
		IsExported: true,
	})
	return d
}

func newLandscape(id string) *LandscapeDocument {
	d := &LandscapeDocument{
		tree:     NewLayerTree(),
		chunkIDs: make(map[uint16]bool),
		chunks:   make(map[uint16]*document.Rental[*ChunkDocument]),
		base:     newBaseCache(),
	}
	d.SetID(id)
	return d
}

func newLandscapeFromID(id string) document.Document {
	return newLandscape(id)
}

func (d *LandscapeDocument) TypeName() string {
	return TypeLandscape
}

func (d *LandscapeDocument) RegionID() uint16 {
	return d.regionID
}

// Init binds the document to the manager it was loaded through and to its
// asset reader.
func (d *LandscapeDocument) Init(_ context.Context, m *document.Manager) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m = m
	d.assets = m.Assets()
	return nil
}

func (d *LandscapeDocument) MarshalData() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	chunks := make([]uint16, 0, len(d.chunkIDs))
	for id := range d.chunkIDs {
		chunks = append(chunks, id)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i] < chunks[j] })
	return encMode.Marshal(landscapeData{
		V:        landscapeDataVersion,
		RegionID: d.regionID,
		Tree:     d.tree.data(),
		Chunks:   chunks,
	})
}

// UnmarshalData replaces the tree and chunk set and drops loaded chunks so
// they are re-rented against the new state.
func (d *LandscapeDocument) UnmarshalData(data []byte) error {
	var ld landscapeData
	if err := decMode.Unmarshal(data, &ld); err != nil {
		return err
	}
	if ld.V != landscapeDataVersion {
		return fmt.Errorf("unsupported landscape data version %d", ld.V)
	}
	tree, err := treeFromData(ld.Tree)
	if err != nil {
		return err
	}
	chunkIDs := make(map[uint16]bool, len(ld.Chunks))
	for _, id := range ld.Chunks {
		chunkIDs[id] = true
	}
	d.mu.Lock()
	d.regionID = ld.RegionID
	d.tree = tree
	d.chunkIDs = chunkIDs
	loaded := d.chunks
	d.chunks = make(map[uint16]*document.Rental[*ChunkDocument])
	d.mu.Unlock()
	for _, r := range loaded {
		r.Release()
	}
	return nil
}

// Close releases the chunks this document holds. The document stays usable
// and re-rents chunks on demand.
func (d *LandscapeDocument) Close() error {
	d.mu.Lock()
	loaded := d.chunks
	d.chunks = make(map[uint16]*document.Rental[*ChunkDocument])
	d.mu.Unlock()
	for _, r := range loaded {
		r.Release()
	}
	return nil
}

// Tree accessors. They copy so callers never see the arena.

func (d *LandscapeDocument) Node(id string) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Node(id)
}

func (d *LandscapeDocument) PathOf(id string) (GroupPath, int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.PathOf(id)
}

func (d *LandscapeDocument) Walk(fn func(n Node, depth int) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.tree.Walk(fn)
}

func (d *LandscapeDocument) Layers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Layers()
}

func (d *LandscapeDocument) IsItemVisible(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.IsItemVisible(id)
}

func (d *LandscapeDocument) IsItemExported(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.IsItemExported(id)
}

// Tree mutators, called by commands.

func (d *LandscapeDocument) AddNode(path GroupPath, index int, n Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Insert(path, index, n)
}

func (d *LandscapeDocument) RemoveNode(id string) (Node, GroupPath, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Remove(id)
}

func (d *LandscapeDocument) MoveNode(id string, path GroupPath, index int) (GroupPath, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Move(id, path, index)
}

func (d *LandscapeDocument) UpdateNode(id string, props LayerProps) (LayerProps, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Update(id, props)
}

// ChunkIDs lists the chunks that have edit documents.
func (d *LandscapeDocument) ChunkIDs() []uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint16, 0, len(d.chunkIDs))
	for id := range d.chunkIDs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *LandscapeDocument) manager() (*document.Manager, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.m == nil {
		return nil, result.Fatal("landscape %q is not bound to a manager", d.ID())
	}
	return d.m, nil
}

func missingChunk(id string, err error) error {
	if result.Is(err, result.KindNotFound) {
		return result.Fatal("chunk document %q is referenced by the landscape but missing", id).Wrap(err)
	}
	return err
}

// LoadChunk returns a chunk for reading, or nil if the chunk has no edits yet.
// The landscape keeps the rental until it is closed.
func (d *LandscapeDocument) LoadChunk(ctx context.Context, chunkID uint16) (*ChunkDocument, error) {
	d.mu.RLock()
	r, loaded := d.chunks[chunkID]
	registered := d.chunkIDs[chunkID]
	d.mu.RUnlock()
	if loaded {
		return r.Document(), nil
	}
	if !registered {
		return nil, nil
	}
	m, err := d.manager()
	if err != nil {
		return nil, err
	}
	id := ChunkDocumentID(d.regionID, chunkID)
	r, err = document.Rent[*ChunkDocument](ctx, m, id)
	if err != nil {
		return nil, missingChunk(id, err)
	}
	d.mu.Lock()
	if existing, ok := d.chunks[chunkID]; ok {
		d.mu.Unlock()
		r.Release()
		return existing.Document(), nil
	}
	d.chunks[chunkID] = r
	d.mu.Unlock()
	return r.Document(), nil
}

// LoadChunkTx rents a chunk for modification in tx, creating and registering
// its document on first use. A newly registered chunk changes the landscape,
// so the caller must have rented the landscape in tx and persists it.
func (d *LandscapeDocument) LoadChunkTx(ctx context.Context, tx *store.Tx, chunkID uint16) (*document.Rental[*ChunkDocument], bool, error) {
	m, err := d.manager()
	if err != nil {
		return nil, false, err
	}
	d.mu.RLock()
	registered := d.chunkIDs[chunkID]
	d.mu.RUnlock()
	id := ChunkDocumentID(d.regionID, chunkID)
	if registered {
		r, err := document.RentTx[*ChunkDocument](ctx, m, tx, id)
		if err != nil {
			return nil, false, missingChunk(id, err)
		}
		return r, false, nil
	}
	r, err := document.Create(ctx, m, tx, NewChunkDocument(d.regionID, chunkID))
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	d.chunkIDs[chunkID] = true
	d.mu.Unlock()
	return r, true, nil
}

// VerifyChunks loads every registered chunk and fails if any is missing.
func (d *LandscapeDocument) VerifyChunks(ctx context.Context) error {
	for _, id := range d.ChunkIDs() {
		if _, err := d.LoadChunk(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
