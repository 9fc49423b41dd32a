package command

import (
	"context"
	"sort"

	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
)

// CreateLandscape creates a region's landscape document with its base layer.
type CreateLandscape struct {
	Header   `cbor:"-"`
	RegionID uint16 `cbor:"region"`
}

func NewCreateLandscape(userID string, regionID uint16) *CreateLandscape {
	return &CreateLandscape{Header: NewHeader(landscape.DocumentID(regionID), userID), RegionID: regionID}
}

func (c *CreateLandscape) Kind() Kind { return KindCreateLandscape }

func (c *CreateLandscape) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	if err := checkHeader(&c.Header); err != nil {
		return nil, err
	}
	if want := landscape.DocumentID(c.RegionID); c.DocumentID != want {
		return nil, result.Validation("landscape for region %04x must have id %q", c.RegionID, want)
	}
	r, err := document.Create(ctx, m, tx, landscape.NewLandscapeDocument(c.RegionID))
	if err != nil {
		return nil, err
	}
	defer r.Release()
	return c.DocumentID, nil
}

func (c *CreateLandscape) Inverse() (Command, error) {
	return nil, result.Validation("%s cannot be inverted", c.Kind())
}

// CreateLayer adds a layer and returns its id. Restore carries per-chunk edits
// when the layer is being recreated by the inverse of DeleteLayer.
type CreateLayer struct {
	Header     `cbor:"-"`
	LayerID    string                                `cbor:"layer"`
	Name       string                                `cbor:"name"`
	Path       landscape.GroupPath                   `cbor:"path,omitempty"`
	Index      int                                   `cbor:"index"`
	IsVisible  bool                                  `cbor:"visible"`
	IsExported bool                                  `cbor:"exported"`
	Restore    map[uint16]*landscape.ChunkLayerEdits `cbor:"restore,omitempty"`
}

func NewCreateLayer(userID, documentID, name string, path landscape.GroupPath) *CreateLayer {
	return &CreateLayer{
		Header:     NewHeader(documentID, userID),
		LayerID:    landscape.NewLayerID(),
		Name:       name,
		Path:       path,
		Index:      -1,
		IsVisible:  true,
		IsExported: true,
	}
}

func (c *CreateLayer) Kind() Kind { return KindCreateLayer }

func (c *CreateLayer) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	r, err := rentLandscape(ctx, m, tx, &c.Header)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	doc := r.Document()
	if c.LayerID == "" {
		c.LayerID = landscape.NewLayerID()
	}
	if err := doc.AddNode(c.Path, c.Index, landscape.Node{
		ID:         c.LayerID,
		Name:       c.Name,
		Kind:       landscape.KindLayer,
		IsVisible:  c.IsVisible,
		IsExported: c.IsExported,
	}); err != nil {
		return nil, err
	}
	for _, chunkID := range sortedChunks(c.Restore) {
		rc, _, err := doc.LoadChunkTx(ctx, tx, chunkID)
		if err != nil {
			return nil, err
		}
		err = rc.Document().RestoreLayer(c.LayerID, c.Restore[chunkID])
		if err == nil {
			err = m.PersistDocument(ctx, tx, rc.Document())
		}
		rc.Release()
		if err != nil {
			return nil, err
		}
	}
	if err := m.PersistDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	return c.LayerID, nil
}

func (c *CreateLayer) Inverse() (Command, error) {
	return &DeleteLayer{Header: inverseHeader(&c.Header), LayerID: c.LayerID}, nil
}

// DeleteLayer removes a layer and every chunk's edits for it. Apply captures
// enough to recreate the layer in place.
type DeleteLayer struct {
	Header     `cbor:"-"`
	LayerID    string                                `cbor:"layer"`
	Name       string                                `cbor:"name,omitempty"`
	Path       landscape.GroupPath                   `cbor:"path,omitempty"`
	Index      int                                   `cbor:"index"`
	IsVisible  bool                                  `cbor:"visible"`
	IsExported bool                                  `cbor:"exported"`
	Edits      map[uint16]*landscape.ChunkLayerEdits `cbor:"edits,omitempty"`
}

func NewDeleteLayer(userID, documentID, layerID string) *DeleteLayer {
	return &DeleteLayer{Header: NewHeader(documentID, userID), LayerID: layerID}
}

func (c *DeleteLayer) Kind() Kind { return KindDeleteLayer }

func (c *DeleteLayer) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	r, err := rentLandscape(ctx, m, tx, &c.Header)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	doc := r.Document()
	if _, err := requireLayer(doc, c.LayerID); err != nil {
		return nil, err
	}
	n, path, index, err := doc.RemoveNode(c.LayerID)
	if err != nil {
		return nil, err
	}
	c.Name, c.Path, c.Index = n.Name, path, index
	c.IsVisible, c.IsExported = n.IsVisible, n.IsExported
	c.Edits = nil
	for _, chunkID := range doc.ChunkIDs() {
		rc, _, err := doc.LoadChunkTx(ctx, tx, chunkID)
		if err != nil {
			return nil, err
		}
		edits := rc.Document().RemoveLayer(c.LayerID)
		if edits != nil {
			if c.Edits == nil {
				c.Edits = make(map[uint16]*landscape.ChunkLayerEdits)
			}
			c.Edits[chunkID] = edits
			err = m.PersistDocument(ctx, tx, rc.Document())
		}
		rc.Release()
		if err != nil {
			return nil, err
		}
	}
	if err := m.PersistDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeleteLayer) Inverse() (Command, error) {
	return &CreateLayer{
		Header:     inverseHeader(&c.Header),
		LayerID:    c.LayerID,
		Name:       c.Name,
		Path:       c.Path,
		Index:      c.Index,
		IsVisible:  c.IsVisible,
		IsExported: c.IsExported,
		Restore:    c.Edits,
	}, nil
}

type CreateGroup struct {
	Header     `cbor:"-"`
	GroupID    string              `cbor:"group"`
	Name       string              `cbor:"name"`
	Path       landscape.GroupPath `cbor:"path,omitempty"`
	Index      int                 `cbor:"index"`
	IsVisible  bool                `cbor:"visible"`
	IsExported bool                `cbor:"exported"`
}

func NewCreateGroup(userID, documentID, name string, path landscape.GroupPath) *CreateGroup {
	return &CreateGroup{
		Header:     NewHeader(documentID, userID),
		GroupID:    landscape.NewLayerID(),
		Name:       name,
		Path:       path,
		Index:      -1,
		IsVisible:  true,
		IsExported: true,
	}
}

func (c *CreateGroup) Kind() Kind { return KindCreateGroup }

func (c *CreateGroup) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	r, err := rentLandscape(ctx, m, tx, &c.Header)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	if c.GroupID == "" {
		c.GroupID = landscape.NewLayerID()
	}
	if err := r.Document().AddNode(c.Path, c.Index, landscape.Node{
		ID:         c.GroupID,
		Name:       c.Name,
		Kind:       landscape.KindGroup,
		IsVisible:  c.IsVisible,
		IsExported: c.IsExported,
	}); err != nil {
		return nil, err
	}
	if err := m.PersistDocument(ctx, tx, r.Document()); err != nil {
		return nil, err
	}
	return c.GroupID, nil
}

func (c *CreateGroup) Inverse() (Command, error) {
	return &DeleteGroup{Header: inverseHeader(&c.Header), GroupID: c.GroupID}, nil
}

// DeleteGroup removes an empty group.
type DeleteGroup struct {
	Header     `cbor:"-"`
	GroupID    string              `cbor:"group"`
	Name       string              `cbor:"name,omitempty"`
	Path       landscape.GroupPath `cbor:"path,omitempty"`
	Index      int                 `cbor:"index"`
	IsVisible  bool                `cbor:"visible"`
	IsExported bool                `cbor:"exported"`
}

func NewDeleteGroup(userID, documentID, groupID string) *DeleteGroup {
	return &DeleteGroup{Header: NewHeader(documentID, userID), GroupID: groupID}
}

func (c *DeleteGroup) Kind() Kind { return KindDeleteGroup }

func (c *DeleteGroup) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	r, err := rentLandscape(ctx, m, tx, &c.Header)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	doc := r.Document()
	if _, err := requireGroup(doc, c.GroupID); err != nil {
		return nil, err
	}
	n, path, index, err := doc.RemoveNode(c.GroupID)
	if err != nil {
		return nil, err
	}
	c.Name, c.Path, c.Index = n.Name, path, index
	c.IsVisible, c.IsExported = n.IsVisible, n.IsExported
	if err := m.PersistDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeleteGroup) Inverse() (Command, error) {
	return &CreateGroup{
		Header:     inverseHeader(&c.Header),
		GroupID:    c.GroupID,
		Name:       c.Name,
		Path:       c.Path,
		Index:      c.Index,
		IsVisible:  c.IsVisible,
		IsExported: c.IsExported,
	}, nil
}

// UpdateLayer changes the name or flags of a layer or group.
type UpdateLayer struct {
	Header        `cbor:"-"`
	LayerID       string               `cbor:"layer"`
	Changes       landscape.LayerProps `cbor:"changes"`
	PreviousState landscape.LayerProps `cbor:"previous"`
}

func NewUpdateLayer(userID, documentID, layerID string, changes landscape.LayerProps) *UpdateLayer {
	return &UpdateLayer{Header: NewHeader(documentID, userID), LayerID: layerID, Changes: changes}
}

// SetVisible is the common UpdateLayer.
func SetVisible(userID, documentID, layerID string, visible bool) *UpdateLayer {
	return NewUpdateLayer(userID, documentID, layerID, landscape.LayerProps{IsVisible: &visible})
}

func (c *UpdateLayer) Kind() Kind { return KindUpdateLayer }

func (c *UpdateLayer) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	if c.Changes.Empty() {
		return nil, result.Validation("update of %q changes nothing", c.LayerID)
	}
	r, err := rentLandscape(ctx, m, tx, &c.Header)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	prev, err := r.Document().UpdateNode(c.LayerID, c.Changes)
	if err != nil {
		return nil, err
	}
	c.PreviousState = prev
	if err := m.PersistDocument(ctx, tx, r.Document()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *UpdateLayer) Inverse() (Command, error) {
	return &UpdateLayer{
		Header:        inverseHeader(&c.Header),
		LayerID:       c.LayerID,
		Changes:       c.PreviousState,
		PreviousState: c.Changes,
	}, nil
}

// MoveLayer moves a layer or group to another position in the tree.
type MoveLayer struct {
	Header        `cbor:"-"`
	LayerID       string              `cbor:"layer"`
	Path          landscape.GroupPath `cbor:"path,omitempty"`
	Index         int                 `cbor:"index"`
	PreviousPath  landscape.GroupPath `cbor:"previous_path,omitempty"`
	PreviousIndex int                 `cbor:"previous_index"`
}

func NewMoveLayer(userID, documentID, layerID string, path landscape.GroupPath, index int) *MoveLayer {
	return &MoveLayer{Header: NewHeader(documentID, userID), LayerID: layerID, Path: path, Index: index}
}

func (c *MoveLayer) Kind() Kind { return KindMoveLayer }

func (c *MoveLayer) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	r, err := rentLandscape(ctx, m, tx, &c.Header)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	path, index, err := r.Document().MoveNode(c.LayerID, c.Path, c.Index)
	if err != nil {
		return nil, err
	}
	c.PreviousPath, c.PreviousIndex = path, index
	if err := m.PersistDocument(ctx, tx, r.Document()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *MoveLayer) Inverse() (Command, error) {
	return &MoveLayer{
		Header:        inverseHeader(&c.Header),
		LayerID:       c.LayerID,
		Path:          c.PreviousPath,
		Index:         c.PreviousIndex,
		PreviousPath:  c.Path,
		PreviousIndex: c.Index,
	}, nil
}

func sortedChunks(m map[uint16]*landscape.ChunkLayerEdits) []uint16 {
	out := make([]uint16, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
