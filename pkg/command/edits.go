package command

import (
	"context"

	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/instanceid"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
)

// UpdateLandblock changes one layer's edits for one landblock.
type UpdateLandblock struct {
	Header        `cbor:"-"`
	LayerID       string                   `cbor:"layer"`
	LandblockID   uint32                   `cbor:"landblock"`
	Changes       landscape.LandblockDelta `cbor:"changes"`
	PreviousState landscape.LandblockDelta `cbor:"previous"`
}

func (c *UpdateLandblock) Kind() Kind { return KindUpdateLandblock }

func (c *UpdateLandblock) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	if c.Changes.Empty() {
		return nil, result.Validation("update of landblock %08x changes nothing", c.LandblockID)
	}
	if c.LandblockID&0xFFFF != 0 {
		return nil, result.Validation("%08x is not a landblock id", c.LandblockID)
	}
	if err := c.Changes.Validate(); err != nil {
		return nil, err
	}
	err := withChunk(ctx, m, tx, &c.Header, c.LayerID, c.LandblockID, func(chunk *landscape.ChunkDocument) error {
		prev, err := chunk.ApplyLandblockDelta(c.LayerID, c.LandblockID, c.Changes)
		c.PreviousState = prev
		return err
	})
	return nil, err
}

func (c *UpdateLandblock) Inverse() (Command, error) {
	return &UpdateLandblock{
		Header:        inverseHeader(&c.Header),
		LayerID:       c.LayerID,
		LandblockID:   c.LandblockID,
		Changes:       c.PreviousState,
		PreviousState: c.Changes,
	}, nil
}

// UpdateEnvCell changes one layer's edits for one cell.
type UpdateEnvCell struct {
	Header        `cbor:"-"`
	LayerID       string                 `cbor:"layer"`
	CellID        uint32                 `cbor:"cell"`
	Changes       landscape.EnvCellDelta `cbor:"changes"`
	PreviousState landscape.EnvCellDelta `cbor:"previous"`
}

func (c *UpdateEnvCell) Kind() Kind { return KindUpdateEnvCell }

func (c *UpdateEnvCell) Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error) {
	if c.Changes.Empty() {
		return nil, result.Validation("update of cell %08x changes nothing", c.CellID)
	}
	if c.CellID&0xFFFF == 0 {
		return nil, result.Validation("%08x is not a cell id", c.CellID)
	}
	err := withChunk(ctx, m, tx, &c.Header, c.LayerID, c.CellID, func(chunk *landscape.ChunkDocument) error {
		prev, err := chunk.ApplyEnvCellDelta(c.LayerID, c.CellID, c.Changes)
		c.PreviousState = prev
		return err
	})
	return nil, err
}

func (c *UpdateEnvCell) Inverse() (Command, error) {
	return &UpdateEnvCell{
		Header:        inverseHeader(&c.Header),
		LayerID:       c.LayerID,
		CellID:        c.CellID,
		Changes:       c.PreviousState,
		PreviousState: c.Changes,
	}, nil
}

// withChunk rents the landscape and the chunk holding id, runs fn and persists
// what changed.
func withChunk(ctx context.Context, m *document.Manager, tx *store.Tx, h *Header, layerID string, id uint32, fn func(*landscape.ChunkDocument) error) error {
	r, err := rentLandscape(ctx, m, tx, h)
	if err != nil {
		return err
	}
	defer r.Release()
	doc := r.Document()
	if _, err := requireLayer(doc, layerID); err != nil {
		return err
	}
	rc, created, err := doc.LoadChunkTx(ctx, tx, landscape.ChunkOf(id))
	if err != nil {
		return err
	}
	defer rc.Release()
	if err := fn(rc.Document()); err != nil {
		return err
	}
	if err := m.PersistDocument(ctx, tx, rc.Document()); err != nil {
		return err
	}
	if created {
		return m.PersistDocument(ctx, tx, doc)
	}
	return nil
}

// AddStaticObject places obj in a landblock. A zero InstanceID gets a fresh one.
func AddStaticObject(userID, documentID, layerID string, landblockID uint32, obj landscape.StaticObject) *UpdateLandblock {
	if obj.InstanceID == 0 {
		obj.InstanceID = landscape.NewInstanceID(instanceid.StaticObject)
	}
	return &UpdateLandblock{
		Header:      NewHeader(documentID, userID),
		LayerID:     layerID,
		LandblockID: landblockID,
		Changes: landscape.LandblockDelta{
			StaticObjects: map[uint64]*landscape.StaticObject{obj.InstanceID: &obj},
		},
	}
}

// RemoveInstance hides the object with instanceID from this layer onwards,
// whether it comes from the base or from an earlier layer.
func RemoveInstance(userID, documentID, layerID string, landblockID uint32, instanceID uint64) *UpdateLandblock {
	return &UpdateLandblock{
		Header:      NewHeader(documentID, userID),
		LayerID:     layerID,
		LandblockID: landblockID,
		Changes: landscape.LandblockDelta{
			Removed: map[uint64]bool{instanceID: true},
		},
	}
}

func SetTerrain(userID, documentID, layerID string, landblockID uint32, vertex uint8, entry landscape.TerrainEntry) *UpdateLandblock {
	return &UpdateLandblock{
		Header:      NewHeader(documentID, userID),
		LayerID:     layerID,
		LandblockID: landblockID,
		Changes: landscape.LandblockDelta{
			Terrain: map[uint8]landscape.TerrainEntry{vertex: entry},
		},
	}
}

func SetEnvCell(userID, documentID, layerID string, cellID uint32, fields landscape.EnvCellFields) *UpdateEnvCell {
	return &UpdateEnvCell{
		Header:  NewHeader(documentID, userID),
		LayerID: layerID,
		CellID:  cellID,
		Changes: landscape.EnvCellDelta{Fields: &fields},
	}
}
