package landscape

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/astromechza/landscape-sync/pkg/document"
)

const (
	TypeChunk = "LandscapeChunkDocument"

	// ChunkSize is the width of a chunk in landblocks.
	ChunkSize = 64
)

// ChunkOf returns the chunk holding a landblock or cell id.
func ChunkOf(id uint32) uint16 {
	x := id >> 24
	y := (id >> 16) & 0xFF
	return uint16((x/ChunkSize)<<8 | y/ChunkSize)
}

// LandblockOf returns the landblock id a cell id belongs to.
func LandblockOf(id uint32) uint32 {
	return id & 0xFFFF0000
}

func ChunkDocumentID(regionID, chunkID uint16) string {
	return fmt.Sprintf("%s%04x_%04x", document.IDPrefix(TypeChunk), regionID, chunkID)
}

// ChunkDocument holds every layer's edits for one chunk of a region.
type ChunkDocument struct {
	document.Base

	mu       sync.RWMutex
	regionID uint16
	chunkID  uint16
	layers   map[string]*ChunkLayerEdits
}

type chunkData struct {
	V        int                         `cbor:"v"`
	RegionID uint16                      `cbor:"region"`
	ChunkID  uint16                      `cbor:"chunk"`
	Layers   map[string]*ChunkLayerEdits `cbor:"layers"`
}

const chunkDataVersion = 1

func NewChunkDocument(regionID, chunkID uint16) *ChunkDocument {
	c := &ChunkDocument{
		regionID: regionID,
		chunkID:  chunkID,
		layers:   make(map[string]*ChunkLayerEdits),
	}
	c.SetID(ChunkDocumentID(regionID, chunkID))
	return c
}

func newChunkFromID(id string) document.Document {
	c := &ChunkDocument{layers: make(map[string]*ChunkLayerEdits)}
	c.SetID(id)
	return c
}

func (c *ChunkDocument) TypeName() string {
	return TypeChunk
}

func (c *ChunkDocument) ChunkID() uint16 {
	return c.chunkID
}

func (c *ChunkDocument) MarshalData() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return encMode.Marshal(chunkData{V: chunkDataVersion, RegionID: c.regionID, ChunkID: c.chunkID, Layers: c.layers})
}

func (c *ChunkDocument) UnmarshalData(data []byte) error {
	var d chunkData
	if err := decMode.Unmarshal(data, &d); err != nil {
		return err
	}
	if d.V != chunkDataVersion {
		return fmt.Errorf("unsupported chunk data version %d", d.V)
	}
	if d.Layers == nil {
		d.Layers = make(map[string]*ChunkLayerEdits)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regionID = d.RegionID
	c.chunkID = d.ChunkID
	c.layers = d.Layers
	return nil
}

// LayerIDs lists the layers with edits in this chunk.
func (c *ChunkDocument) LayerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.layers))
	for id := range c.layers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LayerEdits returns a deep copy of a layer's edits, or nil if it has none.
func (c *ChunkDocument) LayerEdits(layerID string) (*ChunkLayerEdits, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.layers[layerID]
	if !ok {
		return nil, nil
	}
	return cloneEdits(e)
}

func cloneEdits(e *ChunkLayerEdits) (*ChunkLayerEdits, error) {
	raw, err := encMode.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out ChunkLayerEdits
	if err := decMode.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveLayer drops a layer's edits and returns them.
func (c *ChunkDocument) RemoveLayer(layerID string) *ChunkLayerEdits {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.layers[layerID]
	delete(c.layers, layerID)
	return e
}

// RestoreLayer replaces a layer's edits wholesale with a copy of edits.
func (c *ChunkDocument) RestoreLayer(layerID string, edits *ChunkLayerEdits) error {
	if edits == nil || edits.empty() {
		c.mu.Lock()
		delete(c.layers, layerID)
		c.mu.Unlock()
		return nil
	}
	cp, err := cloneEdits(edits)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.layers[layerID] = cp
	c.mu.Unlock()
	return nil
}

func (c *ChunkDocument) layerLocked(layerID string) *ChunkLayerEdits {
	e, ok := c.layers[layerID]
	if !ok {
		e = &ChunkLayerEdits{}
		c.layers[layerID] = e
	}
	return e
}

// ApplyLandblockDelta changes a layer's edits for one landblock and returns
// the delta that undoes it.
func (c *ChunkDocument) ApplyLandblockDelta(layerID string, landblockID uint32, d LandblockDelta) (LandblockDelta, error) {
	if ChunkOf(landblockID) != c.chunkID {
		return LandblockDelta{}, fmt.Errorf("landblock %08x is not in chunk %04x", landblockID, c.chunkID)
	}
	if err := d.Validate(); err != nil {
		return LandblockDelta{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	layer := c.layerLocked(layerID)
	lb, ok := layer.Landblocks[landblockID]
	if !ok {
		lb = &LandblockEdits{}
	}
	prev := lb.apply(d)
	if lb.empty() {
		delete(layer.Landblocks, landblockID)
	} else {
		if layer.Landblocks == nil {
			layer.Landblocks = make(map[uint32]*LandblockEdits)
		}
		layer.Landblocks[landblockID] = lb
	}
	if layer.empty() {
		delete(c.layers, layerID)
	}
	return prev, nil
}

// ApplyEnvCellDelta is ApplyLandblockDelta for a cell.
func (c *ChunkDocument) ApplyEnvCellDelta(layerID string, cellID uint32, d EnvCellDelta) (EnvCellDelta, error) {
	if ChunkOf(cellID) != c.chunkID {
		return EnvCellDelta{}, fmt.Errorf("cell %08x is not in chunk %04x", cellID, c.chunkID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	layer := c.layerLocked(layerID)
	cell, ok := layer.Cells[cellID]
	if !ok {
		cell = &EnvCellEdits{}
	}
	prev := cell.apply(d)
	if cell.empty() {
		delete(layer.Cells, cellID)
	} else {
		if layer.Cells == nil {
			layer.Cells = make(map[uint32]*EnvCellEdits)
		}
		layer.Cells[cellID] = cell
	}
	if layer.empty() {
		delete(c.layers, layerID)
	}
	return prev, nil
}

// landblockEdits returns the live edits; callers hold c.mu for reading.
func (c *ChunkDocument) landblockEdits(layerID string, landblockID uint32) *LandblockEdits {
	if l, ok := c.layers[layerID]; ok {
		return l.Landblocks[landblockID]
	}
	return nil
}

func (c *ChunkDocument) envCellEdits(layerID string, cellID uint32) *EnvCellEdits {
	if l, ok := c.layers[layerID]; ok {
		return l.Cells[cellID]
	}
	return nil
}

// editedIDs lists every landblock and cell any layer touches.
func (c *ChunkDocument) editedIDs() (landblocks, cells []uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lbs := make(map[uint32]bool)
	cs := make(map[uint32]bool)
	for _, l := range c.layers {
		for id := range l.Landblocks {
			lbs[id] = true
		}
		for id := range l.Cells {
			cs[id] = true
		}
	}
	return sortedKeys(lbs), sortedKeys(cs)
}

func sortedKeys(m map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}
