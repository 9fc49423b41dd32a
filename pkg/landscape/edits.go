package landscape

import (
	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/result"
)

// TerrainEntry overrides individual fields of one terrain vertex.
type TerrainEntry struct {
	Height    *uint8 `cbor:"h,omitempty"`
	Texture   *uint8 `cbor:"t,omitempty"`
	Scenery   *uint8 `cbor:"s,omitempty"`
	Road      *uint8 `cbor:"r,omitempty"`
	Encounter *uint8 `cbor:"e,omitempty"`
}

func (e TerrainEntry) Empty() bool {
	return e.Height == nil && e.Texture == nil && e.Scenery == nil && e.Road == nil && e.Encounter == nil
}

func (e TerrainEntry) apply(v *assets.TerrainVertex) {
	if e.Height != nil {
		v.Height = *e.Height
	}
	if e.Texture != nil {
		v.Texture = *e.Texture
	}
	if e.Scenery != nil {
		v.Scenery = *e.Scenery
	}
	if e.Road != nil {
		v.Road = *e.Road
	}
	if e.Encounter != nil {
		v.Encounter = *e.Encounter
	}
}

type StaticObject struct {
	InstanceID uint64       `cbor:"id"`
	SetupID    uint32       `cbor:"setup"`
	Frame      assets.Frame `cbor:"frame"`
}

type Building struct {
	InstanceID uint64       `cbor:"id"`
	ModelID    uint32       `cbor:"model"`
	Frame      assets.Frame `cbor:"frame"`
	NumLeaves  uint32       `cbor:"leaves"`
}

// LandblockEdits is what one layer changes in one landblock. A removal
// suppresses any earlier object with that instance id, including base objects.
type LandblockEdits struct {
	Terrain          map[uint8]TerrainEntry  `cbor:"terrain,omitempty"`
	StaticObjects    map[uint64]StaticObject `cbor:"objects,omitempty"`
	RemovedObjects   map[uint64]bool         `cbor:"removed,omitempty"`
	Buildings        map[uint64]Building     `cbor:"buildings,omitempty"`
	RemovedBuildings map[uint64]bool         `cbor:"removed_buildings,omitempty"`
}

func (e *LandblockEdits) empty() bool {
	return len(e.Terrain) == 0 && len(e.StaticObjects) == 0 && len(e.RemovedObjects) == 0 &&
		len(e.Buildings) == 0 && len(e.RemovedBuildings) == 0
}

// EnvCellFields overrides the non-object content of a cell.
type EnvCellFields struct {
	EnvironmentID *uint16              `cbor:"env,omitempty"`
	CellStructure *uint16              `cbor:"structure,omitempty"`
	Surfaces      *[]uint16            `cbor:"surfaces,omitempty"`
	Portals       *[]assets.CellPortal `cbor:"portals,omitempty"`
}

func (f EnvCellFields) Empty() bool {
	return f.EnvironmentID == nil && f.CellStructure == nil && f.Surfaces == nil && f.Portals == nil
}

type EnvCellEdits struct {
	Fields         EnvCellFields           `cbor:"fields"`
	StaticObjects  map[uint64]StaticObject `cbor:"objects,omitempty"`
	RemovedObjects map[uint64]bool         `cbor:"removed,omitempty"`
}

func (e *EnvCellEdits) empty() bool {
	return e.Fields.Empty() && len(e.StaticObjects) == 0 && len(e.RemovedObjects) == 0
}

// ChunkLayerEdits holds one layer's edits within one chunk.
type ChunkLayerEdits struct {
	Landblocks map[uint32]*LandblockEdits `cbor:"landblocks,omitempty"`
	Cells      map[uint32]*EnvCellEdits   `cbor:"cells,omitempty"`
}

func (e *ChunkLayerEdits) empty() bool {
	return len(e.Landblocks) == 0 && len(e.Cells) == 0
}

// LandblockDelta describes a change to one landblock's edits in one layer.
// Every key present is set to the given value: a zero TerrainEntry clears the
// vertex override, a nil object means no object with that id, and a false
// removal clears the tombstone. Applying the delta returned by
// ApplyLandblockDelta restores the previous edits exactly.
type LandblockDelta struct {
	Terrain          map[uint8]TerrainEntry   `cbor:"terrain,omitempty"`
	StaticObjects    map[uint64]*StaticObject `cbor:"objects,omitempty"`
	Removed          map[uint64]bool          `cbor:"removed,omitempty"`
	Buildings        map[uint64]*Building     `cbor:"buildings,omitempty"`
	RemovedBuildings map[uint64]bool          `cbor:"removed_buildings,omitempty"`
}

func (d LandblockDelta) Empty() bool {
	return len(d.Terrain) == 0 && len(d.StaticObjects) == 0 && len(d.Removed) == 0 &&
		len(d.Buildings) == 0 && len(d.RemovedBuildings) == 0
}

// Validate rejects terrain edits outside the vertex grid.
func (d LandblockDelta) Validate() error {
	for v := range d.Terrain {
		if int(v) >= assets.VerticesPerLandblock {
			return result.Validation("terrain vertex %d is outside the %d vertex grid", v, assets.VerticesPerLandblock)
		}
	}
	return nil
}

// EnvCellDelta is the cell counterpart of LandblockDelta. A nil Fields leaves
// the field override untouched.
type EnvCellDelta struct {
	Fields        *EnvCellFields           `cbor:"fields,omitempty"`
	StaticObjects map[uint64]*StaticObject `cbor:"objects,omitempty"`
	Removed       map[uint64]bool          `cbor:"removed,omitempty"`
}

func (d EnvCellDelta) Empty() bool {
	return d.Fields == nil && len(d.StaticObjects) == 0 && len(d.Removed) == 0
}

func setFlag(m *map[uint64]bool, id uint64, v bool) bool {
	prev := (*m)[id]
	if v {
		if *m == nil {
			*m = make(map[uint64]bool)
		}
		(*m)[id] = true
	} else {
		delete(*m, id)
	}
	return prev
}

func setObject[T any](m *map[uint64]T, id uint64, v *T) *T {
	var prev *T
	if cur, ok := (*m)[id]; ok {
		prev = &cur
	}
	if v != nil {
		if *m == nil {
			*m = make(map[uint64]T)
		}
		(*m)[id] = *v
	} else {
		delete(*m, id)
	}
	return prev
}

func (e *LandblockEdits) apply(d LandblockDelta) LandblockDelta {
	var prev LandblockDelta
	if len(d.Terrain) > 0 {
		prev.Terrain = make(map[uint8]TerrainEntry, len(d.Terrain))
		for v, entry := range d.Terrain {
			prev.Terrain[v] = e.Terrain[v]
			if entry.Empty() {
				delete(e.Terrain, v)
				continue
			}
			if e.Terrain == nil {
				e.Terrain = make(map[uint8]TerrainEntry)
			}
			e.Terrain[v] = entry
		}
	}
	if len(d.StaticObjects) > 0 {
		prev.StaticObjects = make(map[uint64]*StaticObject, len(d.StaticObjects))
		for id, obj := range d.StaticObjects {
			prev.StaticObjects[id] = setObject(&e.StaticObjects, id, obj)
		}
	}
	if len(d.Removed) > 0 {
		prev.Removed = make(map[uint64]bool, len(d.Removed))
		for id, v := range d.Removed {
			prev.Removed[id] = setFlag(&e.RemovedObjects, id, v)
		}
	}
	if len(d.Buildings) > 0 {
		prev.Buildings = make(map[uint64]*Building, len(d.Buildings))
		for id, b := range d.Buildings {
			prev.Buildings[id] = setObject(&e.Buildings, id, b)
		}
	}
	if len(d.RemovedBuildings) > 0 {
		prev.RemovedBuildings = make(map[uint64]bool, len(d.RemovedBuildings))
		for id, v := range d.RemovedBuildings {
			prev.RemovedBuildings[id] = setFlag(&e.RemovedBuildings, id, v)
		}
	}
	return prev
}

func (e *EnvCellEdits) apply(d EnvCellDelta) EnvCellDelta {
	var prev EnvCellDelta
	if d.Fields != nil {
		old := e.Fields
		prev.Fields = &old
		e.Fields = *d.Fields
	}
	if len(d.StaticObjects) > 0 {
		prev.StaticObjects = make(map[uint64]*StaticObject, len(d.StaticObjects))
		for id, obj := range d.StaticObjects {
			prev.StaticObjects[id] = setObject(&e.StaticObjects, id, obj)
		}
	}
	if len(d.Removed) > 0 {
		prev.Removed = make(map[uint64]bool, len(d.Removed))
		for id, v := range d.Removed {
			prev.Removed[id] = setFlag(&e.RemovedObjects, id, v)
		}
	}
	return prev
}
