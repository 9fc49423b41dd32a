// Package assets describes the game-asset collaborator. The real reader parses
// the client's data files, which is out of scope here. Memory is a complete
// in-process implementation used by tests and the demo client.
package assets

import (
	"sort"
	"sync"
)

type FileType int

const (
	FileLandblock FileType = iota + 1
	FileLandblockInfo
	FileEnvCell
)

// VerticesPerLandblock is the 9x9 terrain vertex grid of a landblock.
const VerticesPerLandblock = 81

type Vec3 struct {
	X float32 `cbor:"x"`
	Y float32 `cbor:"y"`
	Z float32 `cbor:"z"`
}

type Quat struct {
	W float32 `cbor:"w"`
	X float32 `cbor:"x"`
	Y float32 `cbor:"y"`
	Z float32 `cbor:"z"`
}

type Frame struct {
	Origin      Vec3 `cbor:"o"`
	Orientation Quat `cbor:"r"`
}

type Stab struct {
	SetupID uint32 `cbor:"setup"`
	Frame   Frame  `cbor:"frame"`
}

type BuildingInfo struct {
	ModelID   uint32 `cbor:"model"`
	Frame     Frame  `cbor:"frame"`
	NumLeaves uint32 `cbor:"leaves"`
}

type TerrainVertex struct {
	Height    uint8 `cbor:"h"`
	Texture   uint8 `cbor:"t"`
	Scenery   uint8 `cbor:"s"`
	Road      uint8 `cbor:"r"`
	Encounter uint8 `cbor:"e"`
}

type CellPortal struct {
	OtherCellID uint16 `cbor:"cell"`
	PolygonID   uint16 `cbor:"poly"`
	Flags       uint16 `cbor:"flags"`
}

// Landblock is the terrain file of one landblock.
type Landblock struct {
	ID      uint32                              `cbor:"id"`
	Terrain [VerticesPerLandblock]TerrainVertex `cbor:"terrain"`
}

// LandblockInfo is the object file of one landblock.
type LandblockInfo struct {
	ID        uint32         `cbor:"id"`
	NumCells  uint32         `cbor:"cells"`
	Objects   []Stab         `cbor:"objects"`
	Buildings []BuildingInfo `cbor:"buildings"`
}

type EnvCell struct {
	ID            uint32       `cbor:"id"`
	EnvironmentID uint16       `cbor:"env"`
	CellStructure uint16       `cbor:"structure"`
	Surfaces      []uint16     `cbor:"surfaces"`
	Portals       []CellPortal `cbor:"portals"`
	StaticObjects []Stab       `cbor:"objects"`
}

// Reader is the read side of the asset collaborator. Ids are the 32-bit file
// ids of the region the reader was opened for.
type Reader interface {
	TryGetLandblock(id uint32) (Landblock, bool)
	TryGetLandblockInfo(id uint32) (LandblockInfo, bool)
	TryGetEnvCell(id uint32) (EnvCell, bool)
	IDsOfType(t FileType) []uint32
}

// Writer is the save side. File is one of Landblock, LandblockInfo or EnvCell.
type Writer interface {
	TrySave(file interface{}) bool
}

type ReadWriter interface {
	Reader
	Writer
}

// Memory is a ReadWriter over maps.
type Memory struct {
	mu         sync.RWMutex
	landblocks map[uint32]Landblock
	infos      map[uint32]LandblockInfo
	cells      map[uint32]EnvCell
}

func NewMemory() *Memory {
	return &Memory{
		landblocks: make(map[uint32]Landblock),
		infos:      make(map[uint32]LandblockInfo),
		cells:      make(map[uint32]EnvCell),
	}
}

func (m *Memory) TryGetLandblock(id uint32) (Landblock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lb, ok := m.landblocks[id]
	return lb, ok
}

func (m *Memory) TryGetLandblockInfo(id uint32) (LandblockInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.infos[id]
	if !ok {
		return LandblockInfo{}, false
	}
	info.Objects = append([]Stab(nil), info.Objects...)
	info.Buildings = append([]BuildingInfo(nil), info.Buildings...)
	return info, true
}

func (m *Memory) TryGetEnvCell(id uint32) (EnvCell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cell, ok := m.cells[id]
	if !ok {
		return EnvCell{}, false
	}
	cell.Surfaces = append([]uint16(nil), cell.Surfaces...)
	cell.Portals = append([]CellPortal(nil), cell.Portals...)
	cell.StaticObjects = append([]Stab(nil), cell.StaticObjects...)
	return cell, true
}

func (m *Memory) IDsOfType(t FileType) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uint32
	switch t {
	case FileLandblock:
		for id := range m.landblocks {
			out = append(out, id)
		}
	case FileLandblockInfo:
		for id := range m.infos {
			out = append(out, id)
		}
	case FileEnvCell:
		for id := range m.cells {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) TrySave(file interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch f := file.(type) {
	case Landblock:
		m.landblocks[f.ID] = f
	case *Landblock:
		m.landblocks[f.ID] = *f
	case LandblockInfo:
		m.infos[f.ID] = f
	case *LandblockInfo:
		m.infos[f.ID] = *f
	case EnvCell:
		m.cells[f.ID] = f
	case *EnvCell:
		m.cells[f.ID] = *f
	default:
		return false
	}
	return true
}
