// Package instanceid packs a selection kind and a 32-bit raw id into a single
// 64-bit instance identifier.
//
// Bits 0-31 hold the raw id. Bits 32-38 hold exactly one tag bit per kind.
// EnvCellStaticObject additionally stores a 15-bit object index and a custom
// flag in bits 40-55.
package instanceid

import "fmt"

type Type int

const (
	None Type = iota
	Vertex
	Building
	StaticObject
	Scenery
	Portal
	EnvCell
	EnvCellStaticObject
)

const (
	TagVertex              uint64 = 1 << 32
	TagBuilding            uint64 = 1 << 33
	TagStaticObject        uint64 = 1 << 34
	TagScenery             uint64 = 1 << 35
	TagPortal              uint64 = 1 << 36
	TagEnvCell             uint64 = 1 << 37
	TagEnvCellStaticObject uint64 = 1 << 38

	rawMask         uint64 = 0xFFFFFFFF
	secondaryShift         = 40
	indexMask       uint64 = 0x7FFF
	customFlag      uint64 = 1 << 15
	secondaryMask   uint64 = indexMask | customFlag
	MaxSecondaryIdx        = int(indexMask)
)

// tags is ordered by decode priority.
var tags = []struct {
	t   Type
	tag uint64
}{
	{EnvCellStaticObject, TagEnvCellStaticObject},
	{EnvCell, TagEnvCell},
	{Portal, TagPortal},
	{Scenery, TagScenery},
	{StaticObject, TagStaticObject},
	{Building, TagBuilding},
	{Vertex, TagVertex},
}

// Tags returns every defined tag constant keyed by its type.
func Tags() map[Type]uint64 {
	out := make(map[Type]uint64, len(tags))
	for _, t := range tags {
		out[t.t] = t.tag
	}
	return out
}

func tagFor(t Type) uint64 {
	for _, candidate := range tags {
		if candidate.t == t {
			return candidate.tag
		}
	}
	return 0
}

// Encode returns tag(t) | rawID. None encodes to the raw id unchanged.
func Encode(rawID uint32, t Type) uint64 {
	return tagFor(t) | (uint64(rawID) & rawMask)
}

// GetType returns the kind encoded in id, or None when no tag bit is set.
func GetType(id uint64) Type {
	for _, candidate := range tags {
		if id&candidate.tag != 0 {
			return candidate.t
		}
	}
	return None
}

// GetRawID returns the lower 32 bits of id regardless of its tag.
func GetRawID(id uint64) uint32 {
	return uint32(id & rawMask)
}

// EncodeEnvCellStaticObject packs a cell id, the object's index in the cell
// and whether the object was added by a layer.
func EncodeEnvCellStaticObject(cellID uint32, index int, isCustom bool) (uint64, error) {
	if index < 0 || index > MaxSecondaryIdx {
		return 0, fmt.Errorf("object index %d out of range [0, %d]", index, MaxSecondaryIdx)
	}
	secondary := uint64(index) & indexMask
	if isCustom {
		secondary |= customFlag
	}
	return TagEnvCellStaticObject | secondary<<secondaryShift | uint64(cellID), nil
}

// GetSecondaryID returns the object index packed by EncodeEnvCellStaticObject.
func GetSecondaryID(id uint64) int {
	return int((id >> secondaryShift) & indexMask)
}

func IsCustomObject(id uint64) bool {
	return (id>>secondaryShift)&customFlag != 0
}

func (t Type) String() string {
	switch t {
	case Vertex:
		return "Vertex"
	case Building:
		return "Building"
	case StaticObject:
		return "StaticObject"
	case Scenery:
		return "Scenery"
	case Portal:
		return "Portal"
	case EnvCell:
		return "EnvCell"
	case EnvCellStaticObject:
		return "EnvCellStaticObject"
	default:
		return "None"
	}
}
