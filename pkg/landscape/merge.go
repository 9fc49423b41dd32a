package landscape

import (
	"context"
	"sort"
	"sync"

	"github.com/astromechza/landscape-sync/pkg/assets"
)

// MergedLandblock is the base landblock overlaid with the selected layers.
type MergedLandblock struct {
	ID            uint32
	NumCells      uint32
	Terrain       [assets.VerticesPerLandblock]assets.TerrainVertex
	StaticObjects []StaticObject
	Buildings     []Building
}

// TerrainFile converts the merge back into an asset file.
func (l *MergedLandblock) TerrainFile() assets.Landblock {
	return assets.Landblock{ID: l.ID, Terrain: l.Terrain}
}

func (l *MergedLandblock) InfoFile() assets.LandblockInfo {
	info := assets.LandblockInfo{ID: l.ID, NumCells: l.NumCells}
	for _, o := range l.StaticObjects {
		info.Objects = append(info.Objects, assets.Stab{SetupID: o.SetupID, Frame: o.Frame})
	}
	for _, b := range l.Buildings {
		info.Buildings = append(info.Buildings, assets.BuildingInfo{ModelID: b.ModelID, Frame: b.Frame, NumLeaves: b.NumLeaves})
	}
	return info
}

type MergedEnvCell struct {
	ID            uint32
	EnvironmentID uint16
	CellStructure uint16
	Surfaces      []uint16
	Portals       []assets.CellPortal
	StaticObjects []StaticObject
}

func (c *MergedEnvCell) File() assets.EnvCell {
	cell := assets.EnvCell{
		ID:            c.ID,
		EnvironmentID: c.EnvironmentID,
		CellStructure: c.CellStructure,
		Surfaces:      c.Surfaces,
		Portals:       c.Portals,
	}
	for _, o := range c.StaticObjects {
		cell.StaticObjects = append(cell.StaticObjects, assets.Stab{SetupID: o.SetupID, Frame: o.Frame})
	}
	return cell
}

// baseCache memoizes base content read from the asset collaborator. Entries
// are never mutated after insertion.
type baseCache struct {
	mu         sync.Mutex
	landblocks map[uint32]*MergedLandblock
	cells      map[uint32]*MergedEnvCell
}

func newBaseCache() *baseCache {
	return &baseCache{
		landblocks: make(map[uint32]*MergedLandblock),
		cells:      make(map[uint32]*MergedEnvCell),
	}
}

func (c *baseCache) landblock(r assets.Reader, id uint32) *MergedLandblock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lb, ok := c.landblocks[id]; ok {
		return lb
	}
	lb := &MergedLandblock{ID: id}
	if r != nil {
		if terrain, ok := r.TryGetLandblock(id); ok {
			lb.Terrain = terrain.Terrain
		}
		if info, ok := r.TryGetLandblockInfo(id); ok {
			lb.NumCells = info.NumCells
			for i, stab := range info.Objects {
				lb.StaticObjects = append(lb.StaticObjects, StaticObject{InstanceID: uint64(i), SetupID: stab.SetupID, Frame: stab.Frame})
			}
			for i, b := range info.Buildings {
				lb.Buildings = append(lb.Buildings, Building{InstanceID: uint64(i), ModelID: b.ModelID, Frame: b.Frame, NumLeaves: b.NumLeaves})
			}
		}
	}
	c.landblocks[id] = lb
	return lb
}

func (c *baseCache) cell(r assets.Reader, id uint32) *MergedEnvCell {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cell, ok := c.cells[id]; ok {
		return cell
	}
	cell := &MergedEnvCell{ID: id}
	if r != nil {
		if ec, ok := r.TryGetEnvCell(id); ok {
			cell.EnvironmentID = ec.EnvironmentID
			cell.CellStructure = ec.CellStructure
			cell.Surfaces = ec.Surfaces
			cell.Portals = ec.Portals
			for i, stab := range ec.StaticObjects {
				cell.StaticObjects = append(cell.StaticObjects, StaticObject{InstanceID: uint64(i), SetupID: stab.SetupID, Frame: stab.Frame})
			}
		}
	}
	c.cells[id] = cell
	return cell
}

// selectLayers returns the layers passing pred, in walk order.
func (d *LandscapeDocument) selectLayers(pred func(t *LayerTree, id string) bool) ([]string, assets.Reader) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, id := range d.tree.Layers() {
		if pred(d.tree, id) {
			out = append(out, id)
		}
	}
	return out, d.assets
}

func visible(t *LayerTree, id string) bool  { return t.IsItemVisible(id) }
func exported(t *LayerTree, id string) bool { return t.IsItemExported(id) }

// GetMergedLandblock composes base content with every visible layer.
func (d *LandscapeDocument) GetMergedLandblock(ctx context.Context, landblockID uint32) (*MergedLandblock, error) {
	return d.mergeLandblock(ctx, LandblockOf(landblockID), visible)
}

// GetExportLandblock composes base content with every exported layer.
func (d *LandscapeDocument) GetExportLandblock(ctx context.Context, landblockID uint32) (*MergedLandblock, error) {
	return d.mergeLandblock(ctx, LandblockOf(landblockID), exported)
}

func (d *LandscapeDocument) GetMergedEnvCell(ctx context.Context, cellID uint32) (*MergedEnvCell, error) {
	return d.mergeEnvCell(ctx, cellID, visible)
}

func (d *LandscapeDocument) GetExportEnvCell(ctx context.Context, cellID uint32) (*MergedEnvCell, error) {
	return d.mergeEnvCell(ctx, cellID, exported)
}

func (d *LandscapeDocument) mergeLandblock(ctx context.Context, id uint32, pred func(*LayerTree, string) bool) (*MergedLandblock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	layers, reader := d.selectLayers(pred)
	base := d.base.landblock(reader, id)
	chunk, err := d.LoadChunk(ctx, ChunkOf(id))
	if err != nil {
		return nil, err
	}

	out := &MergedLandblock{ID: id, NumCells: base.NumCells, Terrain: base.Terrain}
	objects := make(map[uint64]StaticObject, len(base.StaticObjects))
	for _, o := range base.StaticObjects {
		objects[o.InstanceID] = o
	}
	buildings := make(map[uint64]Building, len(base.Buildings))
	for _, b := range base.Buildings {
		buildings[b.InstanceID] = b
	}

	if chunk != nil {
		chunk.mu.RLock()
		for _, layerID := range layers {
			e := chunk.landblockEdits(layerID, id)
			if e == nil {
				continue
			}
			for v, entry := range e.Terrain {
				if int(v) < len(out.Terrain) {
					entry.apply(&out.Terrain[v])
				}
			}
			for instance := range e.RemovedObjects {
				delete(objects, instance)
			}
			for instance, o := range e.StaticObjects {
				objects[instance] = o
			}
			for instance := range e.RemovedBuildings {
				delete(buildings, instance)
			}
			for instance, b := range e.Buildings {
				buildings[instance] = b
			}
		}
		chunk.mu.RUnlock()
	}

	out.StaticObjects = sortedObjects(objects)
	out.Buildings = make([]Building, 0, len(buildings))
	for _, b := range buildings {
		out.Buildings = append(out.Buildings, b)
	}
	sort.Slice(out.Buildings, func(i, j int) bool { return out.Buildings[i].InstanceID < out.Buildings[j].InstanceID })
	return out, nil
}

func (d *LandscapeDocument) mergeEnvCell(ctx context.Context, id uint32, pred func(*LayerTree, string) bool) (*MergedEnvCell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	layers, reader := d.selectLayers(pred)
	base := d.base.cell(reader, id)
	chunk, err := d.LoadChunk(ctx, ChunkOf(id))
	if err != nil {
		return nil, err
	}

	out := &MergedEnvCell{
		ID:            id,
		EnvironmentID: base.EnvironmentID,
		CellStructure: base.CellStructure,
		Surfaces:      append([]uint16(nil), base.Surfaces...),
		Portals:       append([]assets.CellPortal(nil), base.Portals...),
	}
	objects := make(map[uint64]StaticObject, len(base.StaticObjects))
	for _, o := range base.StaticObjects {
		objects[o.InstanceID] = o
	}

	if chunk != nil {
		chunk.mu.RLock()
		for _, layerID := range layers {
			e := chunk.envCellEdits(layerID, id)
			if e == nil {
				continue
			}
			f := e.Fields
			if f.EnvironmentID != nil {
				out.EnvironmentID = *f.EnvironmentID
			}
			if f.CellStructure != nil {
				out.CellStructure = *f.CellStructure
			}
			if f.Surfaces != nil {
				out.Surfaces = append([]uint16(nil), (*f.Surfaces)...)
			}
			if f.Portals != nil {
				out.Portals = append([]assets.CellPortal(nil), (*f.Portals)...)
			}
			for instance := range e.RemovedObjects {
				delete(objects, instance)
			}
			for instance, o := range e.StaticObjects {
				objects[instance] = o
			}
		}
		chunk.mu.RUnlock()
	}
	out.StaticObjects = sortedObjects(objects)
	return out, nil
}

func sortedObjects(objects map[uint64]StaticObject) []StaticObject {
	out := make([]StaticObject, 0, len(objects))
	for _, o := range objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// ExportStats counts the files written by Export.
type ExportStats struct {
	Landblocks int
	Cells      int
	Failed     int
}

// Export writes the exported merge of every edited landblock and cell.
func (d *LandscapeDocument) Export(ctx context.Context, w assets.Writer) (ExportStats, error) {
	var stats ExportStats
	for _, chunkID := range d.ChunkIDs() {
		chunk, err := d.LoadChunk(ctx, chunkID)
		if err != nil {
			return stats, err
		}
		if chunk == nil {
			continue
		}
		landblocks, cells := chunk.editedIDs()
		for _, id := range landblocks {
			lb, err := d.GetExportLandblock(ctx, id)
			if err != nil {
				return stats, err
			}
			if w.TrySave(lb.TerrainFile()) && w.TrySave(lb.InfoFile()) {
				stats.Landblocks++
			} else {
				stats.Failed++
			}
		}
		for _, id := range cells {
			cell, err := d.GetExportEnvCell(ctx, id)
			if err != nil {
				return stats, err
			}
			if w.TrySave(cell.File()) {
				stats.Cells++
			} else {
				stats.Failed++
			}
		}
	}
	return stats, nil
}
