package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/landscape-sync/pkg/landscape"
)

// LayerTree is the read side of a landscape document needed to draw it.
type LayerTree interface {
	ID() string
	Walk(fn func(n landscape.Node, depth int) bool)
	IsItemVisible(id string) bool
}

// RenderLayerTree draws the document's layers and groups under a root node
// named after the document. Hidden items are dashed, the base layer is bold
// and groups are drawn as folders.
func RenderLayerTree(doc LayerTree, w io.Writer, format graphviz.Format) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	root, err := graph.CreateNode(doc.ID())
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	root.SetShape(cgraph.NoteShape)

	var items []landscape.Node
	doc.Walk(func(n landscape.Node, _ int) bool {
		items = append(items, n)
		return true
	})

	nodeMap := map[string]*cgraph.Node{"": root}
	var edgeCounter uint64
	for _, item := range items {
		n, err := graph.CreateNode(item.ID)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s\n%s", item.Name, item.ID))
		if item.Kind == landscape.KindGroup {
			n.SetShape(cgraph.FolderShape)
		} else {
			n.SetShape(cgraph.BoxShape)
		}
		switch {
		case item.IsBase:
			n.SetStyle(cgraph.BoldNodeStyle)
		case !doc.IsItemVisible(item.ID):
			n.SetStyle(cgraph.DashedNodeStyle)
		}
		nodeMap[item.ID] = n

		parent, ok := nodeMap[item.Parent]
		if !ok {
			return fmt.Errorf("node %s was visited before its parent %s", item.ID, item.Parent)
		}
		if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, n); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderLayerTreeToSvg(doc LayerTree, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderLayerTree(doc, &buff, graphviz.SVG); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(doc LayerTree) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderLayerTreeToSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
