package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/command"
	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/store"
	"github.com/astromechza/landscape-sync/pkg/viz"
)

const usage = `Landscape store inspector.

Usage:
    debug documents <store>
    debug events <store> [--limit=<n>]
    debug tree <store> <document> [--svg=<path>]
    debug export <store> <document>
    debug replay <store> <target>
    debug -h | --help

Options:
    -h --help     Show this screen.
    --limit=<n>   Maximum number of events to print [default: 100].
    --svg=<path>  Write the layer tree as svg to this path instead of a temp file.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return err
	}
	ctx := context.Background()
	path, _ := opts.String("<store>")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open store file: %w", err)
	}
	s, err := store.Open(ctx, store.Config{Path: path})
	if err != nil {
		return err
	}
	defer s.Close()

	m := document.NewManager(document.Config{Store: s, Assets: assets.NewMemory()})
	landscape.Register(m)

	if v, _ := opts.Bool("documents"); v {
		return listDocuments(ctx, s)
	} else if v, _ := opts.Bool("events"); v {
		raw, _ := opts.String("--limit")
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
		return listEvents(ctx, s, limit)
	} else if v, _ := opts.Bool("replay"); v {
		target, _ := opts.String("<target>")
		return replay(ctx, s, target)
	}

	docID, _ := opts.String("<document>")
	r, err := document.Rent[*landscape.LandscapeDocument](ctx, m, docID)
	if err != nil {
		return err
	}
	defer r.Release()
	doc := r.Document()
	slog.Info("loaded doc", "id", doc.ID(), "version", doc.Version(), "modified", doc.LastModified(), "chunks", len(doc.ChunkIDs()))
	if err := doc.VerifyChunks(ctx); err != nil {
		slog.Error("chunk verification failed", "err", err)
	}

	if v, _ := opts.Bool("tree"); v {
		return renderTree(doc, opts)
	}
	out := assets.NewMemory()
	stats, err := doc.Export(ctx, out)
	if err != nil {
		return err
	}
	slog.Info("exported", "landblocks", stats.Landblocks, "cells", stats.Cells, "failed", stats.Failed)
	return nil
}

func listDocuments(ctx context.Context, s *store.Store) error {
	for _, typeName := range []string{landscape.TypeLandscape, landscape.TypeChunk} {
		ids, err := s.DocumentIDs(ctx, typeName)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := s.GetDocumentBlob(ctx, id)
			if err != nil {
				return err
			}
			slog.Info("document", "id", rec.ID, "type", rec.Type, "version", rec.Version, "bytes", len(rec.Data), "modified", rec.LastModified)
		}
	}
	return nil
}

func listEvents(ctx context.Context, s *store.Store, limit int) error {
	events, err := s.ListEvents(ctx, limit)
	if err != nil {
		return err
	}
	for i, ev := range events {
		ts := "pending"
		if ev.ServerTimestamp != nil {
			ts = strconv.FormatUint(*ev.ServerTimestamp, 10)
		}
		attrs := []interface{}{"i", fmt.Sprintf("%4d", i), "id", ev.ID, "kind", command.Kind(ev.Kind), "document", ev.DocumentID, "user", ev.UserID, "ts", ts}
		if cmd, err := command.Unmarshal(ev.Data); err != nil {
			attrs = append(attrs, "err", err)
		} else {
			attrs = append(attrs, "body", fmt.Sprintf("%+v", cmd))
		}
		slog.Info("event", attrs...)
	}
	return nil
}

func renderTree(doc *landscape.LandscapeDocument, opts docopt.Opts) error {
	type item struct {
		n     landscape.Node
		depth int
	}
	var items []item
	doc.Walk(func(n landscape.Node, depth int) bool {
		items = append(items, item{n, depth})
		return true
	})
	for _, it := range items {
		slog.Info("node", "depth", it.depth, "id", it.n.ID, "name", it.n.Name, "kind", it.n.Kind, "visible", doc.IsItemVisible(it.n.ID), "exported", doc.IsItemExported(it.n.ID))
	}
	if svgPath, _ := opts.String("--svg"); svgPath != "" {
		if err := viz.RenderLayerTreeToSvg(doc, svgPath); err != nil {
			return err
		}
		slog.Info("rendered", "path", svgPath)
		return nil
	}
	svgPath, err := viz.RenderToTemp(doc)
	if err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+svgPath)
	return nil
}

// replay re-applies every logged event, in the order it was applied, to the
// store at target.
func replay(ctx context.Context, s *store.Store, target string) error {
	events, err := s.ListEvents(ctx, -1)
	if err != nil {
		return err
	}
	cmds := make([]command.Command, 0, len(events))
	for _, ev := range events {
		cmd, err := command.Unmarshal(ev.Data)
		if err != nil {
			slog.Error("skipping undecodable event", "id", ev.ID, "err", err)
			continue
		}
		if cmd.Head().ServerTimestamp == nil {
			cmd.Head().ServerTimestamp = ev.ServerTimestamp
		}
		cmds = append(cmds, cmd)
	}

	t, err := store.Open(ctx, store.Config{Path: target})
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.InitializeSchema(ctx); err != nil {
		return err
	}
	m := document.NewManager(document.Config{Store: t, Assets: assets.NewMemory(), IdleCapacity: document.DefaultIdleCapacity})
	landscape.Register(m)

	var failed int
	for i, outcome := range command.NewExecutor(m).ApplyEach(ctx, cmds) {
		if !outcome.Ok() {
			failed++
			slog.Error("failed to replay", "id", cmds[i].Head().ID, "kind", cmds[i].Kind(), "err", outcome.Err)
		}
	}
	slog.Info("replayed", "events", len(cmds), "failed", failed, "target", target)
	return nil
}
