package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/command"
	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
	"github.com/astromechza/landscape-sync/pkg/syncsvc"
	"github.com/astromechza/landscape-sync/pkg/undo"
	"github.com/astromechza/landscape-sync/pkg/viz"
)

const version = "0.1.0"

const usage = `Landscape editing client.

Makes random edits to one region on a layer named after the user and keeps the
local store in sync with an authority.

Usage:
    client [--addr=<addr>] [--store=<path>] [--user=<user>] [--token=<token>] [--region=<region>] [--interval=<interval>] [--verbose]
    client -h | --help
    client --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --addr=<addr>          Authority address [default: 127.0.0.1:8080].
    --store=<path>         Local sqlite file [default: client.sqlite3].
    --user=<user>          User to author edits as [default: anonymous].
    --token=<token>        Bearer token for the authority.
    --region=<region>      Region id in hex [default: a9b4].
    --interval=<interval>  Base delay between edits [default: 1s].
    --verbose              Log at debug level.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if verbose, _ := opts.Bool("--verbose"); verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr, _ := opts.String("--addr")
	path, _ := opts.String("--store")
	user, _ := opts.String("--user")
	token, _ := opts.String("--token")
	rawRegion, _ := opts.String("--region")
	region, err := strconv.ParseUint(rawRegion, 16, 16)
	if err != nil {
		return fmt.Errorf("invalid region: %w", err)
	}
	rawInterval, _ := opts.String("--interval")
	interval, err := time.ParseDuration(rawInterval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", path)
	s, err := store.Open(ctx, store.Config{Path: path})
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.InitializeSchema(ctx); err != nil {
		return err
	}
	m := document.NewManager(document.Config{Store: s, Assets: assets.NewMemory(), IdleCapacity: document.DefaultIdleCapacity})
	landscape.Register(m)

	sc, err := syncsvc.NewClient(syncsvc.ClientConfig{URL: "http://" + addr, Token: token, Manager: m})
	if err != nil {
		return err
	}
	sc.OnRemoteEvent(func(cmd command.Command) {
		slog.Info("remote edit", "kind", cmd.Kind(), "user", cmd.Head().UserID)
	})
	if err := sc.Start(ctx); err != nil {
		return err
	}
	defer sc.Close()

	c := &client{
		sync:     sc,
		m:        m,
		user:     user,
		docID:    landscape.DocumentID(uint16(region)),
		regionID: uint16(region),
		interval: interval,
		undo:     undo.New(sc, undo.Config{Limit: 50, UserID: user}),
	}
	if err := c.prepare(ctx); err != nil {
		return err
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.editRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	r, err := document.Rent[*landscape.LandscapeDocument](context.Background(), m, c.docID)
	if err != nil {
		return err
	}
	defer r.Release()
	if svgPath, err := viz.RenderToTemp(r.Document()); err != nil {
		slog.Error("failed to render", "document", c.docID, "err", err)
	} else {
		slog.Info("rendered", "document", c.docID, "version", r.Document().Version(), "path", "file://"+svgPath)
	}
	return nil
}

type client struct {
	sync     *syncsvc.Client
	m        *document.Manager
	undo     *undo.Stack
	user     string
	docID    string
	regionID uint16
	layerID  string
	interval time.Duration
	placed   []placement
}

type placement struct {
	landblock  uint32
	instanceID uint64
}

// prepare makes sure the region and the user's layer exist, creating them if
// nothing arrives from the authority first.
func (c *client) prepare(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	for c.sync.State() != syncsvc.StateConnected && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if c.sync.State() != syncsvc.StateConnected {
		slog.Warn("not connected, editing offline")
	}

	r, err := document.Rent[*landscape.LandscapeDocument](ctx, c.m, c.docID)
	if result.Is(err, result.KindNotFound) {
		if _, err := c.sync.ApplyLocalEvent(ctx, command.NewCreateLandscape(c.user, c.regionID)); err != nil {
			return fmt.Errorf("failed to create landscape: %w", err)
		}
		slog.Info("created landscape", "document", c.docID)
		r, err = document.Rent[*landscape.LandscapeDocument](ctx, c.m, c.docID)
	}
	if err != nil {
		return err
	}
	r.Document().Walk(func(n landscape.Node, _ int) bool {
		if n.Kind == landscape.KindLayer && n.Name == c.user {
			c.layerID = n.ID
			return false
		}
		return true
	})
	r.Release()
	if c.layerID != "" {
		return nil
	}
	out, err := c.sync.ApplyLocalEvent(ctx, command.NewCreateLayer(c.user, c.docID, c.user, nil))
	if err != nil {
		return fmt.Errorf("failed to create layer: %w", err)
	}
	c.layerID = out.(string)
	slog.Info("created layer", "layer", c.layerID)
	return nil
}

func (c *client) editRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(c.interval + c.interval*time.Duration(rand.Intn(3)))
		select {
		case <-t.C:
			if err := c.editRandomly(ctx); err != nil {
				slog.Error("failed to edit", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func randomLandblock() uint32 {
	return uint32(rand.Intn(16))<<24 | uint32(rand.Intn(16))<<16
}

func (c *client) editRandomly(ctx context.Context) error {
	switch roll := rand.Intn(10); {
	case roll < 5:
		lb := randomLandblock()
		cmd := command.AddStaticObject(c.user, c.docID, c.layerID, lb, landscape.StaticObject{
			SetupID: 0x01000000 | uint32(rand.Intn(0x1000)),
			Frame: assets.Frame{
				Origin:      assets.Vec3{X: rand.Float32() * 192, Y: rand.Float32() * 192},
				Orientation: assets.Quat{W: 1},
			},
		})
		if _, err := c.undo.Do(ctx, cmd); err != nil {
			return err
		}
		for id := range cmd.Changes.StaticObjects {
			c.placed = append(c.placed, placement{landblock: lb, instanceID: id})
			slog.Info("placed object", "landblock", fmt.Sprintf("%08x", lb), "instance", fmt.Sprintf("%016x", id))
		}
	case roll < 7:
		height := uint8(rand.Intn(256))
		lb := randomLandblock()
		if _, err := c.undo.Do(ctx, command.SetTerrain(c.user, c.docID, c.layerID, lb, uint8(rand.Intn(81)), landscape.TerrainEntry{Height: &height})); err != nil {
			return err
		}
		slog.Info("raised terrain", "landblock", fmt.Sprintf("%08x", lb), "height", height)
	case roll < 9:
		if len(c.placed) == 0 {
			return nil
		}
		i := rand.Intn(len(c.placed))
		p := c.placed[i]
		c.placed = append(c.placed[:i], c.placed[i+1:]...)
		if _, err := c.undo.Do(ctx, command.RemoveInstance(c.user, c.docID, c.layerID, p.landblock, p.instanceID)); err != nil {
			return err
		}
		slog.Info("removed object", "instance", fmt.Sprintf("%016x", p.instanceID))
	default:
		if !c.undo.CanUndo() {
			return nil
		}
		inverses, err := c.undo.Undo(ctx)
		if err != nil {
			return err
		}
		slog.Info("undid", "commands", len(inverses))
	}
	return nil
}
