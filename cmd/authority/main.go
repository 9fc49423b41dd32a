package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/landscape-sync/pkg/store"
	"github.com/astromechza/landscape-sync/pkg/syncsvc"
)

const version = "0.1.0"

const usage = `Landscape sync authority.

Orders document events from connected clients and rebroadcasts them.

Usage:
    authority [--addr=<addr>] [--store=<path>] [--secret=<secret>] [--verbose]
    authority token <user> [--secret=<secret>] [--ttl=<ttl>]
    authority -h | --help
    authority --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --addr=<addr>      Address to listen on [default: localhost:8080].
    --store=<path>     Keep the event log in this sqlite file instead of memory.
    --secret=<secret>  Token signing secret. Defaults to $LANDSCAPE_SECRET. Empty disables authentication.
    --ttl=<ttl>        Lifetime of an issued token [default: 24h].
    --verbose          Log at debug level.`

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

	secret, _ := opts.String("--secret")
	if secret == "" {
		secret = os.Getenv("LANDSCAPE_SECRET")
	}
	auth := syncsvc.NewAuthenticator([]byte(secret))

	if token, _ := opts.Bool("token"); token {
		return issueToken(opts, auth)
	}
	return serve(opts, auth)
}

func issueToken(opts docopt.Opts, auth *syncsvc.Authenticator) error {
	if !auth.Enabled() {
		return fmt.Errorf("a secret is required to issue tokens")
	}
	user, _ := opts.String("<user>")
	rawTTL, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(rawTTL)
	if err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	token, err := auth.Issue(user, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func serve(opts docopt.Opts, auth *syncsvc.Authenticator) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := syncsvc.AuthorityConfig{Auth: auth}
	if path, _ := opts.String("--store"); path != "" {
		slog.Info("Opening database", "path", path)
		s, err := store.Open(ctx, store.Config{Path: path})
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.InitializeSchema(ctx); err != nil {
			return err
		}
		if cfg.Log, err = syncsvc.NewStoreLog(ctx, s); err != nil {
			return err
		}
	} else {
		slog.Warn("keeping the event log in memory, it will be lost on exit")
	}
	if !auth.Enabled() {
		slog.Warn("authentication is disabled")
	}

	a := syncsvc.NewAuthority(cfg)
	addr, _ := opts.String("--addr")
	httpServer := &http.Server{Addr: addr, Handler: a.Handler()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	a.Close()
	_ = httpServer.Close()

	wg.Wait()
	slog.Info("stopped", "server_time", a.GetServerTime())
	return nil
}
