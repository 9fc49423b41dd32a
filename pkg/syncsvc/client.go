package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/landscape-sync/pkg/command"
	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/result"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type ClientConfig struct {
	// URL is the authority's base http or https address.
	URL string
	// Token is sent as a bearer token when set.
	Token   string
	Manager *document.Manager
	// NewBackOff paces reconnects. Defaults to DefaultReconnectBackOff.
	NewBackOff func() backoff.BackOff
	// AckTimeout bounds the wait for the authority to order a forwarded event
	// before the connection is dropped and re-established.
	AckTimeout time.Duration
	// PageSize is how many events are read from the store or the authority at
	// once.
	PageSize   int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultReconnectBackOff waits 1s doubling to 30s and never gives up.
func DefaultReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.NewBackOff == nil {
		c.NewBackOff = DefaultReconnectBackOff
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client applies commands locally and keeps the local store in step with the
// authority. Local application never waits for the network: applied commands
// sit in the event log without a server timestamp until they are forwarded.
type Client struct {
	cfg  ClientConfig
	base *url.URL
	m    *document.Manager
	exec *command.Executor
	log  *slog.Logger

	state atomic.Int32
	wake  chan struct{}

	mu        sync.Mutex
	listeners []func(command.Command)
	rejected  map[string]bool
	failed    []RemoteFailure
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Manager == nil {
		return nil, errors.New("a document manager is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authority url: %w", err)
	}
	return &Client{
		cfg:      cfg,
		base:     base,
		m:        cfg.Manager,
		exec:     command.NewExecutor(cfg.Manager),
		log:      cfg.Logger,
		wake:     make(chan struct{}, 1),
		rejected: make(map[string]bool),
	}, nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debug("sync state", "from", old, "to", s)
	}
}

// OnRemoteEvent registers fn to run after a command from another client has
// been applied locally.
func (c *Client) OnRemoteEvent(fn func(command.Command)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start connects in the background and keeps reconnecting until ctx is done
// or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("client already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectAndSyncContinuously(ctx)
	}()
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// ApplyLocalEvent applies cmd locally and queues it for the authority.
func (c *Client) ApplyLocalEvent(ctx context.Context, cmd command.Command) (interface{}, error) {
	out, err := c.exec.Apply(ctx, cmd)
	if err != nil {
		return nil, err
	}
	c.notify()
	return out, nil
}

// ApplyUnit applies cmds in one transaction and queues them in order.
func (c *Client) ApplyUnit(ctx context.Context, cmds []command.Command) ([]interface{}, error) {
	out, err := c.exec.ApplyUnit(ctx, cmds)
	if err != nil {
		return nil, err
	}
	c.notify()
	return out, nil
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) connectAndSyncContinuously(ctx context.Context) {
	b := backoff.WithContext(c.cfg.NewBackOff(), ctx)
	for {
		connected, err := c.connectAndSync(ctx)
		if ctx.Err() != nil {
			c.log.Info("stopping sync")
			return
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.log.Error("giving up on sync", "err", err)
			return
		}
		c.log.Warn("sync disconnected", "err", err, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.log.Info("stopping sync")
			return
		}
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

// connectAndSync runs one connection until it fails. It reports whether the
// connection got as far as being established.
func (c *Client) connectAndSync(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	defer c.setState(StateDisconnected)

	u := c.base.JoinPath("ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("failed to dial: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	// The peer is registered before catching up, so anything ordered in the
	// meantime is waiting on the socket and is skipped by event id if the
	// catch-up already applied it.
	if err := c.catchUp(ctx); err != nil {
		return false, fmt.Errorf("failed to catch up: %w", err)
	}
	c.setState(StateConnected)
	c.log.Info("connected", "url", u.String())

	acks := make(chan Frame, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			f, err := readFrame(conn)
			if err != nil {
				return err
			}
			switch f.Type {
			case FrameBroadcast:
				if _, err := c.applyRemote(gctx, f.Event); err != nil {
					return err
				}
			case FrameAck, FrameError:
				select {
				case acks <- f:
				default:
					c.log.Debug("unexpected reply", "type", f.Type, "seq", f.Seq)
				}
			}
		}
	})
	g.Go(func() error {
		defer conn.Close()
		return c.forwardContinuously(gctx, conn, acks)
	})
	return true, g.Wait()
}

// forwardContinuously sends pending local events one at a time in the order
// they were applied, recording each server timestamp as it is acknowledged.
func (c *Client) forwardContinuously(ctx context.Context, conn *websocket.Conn, acks <-chan Frame) error {
	var seq uint64
	for {
		pending, err := c.m.Store().PendingEvents(ctx, c.cfg.PageSize)
		if err != nil {
			return err
		}
		forwarded := 0
		for _, ev := range pending {
			if c.isRejected(ev.ID) {
				continue
			}
			seq++
			if err := writeFrame(conn, Frame{Type: FrameEvent, Seq: seq, Event: ev.Data}); err != nil {
				return err
			}
			reply, err := c.awaitReply(ctx, acks, seq)
			if err != nil {
				return err
			}
			if reply.Type == FrameError {
				if reply.Error != nil && reply.Error.Code == result.CodeStoreBusy {
					return reply.Error
				}
				c.reject(ev.ID, reply.Error)
				continue
			}
			if err := c.m.Store().SetEventServerTimestamp(ctx, ev.ID, reply.Timestamp); err != nil {
				return err
			}
			eventsForwarded.Inc()
			forwarded++
			c.log.Debug("forwarded", "id", ev.ID, "ts", reply.Timestamp)
		}
		if forwarded > 0 {
			continue
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) awaitReply(ctx context.Context, replies <-chan Frame, seq uint64) (Frame, error) {
	t := time.NewTimer(c.cfg.AckTimeout)
	defer t.Stop()
	for {
		select {
		case f := <-replies:
			if f.Seq == seq {
				return f, nil
			}
			c.log.Debug("ignoring stale reply", "seq", f.Seq, "want", seq)
		case <-t.C:
			return Frame{}, fmt.Errorf("event %d was not acknowledged within %s", seq, c.cfg.AckTimeout)
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// reject stops an event the authority refused from blocking the queue. It
// stays pending in the store and is retried by the next process.
func (c *Client) reject(id string, fault *FrameFault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[id] = true
	c.log.Error("authority rejected event", "id", id, "err", fault)
}

func (c *Client) isRejected(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected[id]
}

// RemoteFailure is an ordered event this replica could not apply. The event is
// skipped, so the replica no longer matches the authority for its document.
type RemoteFailure struct {
	ID              string
	Kind            command.Kind
	DocumentID      string
	ServerTimestamp uint64
	Err             error
}

func (c *Client) recordFailure(f RemoteFailure) {
	remoteApplyFailed.Inc()
	c.log.Error("failed to apply remote event", "id", f.ID, "kind", f.Kind, "document", f.DocumentID, "ts", f.ServerTimestamp, "err", f.Err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, f)
}

// FailedRemoteEvents lists the remote events skipped since the client was
// created, oldest first.
func (c *Client) FailedRemoteEvents() []RemoteFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RemoteFailure(nil), c.failed...)
}

func (c *Client) catchUp(ctx context.Context) error {
	since, err := c.m.Store().MaxServerTimestamp(ctx)
	if err != nil {
		return err
	}
	for {
		page, err := c.fetchEvents(ctx, since)
		if err != nil {
			return err
		}
		for _, data := range page.Events {
			ts, err := c.applyRemote(ctx, data)
			if err != nil {
				return err
			}
			since = max(since, ts)
		}
		if !page.More || len(page.Events) == 0 {
			return nil
		}
	}
}

// applyRemote applies an ordered event from the authority and returns its
// timestamp. An event already in the local log only has its timestamp
// recorded. Commands that no longer apply locally are logged and skipped;
// only errors worth reconnecting over are returned.
func (c *Client) applyRemote(ctx context.Context, data []byte) (uint64, error) {
	cmd, err := command.Unmarshal(data)
	if err != nil {
		return 0, err
	}
	h := cmd.Head()
	if h.ServerTimestamp == nil {
		return 0, result.Validation("remote event %s has no server timestamp", h.ID)
	}
	ts := *h.ServerTimestamp
	has, err := c.m.Store().HasEvent(ctx, h.ID)
	if err != nil {
		return ts, err
	}
	if has {
		return ts, c.m.Store().SetEventServerTimestamp(ctx, h.ID, ts)
	}
	if _, err := c.exec.Apply(ctx, cmd); err != nil {
		if result.Is(err, result.KindTransient) || ctx.Err() != nil {
			return ts, err
		}
		c.recordFailure(RemoteFailure{ID: h.ID, Kind: cmd.Kind(), DocumentID: h.DocumentID, ServerTimestamp: ts, Err: err})
		return ts, nil
	}
	c.log.Info("applied remote event", "id", h.ID, "kind", cmd.Kind(), "document", h.DocumentID, "ts", ts)

	c.mu.Lock()
	listeners := append([]func(command.Command){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(cmd)
	}
	return ts, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header = c.header()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := cbor.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) fetchEvents(ctx context.Context, since uint64) (eventsResponse, error) {
	var out eventsResponse
	err := c.get(ctx, "events", url.Values{
		"since": {strconv.FormatUint(since, 10)},
		"limit": {strconv.Itoa(c.cfg.PageSize)},
	}, &out)
	return out, err
}

// GetServerTime asks the authority for its latest timestamp.
func (c *Client) GetServerTime(ctx context.Context) (uint64, error) {
	var out timeResponse
	if err := c.get(ctx, "time", url.Values{}, &out); err != nil {
		return 0, err
	}
	return out.Timestamp, nil
}

// GetEventsSince fetches every event the authority ordered after ts.
func (c *Client) GetEventsSince(ctx context.Context, ts uint64) ([][]byte, error) {
	var out [][]byte
	for {
		page, err := c.fetchEvents(ctx, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if !page.More || len(page.Events) == 0 {
			return out, nil
		}
		_, h, err := command.PeekHeader(page.Events[len(page.Events)-1])
		if err != nil {
			return nil, err
		}
		if h.ServerTimestamp == nil || *h.ServerTimestamp <= ts {
			return nil, result.Fatal("authority returned an event that does not advance past %d", ts)
		}
		ts = *h.ServerTimestamp
	}
}
