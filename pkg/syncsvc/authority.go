// Package syncsvc keeps clients consistent through a central ordering
// authority. Clients apply commands locally and forward them over a websocket;
// the authority stamps each with a strictly increasing server timestamp,
// appends it to its log and rebroadcasts it to every other connected client.
// Clients that were away catch up over HTTP from the last timestamp they saw.
package syncsvc

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/landscape-sync/pkg/command"
	"github.com/astromechza/landscape-sync/pkg/result"
)

const (
	DefaultSendBuffer = 256
	DefaultPageSize   = 1000
)

type AuthorityConfig struct {
	// Log defaults to a MemoryLog.
	Log EventLog
	// Auth may be nil for an open authority.
	Auth *Authenticator
	// SendBuffer is the number of frames queued per peer before the peer is
	// considered too slow and disconnected.
	SendBuffer int
	// PageSize caps the events returned by one /events request.
	PageSize int
	Logger   *slog.Logger
}

func (c AuthorityConfig) withDefaults() AuthorityConfig {
	if c.Log == nil {
		c.Log = NewMemoryLog()
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Authority struct {
	cfg AuthorityConfig
	log *slog.Logger

	// mu orders appends with their broadcasts so every peer sees events in
	// timestamp order.
	mu       sync.Mutex
	peers    map[uint64]*peer
	nextPeer uint64
}

type peer struct {
	id     uint64
	userID string

	// mu orders sends against close. Nothing is queued once done is closed.
	mu     sync.Mutex
	send   chan Frame
	closed bool
	done   chan struct{}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *peer) closeLocked() {
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func NewAuthority(cfg AuthorityConfig) *Authority {
	cfg = cfg.withDefaults()
	return &Authority{cfg: cfg, log: cfg.Logger, peers: make(map[uint64]*peer)}
}

// ReceiveDocumentEvent orders a serialized command from senderID and
// rebroadcasts it to every other peer. senderID 0 means the event did not
// arrive over a peer connection. When userID is not empty the command must be
// authored by that user. A command id seen before returns its original
// timestamp and is not broadcast again.
func (a *Authority) ReceiveDocumentEvent(ctx context.Context, senderID uint64, userID string, data []byte) (uint64, error) {
	kind, h, err := command.PeekHeader(data)
	if err != nil {
		return 0, err
	}
	if h.ID == "" || h.DocumentID == "" {
		return 0, result.Validation("%s event is missing its id or document", kind)
	}
	if userID != "" && h.UserID != userID {
		return 0, result.Validation("event %s is authored by %q, not %q", h.ID, h.UserID, userID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ts, stamped, fresh, err := a.cfg.Log.Append(ctx, AppendRequest{
		ID:              h.ID,
		DocumentID:      h.DocumentID,
		UserID:          h.UserID,
		Kind:            int(kind),
		ClientTimestamp: h.ClientTimestamp,
	}, func(ts uint64) ([]byte, error) {
		out, _, err := command.WithServerTimestamp(data, ts)
		return out, err
	})
	if err != nil {
		return 0, err
	}
	if !fresh {
		a.log.Debug("duplicate event", "id", h.ID, "ts", ts)
		return ts, nil
	}
	eventsOrdered.Inc()
	a.log.Info("ordered", "id", h.ID, "kind", kind, "document", h.DocumentID, "ts", ts)
	for id, p := range a.peers {
		if id != senderID {
			a.enqueue(p, Frame{Type: FrameBroadcast, Event: stamped, Timestamp: ts})
		}
	}
	return ts, nil
}

// enqueue never blocks. A peer whose buffer is full is disconnected and will
// catch up when it reconnects. Once a frame has been dropped no later frame is
// queued, so a client never sees a timestamp past a gap.
func (a *Authority) enqueue(p *peer, f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- f:
	default:
		broadcastDropped.Inc()
		a.log.Warn("peer too slow, disconnecting", "peer", p.id, "user", p.userID)
		p.closeLocked()
	}
}

// GetServerTime returns the latest assigned timestamp.
func (a *Authority) GetServerTime() uint64 {
	return a.cfg.Log.Last()
}

// GetEventsSince returns every event with a timestamp greater than ts in
// ascending order.
func (a *Authority) GetEventsSince(ctx context.Context, ts uint64) ([][]byte, error) {
	return a.cfg.Log.Since(ctx, ts, 0)
}

func (a *Authority) addPeer(userID string) *peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextPeer++
	p := &peer{id: a.nextPeer, userID: userID, send: make(chan Frame, a.cfg.SendBuffer), done: make(chan struct{})}
	a.peers[p.id] = p
	connectedPeers.Inc()
	return p
}

func (a *Authority) removePeer(p *peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.peers[p.id]; ok {
		delete(a.peers, p.id)
		connectedPeers.Dec()
	}
	p.close()
}

// Close disconnects every peer.
func (a *Authority) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.peers {
		p.close()
	}
}

func (a *Authority) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			a.log.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(a.serveWebsocket)
	r.Methods(http.MethodGet).Path("/time").HandlerFunc(a.serveTime)
	r.Methods(http.MethodGet).Path("/events").HandlerFunc(a.serveEvents)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

func (a *Authority) authenticate(writer http.ResponseWriter, request *http.Request) (string, bool) {
	userID, err := a.cfg.Auth.Authenticate(request)
	if err != nil {
		a.log.Warn("rejected request", "url", request.URL.Path, "err", err)
		http.Error(writer, err.Error(), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (a *Authority) writeCBOR(writer http.ResponseWriter, v interface{}) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		a.log.Error("failed to encode response", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", cborContentType)
	if _, err := writer.Write(raw); err != nil {
		a.log.Error("failed to write out", "err", err)
	}
}

func (a *Authority) serveTime(writer http.ResponseWriter, request *http.Request) {
	if _, ok := a.authenticate(writer, request); !ok {
		return
	}
	a.writeCBOR(writer, timeResponse{Timestamp: a.GetServerTime()})
}

func (a *Authority) serveEvents(writer http.ResponseWriter, request *http.Request) {
	if _, ok := a.authenticate(writer, request); !ok {
		return
	}
	var since uint64
	if raw := request.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(writer, "invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}
	limit := a.cfg.PageSize
	if raw := request.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(writer, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(v, a.cfg.PageSize)
	}
	// one extra row tells the caller whether to ask again
	events, err := a.cfg.Log.Since(request.Context(), since, limit+1)
	if err != nil {
		a.log.Error("failed to read events", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp := eventsResponse{Events: events}
	if len(events) > limit {
		resp.Events, resp.More = events[:limit], true
	}
	a.writeCBOR(writer, resp)
}

func (a *Authority) serveWebsocket(writer http.ResponseWriter, request *http.Request) {
	userID, ok := a.authenticate(writer, request)
	if !ok {
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		a.log.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	p := a.addPeer(userID)
	defer a.removePeer(p)
	a.log.Info("peer connected", "peer", p.id, "user", userID)

	g, ctx := errgroup.WithContext(request.Context())
	g.Go(func() error {
		defer p.close()
		for {
			f, err := readFrame(conn)
			if err != nil {
				return err
			}
			if f.Type != FrameEvent {
				a.enqueue(p, Frame{Type: FrameError, Seq: f.Seq, Error: &FrameFault{Code: result.CodeValidation, Message: "unexpected " + string(f.Type) + " frame"}})
				continue
			}
			ts, err := a.ReceiveDocumentEvent(ctx, p.id, userID, f.Event)
			if err != nil {
				a.log.Warn("rejected event", "peer", p.id, "err", err)
				a.enqueue(p, Frame{Type: FrameError, Seq: f.Seq, Error: faultOf(err)})
				continue
			}
			a.enqueue(p, Frame{Type: FrameAck, Seq: f.Seq, Timestamp: ts})
		}
	})
	g.Go(func() error {
		defer conn.Close()
		for {
			select {
			case <-p.done:
				return nil
			default:
			}
			select {
			case f := <-p.send:
				if err := writeFrame(conn, f); err != nil {
					return err
				}
			case <-p.done:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})
	if err := g.Wait(); err != nil {
		a.log.Debug("peer connection ended", "peer", p.id, "err", err)
	}
	a.log.Info("peer disconnected", "peer", p.id, "user", userID)
}
