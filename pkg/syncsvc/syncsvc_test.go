package syncsvc_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/assets"
	"github.com/astromechza/landscape-sync/pkg/command"
	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store/storetest"
	"github.com/astromechza/landscape-sync/pkg/syncsvc"
)

const waitFor = 5 * time.Second

func serve(t *testing.T, cfg syncsvc.AuthorityConfig) (*syncsvc.Authority, *httptest.Server) {
	a := syncsvc.NewAuthority(cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Close()
		srv.Close()
	})
	return a, srv
}

type node struct {
	t        *testing.T
	m        *document.Manager
	c        *syncsvc.Client
	received chan command.Command
}

func newNode(t *testing.T, url, token string) *node {
	m := document.NewManager(document.Config{Store: storetest.New(t), Assets: assets.NewMemory()})
	landscape.Register(m)
	c, err := syncsvc.NewClient(syncsvc.ClientConfig{
		URL:     url,
		Token:   token,
		Manager: m,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	})
	require.NoError(t, err)
	n := &node{t: t, m: m, c: c, received: make(chan command.Command, 16)}
	c.OnRemoteEvent(func(cmd command.Command) {
		n.received <- cmd
	})
	return n
}

func (n *node) start() {
	require.NoError(n.t, n.c.Start(context.Background()))
	n.t.Cleanup(n.c.Close)
	require.Eventually(n.t, func() bool {
		return n.c.State() == syncsvc.StateConnected
	}, waitFor, 10*time.Millisecond)
}

func (n *node) apply(cmd command.Command) {
	_, err := n.c.ApplyLocalEvent(context.Background(), cmd)
	require.NoError(n.t, err)
}

func (n *node) next() command.Command {
	select {
	case cmd := <-n.received:
		return cmd
	case <-time.After(waitFor):
		n.t.Fatal("timed out waiting for a remote event")
		return nil
	}
}

func (n *node) drained() bool {
	pending, err := n.m.Store().PendingEvents(context.Background(), 10)
	return err == nil && len(pending) == 0
}

func TestBroadcastReachesOtherClients(t *testing.T) {
	ctx := context.Background()
	_, srv := serve(t, syncsvc.AuthorityConfig{})
	a := newNode(t, srv.URL, "")
	b := newNode(t, srv.URL, "")
	a.start()
	b.start()

	create := command.NewCreateLandscape("alice", 1)
	a.apply(create)
	layer := command.NewCreateLayer("alice", create.DocumentID, "Layer1", nil)
	a.apply(layer)

	first, second := b.next(), b.next()
	assert.Equal(t, create.ID, first.Head().ID)
	assert.Equal(t, layer.ID, second.Head().ID)
	require.NotNil(t, first.Head().ServerTimestamp)
	require.NotNil(t, second.Head().ServerTimestamp)
	assert.Greater(t, *second.Head().ServerTimestamp, *first.Head().ServerTimestamp)

	require.Eventually(t, a.drained, waitFor, 10*time.Millisecond)
	ev, err := a.m.Store().GetEvent(ctx, layer.ID)
	require.NoError(t, err)
	require.NotNil(t, ev.ServerTimestamp)
	assert.Equal(t, *second.Head().ServerTimestamp, *ev.ServerTimestamp)

	r, err := document.Rent[*landscape.LandscapeDocument](ctx, b.m, create.DocumentID)
	require.NoError(t, err)
	defer r.Release()
	n, ok := r.Document().Node(layer.LayerID)
	require.True(t, ok)
	assert.Equal(t, "Layer1", n.Name)

	// the sender is not sent its own event back
	select {
	case cmd := <-a.received:
		t.Fatalf("sender received %s", cmd.Head().ID)
	default:
	}
}

func TestOfflineEditsAreForwardedAndCaughtUp(t *testing.T) {
	ctx := context.Background()
	_, srv := serve(t, syncsvc.AuthorityConfig{})
	a := newNode(t, srv.URL, "")

	create := command.NewCreateLandscape("alice", 7)
	a.apply(create)
	assert.Equal(t, syncsvc.StateDisconnected, a.c.State())
	assert.False(t, a.drained())

	a.start()
	require.Eventually(t, a.drained, waitFor, 10*time.Millisecond)

	b := newNode(t, srv.URL, "")
	b.start()
	caught := b.next()
	assert.Equal(t, create.ID, caught.Head().ID)

	events, err := b.c.GetEventsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	now, err := b.c.GetServerTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, *caught.Head().ServerTimestamp, now)

	events, err = b.c.GetEventsSince(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReceiveDocumentEventOrdersAndDeduplicates(t *testing.T) {
	logs := map[string]func(t *testing.T) syncsvc.EventLog{
		"memory": func(t *testing.T) syncsvc.EventLog {
			return syncsvc.NewMemoryLog()
		},
		"store": func(t *testing.T) syncsvc.EventLog {
			l, err := syncsvc.NewStoreLog(context.Background(), storetest.New(t))
			require.NoError(t, err)
			return l
		},
	}
	for name, newLog := range logs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := syncsvc.NewAuthority(syncsvc.AuthorityConfig{Log: newLog(t)})

			var first []byte
			var firstTS, last uint64
			for i := 0; i < 20; i++ {
				data, err := command.Marshal(command.NewCreateLandscape("alice", uint16(i)))
				require.NoError(t, err)
				ts, err := a.ReceiveDocumentEvent(ctx, 0, "", data)
				require.NoError(t, err)
				assert.Greater(t, ts, last)
				last = ts
				if i == 0 {
					first, firstTS = data, ts
				}
			}
			assert.Equal(t, last, a.GetServerTime())

			again, err := a.ReceiveDocumentEvent(ctx, 0, "", first)
			require.NoError(t, err)
			assert.Equal(t, firstTS, again)
			assert.Equal(t, last, a.GetServerTime())

			events, err := a.GetEventsSince(ctx, 0)
			require.NoError(t, err)
			require.Len(t, events, 20)
			var prev uint64
			for _, data := range events {
				_, h, err := command.PeekHeader(data)
				require.NoError(t, err)
				require.NotNil(t, h.ServerTimestamp)
				assert.Greater(t, *h.ServerTimestamp, prev)
				prev = *h.ServerTimestamp
			}

			events, err = a.GetEventsSince(ctx, firstTS)
			require.NoError(t, err)
			assert.Len(t, events, 19)
		})
	}
}

func TestUnappliableRemoteEventIsRecorded(t *testing.T) {
	ctx := context.Background()
	a, srv := serve(t, syncsvc.AuthorityConfig{})
	b := newNode(t, srv.URL, "")
	b.start()

	orphan := command.AddStaticObject("mallory", landscape.DocumentID(3), "missing", 0x12340000, landscape.StaticObject{InstanceID: 1})
	data, err := command.Marshal(orphan)
	require.NoError(t, err)
	orphanTS, err := a.ReceiveDocumentEvent(ctx, 0, "", data)
	require.NoError(t, err)

	create := command.NewCreateLandscape("alice", 3)
	data, err = command.Marshal(create)
	require.NoError(t, err)
	_, err = a.ReceiveDocumentEvent(ctx, 0, "", data)
	require.NoError(t, err)

	assert.Equal(t, create.ID, b.next().Head().ID)
	failed := b.c.FailedRemoteEvents()
	require.Len(t, failed, 1)
	assert.Equal(t, orphan.ID, failed[0].ID)
	assert.Equal(t, command.KindUpdateLandblock, failed[0].Kind)
	assert.Equal(t, orphanTS, failed[0].ServerTimestamp)
	assert.True(t, result.Is(failed[0].Err, result.KindNotFound))
}

func TestStoreLogResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "authority.sqlite3")
	l, err := syncsvc.NewStoreLog(ctx, storetest.Open(t, path))
	require.NoError(t, err)
	data, err := command.Marshal(command.NewCreateLandscape("alice", 1))
	require.NoError(t, err)
	ts, err := syncsvc.NewAuthority(syncsvc.AuthorityConfig{Log: l}).ReceiveDocumentEvent(ctx, 0, "", data)
	require.NoError(t, err)

	reopened, err := syncsvc.NewStoreLog(ctx, storetest.Open(t, path))
	require.NoError(t, err)
	assert.Equal(t, ts, reopened.Last())
	data, err = command.Marshal(command.NewCreateLandscape("alice", 2))
	require.NoError(t, err)
	next, err := syncsvc.NewAuthority(syncsvc.AuthorityConfig{Log: reopened}).ReceiveDocumentEvent(ctx, 0, "", data)
	require.NoError(t, err)
	assert.Greater(t, next, ts)
}

func TestFailedStampDoesNotAdvanceLog(t *testing.T) {
	ctx := context.Background()
	l := syncsvc.NewMemoryLog()
	_, _, _, err := l.Append(ctx, syncsvc.AppendRequest{ID: "a"}, func(uint64) ([]byte, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, l.Last())

	ts, data, fresh, err := l.Append(ctx, syncsvc.AppendRequest{ID: "a"}, func(uint64) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, ts, l.Last())
}

func TestAuthorityRejectsBadEvents(t *testing.T) {
	ctx := context.Background()
	a := syncsvc.NewAuthority(syncsvc.AuthorityConfig{})

	_, err := a.ReceiveDocumentEvent(ctx, 0, "", []byte{0x01})
	assert.Equal(t, result.CodeMalformedPayload, result.CodeOf(err))

	data, err := command.Marshal(command.NewCreateLandscape("alice", 1))
	require.NoError(t, err)
	_, err = a.ReceiveDocumentEvent(ctx, 0, "bob", data)
	assert.True(t, result.Is(err, result.KindValidation))
	assert.Zero(t, a.GetServerTime())
}

func TestAuthentication(t *testing.T) {
	auth := syncsvc.NewAuthenticator([]byte("secret"))
	_, srv := serve(t, syncsvc.AuthorityConfig{Auth: auth})

	resp, err := http.Get(srv.URL + "/time")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Issue("alice", time.Minute)
	require.NoError(t, err)
	resp, err = http.Get(srv.URL + "/time?token=" + token)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	user, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	_, err = syncsvc.NewAuthenticator([]byte("other")).Verify(token)
	assert.ErrorIs(t, err, syncsvc.ErrUnauthorized)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// an event authored by someone else is refused but does not block the queue
	ctx := context.Background()
	n := newNode(t, srv.URL, token)
	forged := command.NewCreateLandscape("mallory", 1)
	n.apply(forged)
	own := command.NewCreateLandscape("alice", 2)
	n.apply(own)
	n.start()
	require.Eventually(t, func() bool {
		ev, err := n.m.Store().GetEvent(ctx, own.ID)
		return err == nil && ev.ServerTimestamp != nil
	}, waitFor, 10*time.Millisecond)
	ev, err := n.m.Store().GetEvent(ctx, forged.ID)
	require.NoError(t, err)
	assert.Nil(t, ev.ServerTimestamp)
}
