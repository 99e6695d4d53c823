package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/packet"
	"github.com/sugar-network/node/internal/schema"
	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/volume"
)

var quiet = log.New(io.Discard, "", 0)

type node struct {
	vol    *volume.Volume
	engine *snsync.Engine
}

func setupNode(t *testing.T, id string) *node {
	t.Helper()
	provider, err := schema.NewStatic(
		schema.Resource{Name: "context", Properties: []schema.Property{{Name: "title", Required: true}}},
	)
	require.NoError(t, err)
	root := t.TempDir()
	vol, err := volume.Open(root, provider, &volume.Options{CacheSize: 16, Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	engine, err := snsync.New(vol, snsync.OpenWatermarks(filepath.Join(root, "sync")), &snsync.Config{
		NodeID:      id,
		MaxAttempts: 1,
		Logger:      quiet,
	})
	require.NoError(t, err)
	return &node{vol: vol, engine: engine}
}

func (n *node) create(t *testing.T, title string) string {
	t.Helper()
	dir, _ := n.vol.Directory("context")
	raw, _ := json.Marshal(title)
	guid, err := dir.Create(context.Background(), directory.Props{"title": raw})
	require.NoError(t, err)
	return guid
}

func startServer(t *testing.T, n *node, resolver PrincipalResolver) *Server {
	t.Helper()
	s := New(n.engine, n.vol, &Config{Addr: "127.0.0.1:0", Resolver: resolver, Logger: quiet})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSyncEndpoint(t *testing.T) {
	ctx := context.Background()
	a := setupNode(t, "a")
	b := setupNode(t, "b")
	s := startServer(t, b, nil)
	peer := snsync.Peer{ID: "b", URL: "http://" + s.Addr()}

	guid := a.create(t, "hello")
	res, err := a.engine.Sync(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)

	dir, _ := b.vol.Directory("context")
	doc, err := dir.Get(ctx, guid)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(doc.Props["title"].Value))

	back := b.create(t, "reply")
	res, err = a.engine.Pull(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	adir, _ := a.vol.Directory("context")
	_, err = adir.Get(ctx, back)
	assert.NoError(t, err)
}

func postPacket(t *testing.T, url string, h packet.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w, err := packet.NewWriter(&buf, h, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	resp, err := http.Post(url, snsync.ContentType, &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSyncEndpointRejects(t *testing.T) {
	b := setupNode(t, "b")
	s := startServer(t, b, nil)
	base := "http://" + s.Addr() + "/sync"
	pull := packet.Header{Type: packet.TypePull, Src: "a", Dst: "b", Session: "s1"}

	tests := []struct {
		name   string
		url    string
		header packet.Header
		want   int
	}{
		{"empty pull", base + "?type=pull&src=a&dst=b", pull, http.StatusNoContent},
		{"query type mismatch", base + "?type=push", pull, http.StatusBadRequest},
		{"query src mismatch", base + "?src=c", pull, http.StatusBadRequest},
		{"bad sequence", base + "?sequence=x", pull, http.StatusBadRequest},
		{"misaddressed", base, packet.Header{Type: packet.TypePull, Src: "a", Dst: "c", Session: "s1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postPacket(t, tt.url, tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := http.Post(base, snsync.ContentType, bytes.NewReader([]byte("garbage")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(base)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncEndpointResolver(t *testing.T) {
	a := setupNode(t, "a")
	b := setupNode(t, "b")
	s := startServer(t, b, ResolverFunc(func(r *http.Request) (string, error) {
		if r.Header.Get("Authorization") == "" {
			return "", errors.New("anonymous")
		}
		return r.Header.Get("Authorization"), nil
	}))

	a.create(t, "one")
	_, err := a.engine.Push(context.Background(), snsync.Peer{ID: "b", URL: "http://" + s.Addr()})
	require.Error(t, err)
	assert.False(t, snsync.IsRetryable(err))
	assert.Contains(t, err.Error(), "403")
}

func TestEventsFeed(t *testing.T) {
	b := setupNode(t, "b")
	s := startServer(t, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg Message
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeHello, msg.Type)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	guid := b.create(t, "live")

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeEvent, msg.Type)

	var event volume.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, directory.EventCreate, event.Type)
	assert.Equal(t, guid, event.GUID)
	assert.Equal(t, "context", event.Resource)
}

func TestHealth(t *testing.T) {
	b := setupNode(t, "b")
	b.create(t, "one")
	s := startServer(t, b, nil)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Node      string `json:"node"`
		Committed uint64 `json:"committed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "b", body.Node)
	assert.Equal(t, uint64(1), body.Committed)
}

func TestFeedDropsSlowClient(t *testing.T) {
	f := newFeed(quiet)
	slow := &subscriber{queue: make(chan []byte, 1), dropped: make(chan struct{})}
	f.subs[slow] = struct{}{}

	f.publish(Message{Type: MessageTypeEvent})
	require.Equal(t, 1, f.len())
	f.publish(Message{Type: MessageTypeEvent})
	assert.Equal(t, 0, f.len())

	select {
	case <-slow.dropped:
	default:
		t.Fatal("slow client was not dropped")
	}

	var msg Message
	require.NoError(t, json.Unmarshal(<-slow.queue, &msg))
	assert.False(t, msg.Timestamp.IsZero(), "publish stamps messages")
}
