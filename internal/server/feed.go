package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// clientQueue is how many messages may wait for one client before it
	// is disconnected.
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// subscriber is one WebSocket client of the feed.
type subscriber struct {
	conn    *websocket.Conn
	queue   chan []byte
	dropped chan struct{}
}

// feed fans messages out to subscribers. Publishing never blocks: every
// subscriber drains its own queue, and one that falls behind is dropped.
type feed struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}

	logger *log.Logger
}

func newFeed(logger *log.Logger) *feed {
	return &feed{subs: make(map[*subscriber]struct{}), logger: logger}
}

func (f *feed) publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.queue <- data:
		default:
			f.logger.Println("Warning: client fell behind, disconnecting it")
			delete(f.subs, sub)
			close(sub.dropped)
		}
	}
}

func (f *feed) add(conn *websocket.Conn) *subscriber {
	sub := &subscriber{
		conn:    conn,
		queue:   make(chan []byte, clientQueue),
		dropped: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	n := len(f.subs)
	f.mu.Unlock()
	f.logger.Printf("Client connected (total: %d)", n)
	return sub
}

func (f *feed) remove(sub *subscriber) {
	f.mu.Lock()
	_, ok := f.subs[sub]
	delete(f.subs, sub)
	n := len(f.subs)
	f.mu.Unlock()
	if ok {
		f.logger.Printf("Client disconnected (total: %d)", n)
	}
}

func (f *feed) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// serve writes queued messages to sub until the client leaves, falls
// behind, or ctx ends. Incoming frames are discarded.
func (f *feed) serve(ctx context.Context, sub *subscriber) {
	defer f.remove(sub)
	ctx = sub.conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			_ = sub.conn.Close(websocket.StatusGoingAway, "")
			return
		case <-sub.dropped:
			_ = sub.conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case data := <-sub.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := sub.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				f.logger.Printf("Failed to send to client: %v", err)
				_ = sub.conn.CloseNow()
				return
			}
		}
	}
}
