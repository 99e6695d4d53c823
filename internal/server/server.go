// Package server exposes a node over HTTP: the live sync endpoint other
// nodes push to and pull from, and a WebSocket feed of committed changes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/volume"
)

// MessageType names what a feed message carries.
type MessageType string

const (
	// MessageTypeHello is sent once to every new client.
	MessageTypeHello MessageType = "hello"

	// MessageTypeEvent carries a committed document change.
	MessageTypeEvent MessageType = "event"

	// MessageTypeSync reports a packet handled by the sync endpoint.
	MessageTypeSync MessageType = "sync"
)

// Message is one feed entry, sent to clients as a JSON text frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PrincipalResolver tells who is behind a request. The sync endpoint only
// accepts packets whose source is the resolved principal.
type PrincipalResolver interface {
	Principal(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to PrincipalResolver.
type ResolverFunc func(r *http.Request) (string, error)

// Principal calls f.
func (f ResolverFunc) Principal(r *http.Request) (string, error) {
	return f(r)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address; empty means ":8000".
	Addr string

	// Resolver authenticates sync requests; nil trusts the packet source.
	Resolver PrincipalResolver

	// MaxBody caps an incoming packet; 0 means unlimited.
	MaxBody int64

	Logger *log.Logger
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() *Config {
	return &Config{
		Addr:    ":8000",
		MaxBody: 256 << 20,
		Logger:  log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server serves one node.
type Server struct {
	engine *snsync.Engine
	vol    *volume.Volume
	config Config
	logger *log.Logger

	feed        *feed
	unsubscribe func()

	httpServer *http.Server
	ln         net.Listener
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server for the node behind engine and vol. Committed
// volume changes are fed to WebSocket clients from now on.
func New(engine *snsync.Engine, vol *volume.Volume, config *Config) *Server {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	c := *config
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}

	s := &Server{
		engine: engine,
		vol:    vol,
		config: c,
		logger: c.Logger,
		feed:   newFeed(c.Logger),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubscribe = vol.Subscribe(s.onEvent)
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	s.done = make(chan struct{})

	// no write timeout: pull replies stream whole packets
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("Listening on %s", ln.Addr())
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects feed clients, then waits up to five seconds for sync
// requests in flight.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")
	s.unsubscribe()
	s.cancel()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	<-s.done
	if err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	s.logger.Println("Server stopped")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

// ClientCount returns how many feed clients are connected.
func (s *Server) ClientCount() int {
	return s.feed.len()
}

// Broadcast sends msg to every feed client without blocking.
func (s *Server) Broadcast(msg Message) {
	s.feed.publish(msg)
}

// handleEvents upgrades to a WebSocket, greets the client with the node id
// and streams feed messages until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	hello, _ := json.Marshal(map[string]string{"node": s.engine.NodeID()})
	data, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now(), Data: hello})
	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = conn.Write(ctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		_ = conn.CloseNow()
		return
	}

	// subscribed after the hello so no event can precede it
	s.feed.serve(s.ctx, s.feed.add(conn))
}
