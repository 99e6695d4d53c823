package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sugar-network/node/internal/packet"
	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/volume"
)

// SyncData describes a packet handled by the sync endpoint.
type SyncData struct {
	Type    packet.Type `json:"type"`
	Peer    string      `json:"peer"`
	Replied bool        `json:"replied"`
	Error   string      `json:"error,omitempty"`
}

// errForbidden marks requests whose principal may not send the packet.
var errForbidden = errors.New("forbidden")

// onEvent feeds a committed volume change to clients. It runs with the
// directory writer lock held and must not block.
func (s *Server) onEvent(e volume.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeEvent, Timestamp: time.Now(), Data: data})
}

func (s *Server) onSync(d SyncData) {
	data, err := json.Marshal(d)
	if err != nil {
		s.logger.Printf("Failed to marshal sync data: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeSync, Timestamp: time.Now(), Data: data})
}

// replyWriter commits a 200 response on the first byte of a reply packet.
type replyWriter struct {
	w       http.ResponseWriter
	started bool
}

func (rw *replyWriter) Write(p []byte) (int, error) {
	if !rw.started {
		rw.started = true
		rw.w.Header().Set("Content-Type", snsync.ContentType)
		rw.w.WriteHeader(http.StatusOK)
	}
	return rw.w.Write(p)
}

// checkRequest verifies that the query parameters describe the packet and
// that the caller may send it.
func (s *Server) checkRequest(r *http.Request, h packet.Header) error {
	q := r.URL.Query()
	if q.Has("type") && q.Get("type") != string(h.Type) {
		return fmt.Errorf("%w: query type %q, packet %q", packet.ErrMalformedPacket, q.Get("type"), h.Type)
	}
	if q.Has("src") && q.Get("src") != h.Src {
		return fmt.Errorf("%w: query src %q, packet %q", packet.ErrMalformedPacket, q.Get("src"), h.Src)
	}
	if q.Has("dst") && q.Get("dst") != h.Dst {
		return fmt.Errorf("%w: query dst %q, packet %q", packet.ErrMalformedPacket, q.Get("dst"), h.Dst)
	}
	if q.Has("sequence") {
		seq, err := snsync.ParseSequence(q.Get("sequence"))
		if err != nil {
			return fmt.Errorf("%w: query sequence: %v", packet.ErrMalformedPacket, err)
		}
		if !seq.Equal(h.Sequence) {
			return fmt.Errorf("%w: query sequence %s, packet %s", packet.ErrMalformedPacket, seq, h.Sequence)
		}
	}

	if s.config.Resolver == nil {
		return nil
	}
	principal, err := s.config.Resolver.Principal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", errForbidden, err)
	}
	if principal != h.Src {
		return fmt.Errorf("%w: %q cannot send packets of %q", errForbidden, principal, h.Src)
	}
	return nil
}

func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, packet.ErrMalformedPacket), errors.Is(err, snsync.ErrMisaddressed):
		return http.StatusBadRequest
	case errors.Is(err, packet.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// handleSync serves the live endpoint: the request body is a push, pull or
// ack packet; the response is the reply packet or 204 when there is none.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if s.config.MaxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBody)
	}

	pr, err := packet.NewReader(body)
	if err != nil {
		s.fail(w, SyncData{}, err)
		return
	}
	h := pr.Header()
	d := SyncData{Type: h.Type, Peer: h.Src}
	if err := s.checkRequest(r, h); err != nil {
		s.fail(w, d, err)
		return
	}

	rw := &replyWriter{w: w}
	replied, err := s.engine.HandlePacket(r.Context(), pr, rw)
	if err != nil {
		if rw.started {
			// the status is already sent; the client sees a cut packet
			s.logger.Printf("Warning: %s from %s failed mid-reply: %v", h.Type, h.Src, err)
			d.Error = err.Error()
			s.onSync(d)
			return
		}
		s.fail(w, d, err)
		return
	}
	if !replied {
		w.WriteHeader(http.StatusNoContent)
	}
	d.Replied = replied
	s.onSync(d)
}

func (s *Server) fail(w http.ResponseWriter, d SyncData, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.logger.Printf("Sync request failed: %v", err)
	}
	http.Error(w, err.Error(), code)
	if d.Type != "" {
		d.Error = err.Error()
		s.onSync(d)
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"node":      s.engine.NodeID(),
		"committed": s.vol.Counter().Committed(),
		"clients":   s.ClientCount(),
	})
}
