package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sugar-network/node/internal/packet"
	"github.com/sugar-network/node/internal/sequence"
)

// ContentType is the media type of packet bodies.
const ContentType = "application/x-tar"

// Push sends local changes the peer has not acknowledged, one packet per
// round trip, until everything is acknowledged or the peer stops making
// progress.
func (e *Engine) Push(ctx context.Context, peer Peer) (*Result, error) {
	if err := validPeer(peer.ID); err != nil {
		return nil, err
	}
	unlock := e.lock(peer.ID)
	defer unlock()

	res := &Result{}
	for {
		marks, err := e.marks.Load(peer.ID)
		if err != nil {
			return res, err
		}
		it, err := e.diffOutside(ctx, marks.Pushed)
		if err != nil {
			return res, err
		}
		window := it.Window()
		if window.Empty() {
			return res, nil
		}

		spool, err := e.spoolFile()
		if err != nil {
			return res, err
		}
		header := packet.Header{
			Type:     packet.TypePush,
			Src:      e.config.NodeID,
			Dst:      peer.ID,
			Session:  newSession(),
			Sequence: window,
		}
		var stats pushStats
		err = packet.WriteFile(spool, header, e.packetOptions(), func(w *packet.Writer) error {
			var err error
			stats, err = e.fillPush(w, it, true)
			return err
		})
		if err != nil {
			_ = os.Remove(spool)
			return res, err
		}
		if !stats.skipped.Empty() {
			// oversized records wait for a larger packet limit
			res.Pending = true
		}

		if stats.sent == 0 {
			// nothing visible in the window; the peer has nothing to miss
			_ = os.Remove(spool)
			if err := e.marks.Update(peer.ID, func(m *Marks) error {
				m.Pushed.Union(stats.commit)
				return nil
			}); err != nil {
				return res, err
			}
			if stats.pending && !stats.commit.Empty() {
				continue
			}
			return res, nil
		}

		reply, err := e.post(ctx, peer, header, spool)
		_ = os.Remove(spool)
		if err != nil {
			return res, err
		}
		if reply == nil {
			return res, transportError("push to %s returned no acknowledgement", peer.ID)
		}
		ack := reply.Header()
		_ = reply.Close()
		if err := e.checkReply(ack, packet.TypeAck, peer.ID); err != nil {
			return res, err
		}
		if ack.Session != header.Session {
			return res, fmt.Errorf("%w: ack for session %s, sent %s", ErrMisaddressed, ack.Session, header.Session)
		}

		progress := false
		err = e.marks.Update(peer.ID, func(m *Marks) error {
			before := m.Pushed.Clone()
			m.Pushed.Union(ack.Ack)
			m.Pulled.Union(ack.Merged)
			progress = !m.Pushed.Equal(before)
			return nil
		})
		if err != nil {
			return res, err
		}
		res.Pushed++
		res.Acked++

		covered := stats.commit.Clone()
		covered.Subtract(ack.Ack)
		if !stats.pending && covered.Empty() {
			return res, nil
		}
		if !progress {
			e.logger.Printf("Warning: %s acknowledged nothing new of %s", peer.ID, stats.commit)
			res.Pending = true
			return res, fmt.Errorf("push to %s: %w", peer.ID, ErrNoProgress)
		}
	}
}

// Pull asks the peer for changes missing locally and applies them until
// the peer has nothing more or a reply covers its whole window.
func (e *Engine) Pull(ctx context.Context, peer Peer) (*Result, error) {
	if err := validPeer(peer.ID); err != nil {
		return nil, err
	}
	unlock := e.lock(peer.ID)
	defer unlock()

	res := &Result{}
	for {
		marks, err := e.marks.Load(peer.ID)
		if err != nil {
			return res, err
		}
		header := packet.Header{
			Type:     packet.TypePull,
			Src:      e.config.NodeID,
			Dst:      peer.ID,
			Session:  newSession(),
			Sequence: marks.Pulled,
		}
		reply, err := e.post(ctx, peer, header, "")
		if err != nil {
			return res, err
		}
		if reply == nil {
			return res, nil
		}

		h := reply.Header()
		if err := e.checkReply(h, packet.TypePush, peer.ID); err != nil {
			_ = reply.Close()
			return res, err
		}
		patched, err := e.applyPush(ctx, peer.ID, transportReader{reply})
		_ = reply.Close()
		if err != nil {
			return res, err
		}
		res.Pulled++

		missing := h.Sequence.Clone()
		missing.Subtract(patched.Committed)
		if missing.Empty() {
			return res, e.settlePulled(peer.ID, h.Sequence)
		}
		grown := patched.Committed.Clone()
		grown.Subtract(marks.Pulled)
		if grown.Empty() {
			e.logger.Printf("Warning: pull from %s committed nothing new of %s", peer.ID, h.Sequence)
			res.Pending = true
			return res, nil
		}
	}
}

// settlePulled fills the holes of the pulled watermark below the end of a
// window the peer delivered in full. The peer left those seqnos out of the
// window, so nothing is missing there.
func (e *Engine) settlePulled(peer string, window sequence.Sequence) error {
	end := window.Last()
	if end == 0 || end == sequence.Inf {
		return nil
	}
	return e.marks.Update(peer, func(m *Marks) error {
		settled := m.Pulled.Clone()
		settled.Stretch()
		settled.Clip(end)
		m.Pulled.Union(settled)
		return nil
	})
}

// Sync pushes then pulls. A push that stalls still lets the pull run.
func (e *Engine) Sync(ctx context.Context, peer Peer) (*Result, error) {
	res := &Result{}
	pushed, err := e.Push(ctx, peer)
	res.add(pushed)
	if err != nil && !errors.Is(err, ErrNoProgress) {
		return res, err
	}
	pulled, err := e.Pull(ctx, peer)
	res.add(pulled)
	if err != nil {
		return res, err
	}
	e.logger.Printf("Synced with %s: pushed=%d pulled=%d pending=%v", peer.ID, res.Pushed, res.Pulled, res.Pending)
	return res, nil
}

// SyncWithRetry runs Sync, retrying the whole session after transport
// failures with exponential backoff capped at MaxBackoff.
func (e *Engine) SyncWithRetry(ctx context.Context, peer Peer) (*Result, error) {
	backoff := e.config.MinBackoff
	for attempt := 1; ; attempt++ {
		res, err := e.Sync(ctx, peer)
		if err == nil || !IsRetryable(err) {
			return res, err
		}
		if e.config.MaxAttempts > 0 && attempt >= e.config.MaxAttempts {
			return res, fmt.Errorf("giving up on %s after %d attempts: %w", peer.ID, attempt, err)
		}

		e.logger.Printf("Warning: sync with %s failed (attempt %d): %v; retrying in %s", peer.ID, attempt, err, backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, e.config.MaxBackoff)
	}
}

// replyReader is a reply packet and the response body it reads from.
type replyReader struct {
	*packet.Reader
	body io.Closer
}

func (r *replyReader) Close() error {
	return r.body.Close()
}

// post sends a packet to the peer's sync endpoint. body is a packet file;
// an empty body sends a header-only packet built from header. A nil reply
// means the peer had nothing to send back.
func (e *Engine) post(ctx context.Context, peer Peer, header packet.Header, body string) (*replyReader, error) {
	var payload io.Reader
	if body == "" {
		var buf bytes.Buffer
		w, err := packet.NewWriter(&buf, header, &packet.Options{})
		if err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		payload = &buf
	} else {
		f, err := os.Open(body)
		if err != nil {
			return nil, fmt.Errorf("failed to open packet: %w", err)
		}
		defer f.Close()
		payload = f
	}

	seq, err := json.Marshal(header.Sequence)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("type", string(header.Type))
	q.Set("src", header.Src)
	q.Set("dst", header.Dst)
	q.Set("sequence", string(seq))
	endpoint := strings.TrimSuffix(peer.URL, "/") + "/sync?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := e.config.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError("%s %s: %v", header.Type, peer.ID, err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		_ = resp.Body.Close()
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		r, err := packet.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, transportError("bad reply from %s: %v", peer.ID, err)
		}
		return &replyReader{Reader: r, body: resp.Body}, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		err := fmt.Errorf("%s rejected %s: %s: %s", peer.ID, header.Type, resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil, err
	}
}

// ParseSequence decodes the sequence query parameter of the live endpoint.
func ParseSequence(s string) (sequence.Sequence, error) {
	var seq sequence.Sequence
	if s == "" {
		return seq, nil
	}
	if err := json.Unmarshal([]byte(s), &seq); err != nil {
		return seq, err
	}
	return seq, nil
}
