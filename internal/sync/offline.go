package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sugar-network/node/internal/packet"
	"github.com/sugar-network/node/internal/sequence"
)

// MediaDir is the directory on removable media that holds packets.
const MediaDir = "sugar-network"

// mediaPacket is a packet found on media.
type mediaPacket struct {
	path   string
	header packet.Header
}

func packetPath(root string, typ packet.Type) string {
	return filepath.Join(root, string(typ), uuid.NewString()+"."+string(typ)+packet.Suffix)
}

// scanMedia reads the header of every packet under root. Unreadable
// packets are logged and skipped.
func (e *Engine) scanMedia(root string) ([]mediaPacket, error) {
	var out []mediaPacket
	for _, typ := range []packet.Type{packet.TypeAck, packet.TypePush, packet.TypePull} {
		dir := filepath.Join(root, string(typ))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, packet.Suffix) {
				continue
			}
			path := filepath.Join(dir, name)
			h, err := packet.ReadHeader(path)
			if err != nil {
				e.logger.Printf("Warning: skipping packet %s: %v", path, err)
				continue
			}
			if h.Type != typ {
				e.logger.Printf("Warning: skipping packet %s: %s packet in %s directory", path, h.Type, typ)
				continue
			}
			out = append(out, mediaPacket{path: path, header: h})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].header.Session < out[j].header.Session })
	return out, nil
}

// Offline exchanges packets with removable media mounted at root, which is
// the MediaDir of the mount. It consumes acknowledgements addressed to this
// node, applies pushes from other nodes and acknowledges them, answers
// their pulls, then leaves its own push and pull packets for peer. An empty
// peer addresses any node.
//
// The result is Pending while this node's push awaits acknowledgement or
// did not fit on the media.
func (e *Engine) Offline(ctx context.Context, root, peer string) (*Result, error) {
	key := peer
	if key == "" {
		key = Broadcast
	}
	if err := validPeer(key); err != nil {
		return nil, err
	}
	if peer == e.config.NodeID {
		return nil, fmt.Errorf("cannot exchange with self")
	}
	unlock := e.lock(key)
	defer unlock()

	found, err := e.scanMedia(root)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("Offline sync on %s: %d packets found", root, len(found))

	res := &Result{}
	if err := e.consumeAcks(found, key, res); err != nil {
		return res, err
	}
	if err := e.applyMediaPushes(ctx, root, found, res); err != nil {
		return res, err
	}
	if err := e.answerMediaPulls(ctx, root, found, peer, res); err != nil {
		return res, err
	}
	if err := e.writeMediaPush(ctx, root, peer, key, res); err != nil {
		return res, err
	}
	if err := e.writeMediaPull(root, peer, key); err != nil {
		return res, err
	}
	if err := e.dropSuperseded(root); err != nil {
		return res, err
	}

	e.logger.Printf("Offline sync on %s complete: pushed=%d pulled=%d acked=%d pending=%v",
		root, res.Pushed, res.Pulled, res.Acked, res.Pending)
	return res, nil
}

func (e *Engine) consumeAcks(found []mediaPacket, key string, res *Result) error {
	for _, p := range found {
		h := p.header
		if h.Type != packet.TypeAck || h.Dst != e.config.NodeID {
			continue
		}
		if err := validPeer(h.Src); err != nil {
			e.logger.Printf("Warning: skipping ack %s: %v", p.path, err)
			continue
		}
		if err := e.applyAck(h.Src, h); err != nil {
			return err
		}
		// broadcast pushes count as delivered once any node acknowledges
		if key == Broadcast {
			if err := e.applyAck(Broadcast, h); err != nil {
				return err
			}
		}
		if err := os.Remove(p.path); err != nil {
			e.logger.Printf("Warning: failed to remove consumed ack %s: %v", p.path, err)
		}
		res.Acked++
	}
	return nil
}

// applyMediaPushes applies pushes from other nodes and leaves one ack per
// session.
func (e *Engine) applyMediaPushes(ctx context.Context, root string, found []mediaPacket, res *Result) error {
	type session struct {
		src       string
		committed sequence.Sequence
		merged    sequence.Sequence
	}
	sessions := make(map[string]*session)
	var order []string

	for _, p := range found {
		h := p.header
		if h.Type != packet.TypePush || h.Src == e.config.NodeID || !h.AddressedTo(e.config.NodeID) {
			continue
		}
		if err := validPeer(h.Src); err != nil {
			e.logger.Printf("Warning: skipping push %s: %v", p.path, err)
			continue
		}
		r, err := packet.Open(p.path)
		if err != nil {
			e.logger.Printf("Warning: skipping push %s: %v", p.path, err)
			continue
		}
		patched, err := e.applyPush(ctx, h.Src, r)
		_ = r.Close()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Printf("Warning: failed to apply push %s: %v", p.path, err)
			continue
		}
		res.Pulled++

		s, ok := sessions[h.Session]
		if !ok {
			s = &session{src: h.Src}
			sessions[h.Session] = s
			order = append(order, h.Session)
		}
		s.committed.Union(patched.Committed)
		s.merged.Union(patched.Merged)
	}

	for _, id := range order {
		s := sessions[id]
		ack := packet.Header{
			Type:    packet.TypeAck,
			Src:     e.config.NodeID,
			Dst:     s.src,
			Session: id,
			Ack:     s.committed,
			Merged:  s.merged,
		}
		path := packetPath(root, packet.TypeAck)
		err := packet.WriteFile(path, ack, e.mediaOptions(), func(*packet.Writer) error { return nil })
		if err != nil {
			if errors.Is(err, packet.ErrCapacityExceeded) {
				e.logger.Printf("Warning: no room on media to acknowledge %s", s.src)
				res.Pending = true
				continue
			}
			return err
		}
		e.removeAcks(root, ack, path)
	}
	return nil
}

// removeAcks deletes older acks this node left for the same session.
func (e *Engine) removeAcks(root string, ack packet.Header, keep string) {
	found, err := e.scanMedia(root)
	if err != nil {
		return
	}
	for _, p := range found {
		h := p.header
		if p.path == keep || h.Type != packet.TypeAck || h.Src != ack.Src || h.Dst != ack.Dst || h.Session != ack.Session {
			continue
		}
		_ = os.Remove(p.path)
	}
}

// answerMediaPulls leaves push packets for pulls addressed to this node.
// Pulls from peer are covered by this node's own push.
func (e *Engine) answerMediaPulls(ctx context.Context, root string, found []mediaPacket, peer string, res *Result) error {
	answered := make(map[string]bool)
	for _, p := range found {
		h := p.header
		if h.Type == packet.TypePush && h.Src == e.config.NodeID {
			answered[h.Dst+"/"+h.Session] = true
		}
	}

	for _, p := range found {
		h := p.header
		if h.Type != packet.TypePull || h.Src == e.config.NodeID || !h.AddressedTo(e.config.NodeID) {
			continue
		}
		if h.Src == peer || answered[h.Src+"/"+h.Session] {
			continue
		}
		if err := validPeer(h.Src); err != nil {
			e.logger.Printf("Warning: skipping pull %s: %v", p.path, err)
			continue
		}
		marks, err := e.marks.Load(h.Src)
		if err != nil {
			return err
		}
		exclude := h.Sequence.Clone()
		exclude.Union(marks.Pushed)

		n, full, err := e.writePushes(ctx, root, exclude, h.Src, h.Session)
		if err != nil {
			return err
		}
		res.Pushed += n
		res.Pending = res.Pending || full
	}
	return nil
}

// writeMediaPush leaves everything peer has not acknowledged as a new
// session; older sessions of this node for peer are superseded.
func (e *Engine) writeMediaPush(ctx context.Context, root, peer, key string, res *Result) error {
	marks, err := e.marks.Load(key)
	if err != nil {
		return err
	}
	n, full, err := e.writePushes(ctx, root, marks.Pushed, peer, newSession())
	if err != nil {
		return err
	}
	res.Pushed += n
	res.Pending = res.Pending || full || n > 0
	return nil
}

// writePushes writes push packets of the changes outside exclude until the
// window is covered or the media is full. full reports the latter.
func (e *Engine) writePushes(ctx context.Context, root string, exclude sequence.Sequence, dst, session string) (n int, full bool, err error) {
	exclude = exclude.Clone()
	for {
		it, err := e.diffOutside(ctx, exclude)
		if err != nil {
			return n, false, err
		}
		if it.Window().Empty() {
			return n, false, nil
		}

		header := packet.Header{
			Type:     packet.TypePush,
			Src:      e.config.NodeID,
			Dst:      dst,
			Session:  session,
			Sequence: it.Window(),
		}
		var stats pushStats
		path := packetPath(root, packet.TypePush)
		w, err := packet.Create(path, header, e.mediaOptions())
		if errors.Is(err, packet.ErrCapacityExceeded) {
			return n, true, nil
		}
		if err != nil {
			return n, false, err
		}
		stats, err = e.fillPush(w, it, false)
		if err != nil || stats.sent == 0 {
			_ = w.Discard()
			if errors.Is(err, packet.ErrCapacityExceeded) {
				e.logger.Printf("Warning: media at %s is full", root)
				return n, true, nil
			}
			return n, false, err
		}
		if err := w.Close(); err != nil {
			return n, false, err
		}
		n++
		e.logger.Printf("Wrote push packet %s: %d records, committed=%s", filepath.Base(path), stats.sent, stats.commit)

		if !stats.pending {
			return n, false, nil
		}
		if stats.commit.Empty() {
			return n, true, nil
		}
		exclude.Union(stats.commit)
	}
}

// writeMediaPull leaves a pull request carrying what this node holds of
// peer's changes.
func (e *Engine) writeMediaPull(root, peer, key string) error {
	marks, err := e.marks.Load(key)
	if err != nil {
		return err
	}
	header := packet.Header{
		Type:     packet.TypePull,
		Src:      e.config.NodeID,
		Dst:      peer,
		Session:  newSession(),
		Sequence: marks.Pulled,
	}
	err = packet.WriteFile(packetPath(root, packet.TypePull), header, e.mediaOptions(), func(*packet.Writer) error { return nil })
	if errors.Is(err, packet.ErrCapacityExceeded) {
		e.logger.Printf("Warning: no room on media for a pull request")
		return nil
	}
	return err
}

func (e *Engine) mediaOptions() *packet.Options {
	return &packet.Options{Reserve: e.config.Reserve}
}

// dropSuperseded keeps, per push or pull stream (type, src, dst), only the
// packets of the newest session.
func (e *Engine) dropSuperseded(root string) error {
	found, err := e.scanMedia(root)
	if err != nil {
		return err
	}
	latest := make(map[string]string)
	key := func(h packet.Header) string { return string(h.Type) + "\x00" + h.Src + "\x00" + h.Dst }
	for _, p := range found {
		if p.header.Type == packet.TypeAck {
			continue
		}
		k := key(p.header)
		if p.header.Session > latest[k] {
			latest[k] = p.header.Session
		}
	}
	for _, p := range found {
		if p.header.Type == packet.TypeAck || p.header.Session == latest[key(p.header)] {
			continue
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove superseded packet: %w", err)
		}
		e.logger.Printf("Removed superseded packet %s", filepath.Base(p.path))
	}
	return nil
}

// GC removes packets under root created before the given time and returns
// how many were removed.
func GC(root string, before time.Time) (int, error) {
	removed := 0
	for _, typ := range []packet.Type{packet.TypeAck, packet.TypePush, packet.TypePull} {
		dir := filepath.Join(root, string(typ))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), packet.Suffix) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			h, err := packet.ReadHeader(path)
			if err != nil {
				continue
			}
			if !h.Created.Before(before) {
				continue
			}
			if err := os.Remove(path); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}
