// Package packet reads and writes sync packets.
//
// A packet is a tar archive. The first entry, "header", is a YAML mapping
// describing the exchange. Every following payload comes as a pair: a
// "<name>.meta" YAML mapping with the payload type, then "<name>" itself.
// Records payloads are newline-delimited JSON records; blob payloads are the
// raw blob bytes.
package packet

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/sugar-network/node/internal/sequence"
)

// APIVersion is the packet format version written by this node. Packets
// with a different major version are rejected.
const APIVersion = "v1.0.0"

// Suffix is the file name suffix of packets stored on disk.
const Suffix = ".packet"

var (
	// ErrMalformedPacket is returned when the header is missing or invalid.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrCapacityExceeded is returned when an entry does not fit the budget.
	// Everything written before stays in the packet.
	ErrCapacityExceeded = errors.New("packet capacity exceeded")
)

// Type is the kind of exchange a packet belongs to.
type Type string

const (
	// TypePush carries the sender's changes.
	TypePush Type = "push"
	// TypePull asks the receiver for the changes outside Sequence.
	TypePull Type = "pull"
	// TypeAck acknowledges a push.
	TypeAck Type = "ack"
)

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	switch t {
	case TypePush, TypePull, TypeAck:
		return true
	}
	return false
}

// Header describes a packet.
type Header struct {
	API     string `yaml:"api"`
	Type    Type   `yaml:"type"`
	Src     string `yaml:"src"`
	Dst     string `yaml:"dst,omitempty"` // empty means broadcast
	Session string `yaml:"session"`

	// Sequence is the sender's window for a push and the seqnos the
	// requester already holds for a pull.
	Sequence sequence.Sequence `yaml:"sequence,omitempty"`
	// Ack holds the pushed seqnos the receiver committed.
	Ack sequence.Sequence `yaml:"ack,omitempty"`
	// Merged holds the receiver's own seqnos created by applying the push.
	Merged sequence.Sequence `yaml:"merged,omitempty"`

	Created time.Time `yaml:"created"`
}

// Validate checks the fields every packet must carry.
func (h *Header) Validate() error {
	if !semver.IsValid(h.API) {
		return fmt.Errorf("%w: invalid api version %q", ErrMalformedPacket, h.API)
	}
	if semver.Major(h.API) != semver.Major(APIVersion) {
		return fmt.Errorf("%w: unsupported api version %s (want %s)", ErrMalformedPacket, h.API, semver.Major(APIVersion))
	}
	if !h.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedPacket, h.Type)
	}
	if h.Src == "" {
		return fmt.Errorf("%w: missing src", ErrMalformedPacket)
	}
	if h.Session == "" {
		return fmt.Errorf("%w: missing session", ErrMalformedPacket)
	}
	if h.Type == TypeAck && h.Dst == "" {
		return fmt.Errorf("%w: ack without dst", ErrMalformedPacket)
	}
	return nil
}

// AddressedTo reports whether node should process the packet.
func (h *Header) AddressedTo(node string) bool {
	return h.Dst == "" || h.Dst == node
}

// entryType tags a payload in its .meta entry.
type entryType string

const (
	entryRecords entryType = "records"
	entryBlob    entryType = "blob"
)

// entryMeta is the YAML content of a "<name>.meta" entry.
type entryMeta struct {
	Type entryType `yaml:"type"`

	Path          string            `yaml:"path,omitempty"`
	Digest        string            `yaml:"digest,omitempty"`
	ContentType   string            `yaml:"content-type,omitempty"`
	ContentLength int64             `yaml:"content-length,omitempty"`
	Seqno         uint64            `yaml:"seqno,omitempty"`
	Mtime         int64             `yaml:"mtime,omitempty"`
	Status        string            `yaml:"status,omitempty"`
	Location      string            `yaml:"location,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}
