package blobs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Status is the lifecycle state recorded in a blob sidecar.
type Status string

const (
	// StatusOK means the payload is stored locally.
	StatusOK Status = "ok"
	// StatusRedirect means the payload is hosted at Meta.Location.
	StatusRedirect Status = "redirect"
	// StatusGone marks a tombstone left by Delete.
	StatusGone Status = "gone"
)

// Meta is the sidecar metadata stored next to every blob payload.
type Meta struct {
	Digest        string
	ContentType   string
	ContentLength int64
	Seqno         uint64
	Mtime         int64 // unix microseconds of the last replicated change
	Status        Status
	Location      string
	PayloadMtime  int64 // unix nanoseconds of the payload file when the sidecar was written
	Headers       map[string]string
}

// sidecar keys in the order they are written
const (
	keyDigest        = "digest"
	keyContentType   = "content-type"
	keyContentLength = "content-length"
	keySeqno         = "seqno"
	keyMtime         = "mtime"
	keyStatus        = "status"
	keyLocation      = "location"
	keyPayloadMtime  = "payload-mtime"
)

var reservedKeys = map[string]bool{
	keyDigest:        true,
	keyContentType:   true,
	keyContentLength: true,
	keySeqno:         true,
	keyMtime:         true,
	keyStatus:        true,
	keyLocation:      true,
	keyPayloadMtime:  true,
}

// MarshalText renders the sidecar: one "key: value" line per field, fixed
// keys first, custom headers after in sorted order. Values are quoted so the
// file stays ASCII.
func (m Meta) MarshalText() ([]byte, error) {
	var buf bytes.Buffer
	line := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(strconv.QuoteToASCII(value))
		buf.WriteByte('\n')
	}

	line(keyDigest, m.Digest)
	line(keyContentType, m.ContentType)
	line(keyContentLength, strconv.FormatInt(m.ContentLength, 10))
	line(keySeqno, strconv.FormatUint(m.Seqno, 10))
	line(keyMtime, strconv.FormatInt(m.Mtime, 10))
	line(keyStatus, string(m.Status))
	if m.Location != "" {
		line(keyLocation, m.Location)
	}
	line(keyPayloadMtime, strconv.FormatInt(m.PayloadMtime, 10))

	headers := make(map[string]string, len(m.Headers))
	keys := make([]string, 0, len(m.Headers))
	for name, value := range m.Headers {
		key := strings.ToLower(name)
		if reservedKeys[key] || !validKey(key) {
			return nil, fmt.Errorf("invalid header name %q", name)
		}
		if _, dup := headers[key]; !dup {
			keys = append(keys, key)
		}
		headers[key] = value
	}
	sort.Strings(keys)
	for _, key := range keys {
		line(key, headers[key])
	}

	return buf.Bytes(), nil
}

// UnmarshalText parses the sidecar format written by MarshalText.
func (m *Meta) UnmarshalText(data []byte) error {
	parsed := Meta{Status: StatusOK}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		key, raw, ok := strings.Cut(text, ": ")
		if !ok {
			return fmt.Errorf("line %d: expected \"key: value\"", lineNum)
		}
		value, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("line %d: invalid value for %s: %w", lineNum, key, err)
		}

		switch key {
		case keyDigest:
			parsed.Digest = value
		case keyContentType:
			parsed.ContentType = value
		case keyContentLength:
			parsed.ContentLength, err = strconv.ParseInt(value, 10, 64)
		case keySeqno:
			parsed.Seqno, err = strconv.ParseUint(value, 10, 64)
		case keyMtime:
			parsed.Mtime, err = strconv.ParseInt(value, 10, 64)
		case keyStatus:
			parsed.Status = Status(value)
		case keyLocation:
			parsed.Location = value
		case keyPayloadMtime:
			parsed.PayloadMtime, err = strconv.ParseInt(value, 10, 64)
		default:
			if parsed.Headers == nil {
				parsed.Headers = make(map[string]string)
			}
			parsed.Headers[key] = value
		}
		if err != nil {
			return fmt.Errorf("line %d: invalid %s: %w", lineNum, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	switch parsed.Status {
	case StatusOK, StatusRedirect, StatusGone:
	default:
		return fmt.Errorf("unknown status %q", parsed.Status)
	}

	*m = parsed
	return nil
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

func readMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := m.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("failed to parse blob metadata %s: %w", path, err)
	}
	return &m, nil
}

// writeMeta writes the sidecar via a temp file and rename.
func writeMeta(path string, m *Meta) error {
	data, err := m.MarshalText()
	if err != nil {
		return fmt.Errorf("failed to encode blob metadata: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close metadata: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}
