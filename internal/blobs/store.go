// Package blobs stores binary payloads next to line-oriented metadata sidecars.
//
// Three namespaces live under the volume root:
//
//	blobs/<digest[0:2]>/<digest>            content addressed (SHA-256)
//	files/<path>                            deposited by operators, path addressed
//	thumbs/<size>/<digest[0:2]>/<digest>    derived PNG thumbnails, never replicated
//
// Every payload has a "<path>.meta" sidecar. Deletion leaves a tombstone
// sidecar with status "gone" so the deletion replicates like any other change.
package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sugar-network/node/internal/sequence"
)

const (
	// NamespaceBlobs holds digest-addressed payloads.
	NamespaceBlobs = "blobs"
	// NamespaceFiles holds path-addressed payloads.
	NamespaceFiles = "files"
	// NamespaceThumbs holds thumbnails derived from digest-addressed images.
	NamespaceThumbs = "thumbs"

	metaSuffix = ".meta"
)

var (
	// ErrNotFound is returned when no live blob exists at a path or digest.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidPath is returned for paths outside the replicated namespaces.
	ErrInvalidPath = errors.New("invalid blob path")
	// ErrDigestMismatch is returned when content does not hash to its address.
	ErrDigestMismatch = errors.New("blob digest mismatch")
)

// Allocator hands out volume-wide sequence numbers.
type Allocator interface {
	Next() (uint64, error)
	Done(seqno uint64)
}

// Blob is a stored payload and its metadata.
type Blob struct {
	Path string // slash separated, relative to the store root
	Meta Meta

	file string
}

// FilePath returns the absolute payload location.
func (b *Blob) FilePath() string {
	return b.file
}

// Open streams the payload. Redirects and tombstones have no local bytes.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.Meta.Status != StatusOK {
		return nil, fmt.Errorf("blob %s has no local payload (status %s)", b.Path, b.Meta.Status)
	}
	return os.Open(b.file)
}

// Redirect describes a payload hosted somewhere else.
type Redirect struct {
	Location      string
	Digest        string
	ContentLength int64
	ContentType   string
}

// MetaPatch carries metadata changes for Update. Empty strings leave fields
// untouched; an empty header value removes that header.
type MetaPatch struct {
	ContentType string
	Location    string
	Headers     map[string]string
}

// BlobPatch is an incoming replicated blob.
type BlobPatch struct {
	Path    string
	Meta    Meta
	Content io.Reader
}

// Store is the blob store of one volume.
type Store struct {
	root   string
	alloc  Allocator
	logger *log.Logger

	// mu serializes every mutation; readers go straight to the filesystem.
	mu  sync.Mutex
	now func() time.Time
}

// New creates a store rooted at root. If logger is nil, a default logger
// writing to stderr is used.
func New(root string, alloc Allocator, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[blobs] ", log.LstdFlags)
	}
	return &Store{
		root:   root,
		alloc:  alloc,
		logger: logger,
		now:    time.Now,
	}
}

// Root returns the directory the namespaces live under.
func (s *Store) Root() string {
	return s.root
}

// DigestPath returns the relative path of a digest-addressed blob.
func DigestPath(digest string) string {
	return path.Join(NamespaceBlobs, digest[:2], digest)
}

func thumbPath(size int, digest string) string {
	return path.Join(NamespaceThumbs, fmt.Sprint(size), digest[:2], digest)
}

func validDigest(digest string) bool {
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// CleanPath normalizes a replicated blob path and rejects anything that
// could escape the store root.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	clean := path.Clean(p)
	ns, rest, ok := strings.Cut(clean, "/")
	if !ok || rest == "" || (ns != NamespaceBlobs && ns != NamespaceFiles) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if strings.HasSuffix(clean, metaSuffix) || strings.HasPrefix(path.Base(clean), ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if ns == NamespaceBlobs {
		digest := path.Base(clean)
		if !validDigest(digest) || clean != DigestPath(digest) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return clean, nil
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Store) stat(rel string) (*Blob, error) {
	m, err := readMeta(s.abs(rel) + metaSuffix)
	if err != nil {
		return nil, err
	}
	return &Blob{Path: rel, Meta: *m, file: s.abs(rel)}, nil
}

// nextMtime returns a modification time strictly after prev.
func (s *Store) nextMtime(prev int64) int64 {
	return max(s.now().UnixMicro(), prev+1)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// spool copies r into a hidden temp file inside dir while hashing it. The
// caller owns the returned temp file and must rename or remove it.
func spool(ctx context.Context, dir string, r io.Reader) (tmp string, digest string, n int64, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", 0, fmt.Errorf("failed to create blob directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".spool-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp = f.Name()

	hash := sha256.New()
	n, err = io.Copy(io.MultiWriter(f, hash), ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", "", 0, fmt.Errorf("failed to write blob content: %w", err)
	}
	return tmp, hex.EncodeToString(hash.Sum(nil)), n, nil
}

func payloadMtime(file string) (int64, error) {
	info, err := os.Stat(file)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// Post stores content under its digest. Re-posting content that is already
// stored returns the existing blob without a new seqno.
func (s *Store) Post(ctx context.Context, r io.Reader, contentType string, thumbs ...int) (*Blob, error) {
	tmp, digest, n, err := spool(ctx, filepath.Join(s.root, NamespaceBlobs), r)
	if err != nil {
		return nil, err
	}

	rel := DigestPath(digest)
	file := s.abs(rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevMtime int64
	if existing, err := s.stat(rel); err == nil {
		if existing.Meta.Status == StatusOK {
			_ = os.Remove(tmp)
			return existing, nil
		}
		prevMtime = existing.Meta.Mtime
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to rename blob into place: %w", err)
	}

	seqno, err := s.alloc.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer s.alloc.Done(seqno)

	pm, err := payloadMtime(file)
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	blob := &Blob{
		Path: rel,
		file: file,
		Meta: Meta{
			Digest:        digest,
			ContentType:   contentType,
			ContentLength: n,
			Seqno:         seqno,
			Mtime:         s.nextMtime(prevMtime),
			Status:        StatusOK,
			PayloadMtime:  pm,
		},
	}
	if err := writeMeta(file+metaSuffix, &blob.Meta); err != nil {
		return nil, err
	}

	for _, size := range thumbs {
		if err := s.thumbnail(blob, size); err != nil {
			s.logger.Printf("Warning: failed to create %dpx thumbnail for %s: %v", size, digest, err)
		}
	}

	return blob, nil
}

// PostRedirect records a blob whose payload lives at an external location.
func (s *Store) PostRedirect(ctx context.Context, r Redirect) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validDigest(r.Digest) {
		return nil, fmt.Errorf("%w: bad digest %q", ErrInvalidPath, r.Digest)
	}
	if r.Location == "" {
		return nil, fmt.Errorf("redirect location is required")
	}

	rel := DigestPath(r.Digest)
	file := s.abs(rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevMtime int64
	if existing, err := s.stat(rel); err == nil {
		prevMtime = existing.Meta.Mtime
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove local payload: %w", err)
	}

	seqno, err := s.alloc.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer s.alloc.Done(seqno)

	contentType := r.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	blob := &Blob{
		Path: rel,
		file: file,
		Meta: Meta{
			Digest:        r.Digest,
			ContentType:   contentType,
			ContentLength: r.ContentLength,
			Seqno:         seqno,
			Mtime:         s.nextMtime(prevMtime),
			Status:        StatusRedirect,
			Location:      r.Location,
		},
	}
	if err := writeMeta(file+metaSuffix, &blob.Meta); err != nil {
		return nil, err
	}
	return blob, nil
}

// Get resolves a digest. With thumb > 0 the thumbnail of that size is
// returned when one exists, otherwise the original.
func (s *Store) Get(digest string, thumb int) (*Blob, error) {
	if !validDigest(digest) {
		return nil, ErrNotFound
	}
	if thumb > 0 {
		if b, err := s.stat(thumbPath(thumb, digest)); err == nil && b.Meta.Status == StatusOK {
			return b, nil
		}
	}
	return s.GetPath(DigestPath(digest))
}

// GetPath resolves a live blob by relative path.
func (s *Store) GetPath(p string) (*Blob, error) {
	rel, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	b, err := s.stat(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if b.Meta.Status == StatusGone {
		return nil, ErrNotFound
	}
	return b, nil
}

// Update merges metadata changes without touching the payload.
func (s *Store) Update(ctx context.Context, p string, patch MetaPatch) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.stat(rel)
	if err != nil || b.Meta.Status == StatusGone {
		return nil, ErrNotFound
	}

	if patch.ContentType != "" {
		b.Meta.ContentType = patch.ContentType
	}
	if patch.Location != "" {
		b.Meta.Location = patch.Location
	}
	for name, value := range patch.Headers {
		key := strings.ToLower(name)
		if value == "" {
			delete(b.Meta.Headers, key)
			continue
		}
		if b.Meta.Headers == nil {
			b.Meta.Headers = make(map[string]string)
		}
		b.Meta.Headers[key] = value
	}

	seqno, err := s.alloc.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer s.alloc.Done(seqno)

	b.Meta.Seqno = seqno
	b.Meta.Mtime = s.nextMtime(b.Meta.Mtime)
	if err := writeMeta(b.file+metaSuffix, &b.Meta); err != nil {
		return nil, err
	}
	return b, nil
}

// Delete removes the payload and leaves a tombstone with a fresh seqno.
func (s *Store) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := CleanPath(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.stat(rel)
	if err != nil || b.Meta.Status == StatusGone {
		return ErrNotFound
	}

	if err := os.Remove(b.file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove payload: %w", err)
	}
	s.removeThumbs(rel)

	seqno, err := s.alloc.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer s.alloc.Done(seqno)

	b.Meta.Seqno = seqno
	b.Meta.Mtime = s.nextMtime(b.Meta.Mtime)
	b.Meta.Status = StatusGone
	b.Meta.ContentLength = 0
	b.Meta.Location = ""
	b.Meta.PayloadMtime = 0
	return writeMeta(b.file+metaSuffix, &b.Meta)
}

// Wipe removes the payload and sidecar outright. Nothing replicates.
func (s *Store) Wipe(p string) error {
	rel, err := CleanPath(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.abs(rel)
	for _, f := range []string{file, file + metaSuffix} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to wipe %s: %w", rel, err)
		}
	}
	s.removeThumbs(rel)
	return nil
}

func (s *Store) removeThumbs(rel string) {
	if !strings.HasPrefix(rel, NamespaceBlobs+"/") {
		return
	}
	digest := path.Base(rel)
	matches, _ := filepath.Glob(filepath.Join(s.root, NamespaceThumbs, "*", digest[:2], digest+"*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// walk visits every payload or sidecar under the replicated namespaces
// matching prefix.
func (s *Store) walk(ctx context.Context, prefix string, fn func(rel string, d fs.DirEntry) error) error {
	var roots []string
	switch {
	case prefix == "":
		roots = []string{NamespaceBlobs, NamespaceFiles}
	default:
		clean := path.Clean(prefix)
		ns, _, _ := strings.Cut(clean, "/")
		if (ns != NamespaceBlobs && ns != NamespaceFiles) || strings.Contains(clean, "..") {
			return fmt.Errorf("%w: prefix %q", ErrInvalidPath, prefix)
		}
		roots = []string{clean}
	}

	for _, root := range roots {
		base := s.abs(root)
		err := filepath.WalkDir(base, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && file == base {
					return filepath.SkipDir
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), ".tmp") {
				return nil
			}
			rel, err := filepath.Rel(s.root, file)
			if err != nil {
				return err
			}
			return fn(filepath.ToSlash(rel), d)
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Scan gives a seqno to every payload deposited without Post: files with no
// sidecar, or whose modification time differs from the one the sidecar
// recorded. It returns the number of arrivals found.
func (s *Store) Scan(ctx context.Context, prefix string) (int, error) {
	var arrivals []string
	err := s.walk(ctx, prefix, func(rel string, d fs.DirEntry) error {
		if strings.HasSuffix(rel, metaSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		m, err := readMeta(s.abs(rel) + metaSuffix)
		if err == nil && m.Status == StatusOK && m.PayloadMtime == info.ModTime().UnixNano() {
			return nil
		}
		arrivals = append(arrivals, rel)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan blobs: %w", err)
	}

	found := 0
	for _, rel := range arrivals {
		if err := s.adopt(ctx, rel); err != nil {
			s.logger.Printf("Warning: skipping deposited blob %s: %v", rel, err)
			continue
		}
		found++
	}
	if found > 0 {
		s.logger.Printf("Registered %d deposited blobs", found)
	}
	return found, nil
}

// adopt (re)writes the sidecar of a deposited payload with a fresh seqno.
func (s *Store) adopt(ctx context.Context, rel string) error {
	if _, err := CleanPath(rel); err != nil {
		return err
	}
	file := s.abs(rel)

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	hash := sha256.New()
	n, err := io.Copy(hash, ctxReader{ctx: ctx, r: f})
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("failed to hash payload: %w", err)
	}
	digest := hex.EncodeToString(hash.Sum(nil))
	if strings.HasPrefix(rel, NamespaceBlobs+"/") && path.Base(rel) != digest {
		return ErrDigestMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pm, err := payloadMtime(file)
	if err != nil {
		return err
	}

	meta := Meta{Status: StatusOK}
	if prev, err := readMeta(file + metaSuffix); err == nil {
		if prev.Status == StatusOK && prev.PayloadMtime == pm {
			return nil
		}
		meta.ContentType = prev.ContentType
		meta.Headers = prev.Headers
		meta.Mtime = prev.Mtime
	}
	if meta.ContentType == "" {
		meta.ContentType = mime.TypeByExtension(path.Ext(rel))
		if meta.ContentType == "" {
			meta.ContentType = "application/octet-stream"
		}
	}

	seqno, err := s.alloc.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer s.alloc.Done(seqno)

	meta.Digest = digest
	meta.ContentLength = n
	meta.Seqno = seqno
	meta.Mtime = s.nextMtime(meta.Mtime)
	meta.PayloadMtime = pm
	return writeMeta(file+metaSuffix, &meta)
}

// Diff scans for deposits and then returns every blob, tombstones
// included, whose seqno lies in the window, ordered by seqno.
func (s *Store) Diff(ctx context.Context, in sequence.Sequence, prefix string) ([]*Blob, error) {
	if _, err := s.Scan(ctx, prefix); err != nil {
		return nil, err
	}

	var out []*Blob
	err := s.walk(ctx, prefix, func(rel string, d fs.DirEntry) error {
		if !strings.HasSuffix(rel, metaSuffix) {
			return nil
		}
		payload := strings.TrimSuffix(rel, metaSuffix)
		b, err := s.stat(payload)
		if err != nil {
			s.logger.Printf("Warning: unreadable blob metadata %s: %v", rel, err)
			return nil
		}
		if b.Meta.Seqno == 0 || !in.Contains(b.Meta.Seqno) {
			return nil
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to diff blobs: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Meta.Seqno < out[j].Meta.Seqno })
	return out, nil
}

// Patch applies a replicated blob if its Mtime is newer than the local one.
// With shift set, an applied patch gets a fresh local seqno; otherwise the
// stored seqno is 0 and the blob is not offered to further diffs.
func (s *Store) Patch(ctx context.Context, p BlobPatch, shift bool) (uint64, bool, error) {
	rel, err := CleanPath(p.Path)
	if err != nil {
		return 0, false, err
	}
	switch p.Meta.Status {
	case StatusOK, StatusRedirect, StatusGone:
	default:
		return 0, false, fmt.Errorf("unknown blob status %q", p.Meta.Status)
	}
	file := s.abs(rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.stat(rel); err == nil && existing.Meta.Mtime >= p.Meta.Mtime {
		return 0, false, nil
	}

	meta := p.Meta
	meta.PayloadMtime = 0
	if len(p.Meta.Headers) > 0 {
		meta.Headers = make(map[string]string, len(p.Meta.Headers))
		for k, v := range p.Meta.Headers {
			meta.Headers[k] = v
		}
	}

	if meta.Status == StatusOK {
		content := p.Content
		if content == nil {
			content = strings.NewReader("")
		}
		tmp, digest, n, err := spool(ctx, filepath.Dir(file), content)
		if err != nil {
			return 0, false, err
		}
		addressed := strings.HasPrefix(rel, NamespaceBlobs+"/") && path.Base(rel) != digest
		if addressed || (meta.Digest != "" && meta.Digest != digest) {
			_ = os.Remove(tmp)
			return 0, false, fmt.Errorf("%w: %s", ErrDigestMismatch, rel)
		}
		if err := os.Rename(tmp, file); err != nil {
			_ = os.Remove(tmp)
			return 0, false, fmt.Errorf("failed to rename blob into place: %w", err)
		}
		meta.Digest = digest
		meta.ContentLength = n
		if meta.PayloadMtime, err = payloadMtime(file); err != nil {
			return 0, false, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return 0, false, fmt.Errorf("failed to create blob directory: %w", err)
		}
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return 0, false, fmt.Errorf("failed to remove payload: %w", err)
		}
		if meta.Status == StatusGone {
			s.removeThumbs(rel)
		}
	}

	meta.Seqno = 0
	if shift {
		seqno, err := s.alloc.Next()
		if err != nil {
			return 0, false, fmt.Errorf("failed to allocate seqno: %w", err)
		}
		defer s.alloc.Done(seqno)
		meta.Seqno = seqno
	}

	if err := writeMeta(file+metaSuffix, &meta); err != nil {
		return 0, false, err
	}
	return meta.Seqno, true, nil
}

// MaxSeqno returns the highest seqno recorded in any sidecar.
func (s *Store) MaxSeqno(ctx context.Context) (uint64, error) {
	var highest uint64
	err := s.walk(ctx, "", func(rel string, d fs.DirEntry) error {
		if !strings.HasSuffix(rel, metaSuffix) {
			return nil
		}
		m, err := readMeta(s.abs(rel))
		if err != nil {
			s.logger.Printf("Warning: unreadable blob metadata %s: %v", rel, err)
			return nil
		}
		highest = max(highest, m.Seqno)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan blob seqnos: %w", err)
	}
	return highest, nil
}
