package blobs

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

// MaxThumbSize bounds requested thumbnail edges.
const MaxThumbSize = 2048

// thumbnail renders a PNG no larger than size x size from an image blob.
// Thumbnails carry seqno 0 and are never replicated.
func (s *Store) thumbnail(b *Blob, size int) error {
	if size <= 0 || size > MaxThumbSize {
		return fmt.Errorf("thumbnail size %d out of range", size)
	}
	if !strings.HasPrefix(b.Meta.ContentType, "image/") {
		return fmt.Errorf("not an image: %s", b.Meta.ContentType)
	}

	f, err := os.Open(b.file)
	if err != nil {
		return err
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > size || h > size {
		if w >= h {
			h = max(1, h*size/w)
			w = size
		} else {
			w = max(1, w*size/h)
			h = size
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	rel := thumbPath(size, b.Meta.Digest)
	file := s.abs(rel)
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	tmp := file + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail: %w", err)
	}
	if err := png.Encode(out, dst); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, file); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename thumbnail: %w", err)
	}

	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	return writeMeta(file+metaSuffix, &Meta{
		Digest:        b.Meta.Digest,
		ContentType:   "image/png",
		ContentLength: info.Size(),
		Mtime:         b.Meta.Mtime,
		Status:        StatusOK,
		PayloadMtime:  info.ModTime().UnixNano(),
	})
}
