package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sugar-network/node/internal/config"
)

func TestParseBefore(t *testing.T) {
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.Local)

	got, err := parseBefore("48h", now)
	if err != nil || !got.Equal(now.Add(-48*time.Hour)) {
		t.Errorf("duration: got %v, %v", got, err)
	}

	got, err = parseBefore("2024-05-01", now)
	if err != nil || !got.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)) {
		t.Errorf("date: got %v, %v", got, err)
	}

	got, err = parseBefore("yesterday", now)
	if err != nil {
		t.Fatalf("phrase: %v", err)
	}
	if got.Day() != 14 {
		t.Errorf("expected the 14th, got %v", got)
	}

	if _, err := parseBefore("whenever", now); err == nil {
		t.Error("expected an error for an unparseable cutoff")
	}
}

func TestParseProps(t *testing.T) {
	props, err := parseProps([]string{`title=Chat`, `tags=["im"]`, `count=3`, `note=a=b`})
	if err != nil {
		t.Fatalf("parseProps failed: %v", err)
	}
	want := map[string]string{
		"title": `"Chat"`,
		"tags":  `["im"]`,
		"count": `3`,
		"note":  `"a=b"`,
	}
	for name, value := range want {
		if string(props[name]) != value {
			t.Errorf("%s: got %s, want %s", name, props[name], value)
		}
	}

	if _, err := parseProps([]string{"novalue"}); err == nil {
		t.Error("expected an error without =")
	}
}

func TestBlobPath(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	if got := blobPath(digest); got != "blobs/ab/"+digest {
		t.Errorf("digest: got %s", got)
	}
	if got := blobPath("files/docs/a.txt"); got != "files/docs/a.txt" {
		t.Errorf("path: got %s", got)
	}
}

func TestMediaRoot(t *testing.T) {
	if got := mediaRoot("/media/usb"); got != filepath.Join("/media/usb", "sugar-network") {
		t.Errorf("mount: got %s", got)
	}
	if got := mediaRoot("/media/usb/sugar-network/"); got != "/media/usb/sugar-network/" {
		t.Errorf("media dir: got %s", got)
	}
}

func TestResolvePeer(t *testing.T) {
	cfg = config.Default()
	cfg.Peers = []config.Peer{{ID: "hub", URL: "http://hub:8000"}}

	p, err := resolvePeer(t.Context(), "hub")
	if err != nil || p.URL != "http://hub:8000" {
		t.Errorf("configured: got %+v, %v", p, err)
	}
	p, err = resolvePeer(t.Context(), "other=http://other:8000")
	if err != nil || p.ID != "other" || p.URL != "http://other:8000" {
		t.Errorf("id=url: got %+v, %v", p, err)
	}
	if _, err := resolvePeer(t.Context(), "nobody"); err == nil {
		t.Error("expected an error for an unknown peer")
	}
}
