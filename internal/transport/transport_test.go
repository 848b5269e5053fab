package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/maneesh/labfetch/internal/models"
)

func TestSuggestName(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        string
	}{
		{"movie.mkv", "video/x-matroska", "movie.mkv"},
		{"", "video/mp4", "video_42.mp4"},
		{"", "audio/mpeg", "audio_42.mp3"},
		{"", "audio/ogg; codecs=opus", "voice_42.ogg"},
		{"", "image/jpeg", "photo_42.jpg"},
		{"", "image/gif", "animation_42.mp4"},
		{"", "application/octet-stream", "document_42.unknown"},
	}
	for _, tc := range cases {
		got := SuggestName(tc.name, KindFromContentType(tc.contentType), 42)
		if got != tc.want {
			t.Fatalf("SuggestName(%q, %q) = %q, want %q", tc.name, tc.contentType, got, tc.want)
		}
	}
}

func TestMemorySourceRangesAndAlignment(t *testing.T) {
	src := NewMemorySource()
	data := bytes.Repeat([]byte("0123456789"), 10)
	id := models.Identity{MessageID: 7, ChatID: 9}
	obj := src.Add(id, "digits.txt", data)
	src.Align = 32

	s, err := src.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rc, err := s.OpenRange(context.Background(), obj, 10, 5)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// 10+5 rounds up to the 32-byte boundary.
	if !bytes.Equal(got, data[10:32]) {
		t.Fatalf("unexpected range %q", got)
	}
	reqs := src.Requests()
	if len(reqs) != 1 || reqs[0].Offset != 10 || reqs[0].Limit != 5 {
		t.Fatalf("unexpected request log %+v", reqs)
	}
}

func TestMemorySourceResolveMissing(t *testing.T) {
	src := NewMemorySource()
	if _, err := src.Resolve(context.Background(), models.Identity{MessageID: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRateLimitThrottlesStreams(t *testing.T) {
	src := NewMemorySource()
	id := models.Identity{MessageID: 1, ChatID: 1}
	obj := src.Add(id, "a.bin", make([]byte, 3000))
	src.ChunkSize = 500

	dialer := WithRateLimit(src, 1000)
	s, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rc, err := s.OpenRange(context.Background(), obj, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	start := time.Now()
	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 3000 {
		t.Fatalf("expected 3000 bytes, got %d", n)
	}
	// The first 1000 bytes ride the initial burst, the remaining 2000 take ~2s.
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Fatalf("expected throttling, finished in %s", elapsed)
	}
}

func TestWithRateLimitDisabled(t *testing.T) {
	src := NewMemorySource()
	if WithRateLimit(src, 0) != Dialer(src) {
		t.Fatal("expected unwrapped dialer for zero rate")
	}
}
