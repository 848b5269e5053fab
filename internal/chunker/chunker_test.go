package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/maneesh/labfetch/internal/models"
)

func TestSplitCoversWholeRange(t *testing.T) {
	widths := []int64{1, 3, 7, 10, 1024}
	sizes := []int64{1, 2, 9, 10, 11, 100, 1023, 1024, 1025, 4096}
	for _, w := range widths {
		c := NewChunker(w)
		for _, size := range sizes {
			parts := c.Split(size)
			want := (size + w - 1) / w
			if int64(len(parts)) != want {
				t.Fatalf("width %d size %d: expected %d parts, got %d", w, size, want, len(parts))
			}
			var next int64
			for i, p := range parts {
				if p.Index != i {
					t.Fatalf("width %d size %d: part %d has index %d", w, size, i, p.Index)
				}
				if p.StartOffset != next {
					t.Fatalf("width %d size %d: part %d starts at %d, want %d", w, size, i, p.StartOffset, next)
				}
				if p.Size() <= 0 || p.Size() > w {
					t.Fatalf("width %d size %d: part %d has size %d", w, size, i, p.Size())
				}
				if p.Status != models.PartPending {
					t.Fatalf("expected pending status, got %s", p.Status)
				}
				next = p.EndOffset + 1
			}
			if next != size {
				t.Fatalf("width %d size %d: parts end at %d", w, size, next)
			}
		}
	}
}

func TestSplitScenario25MB(t *testing.T) {
	const mb = 1024 * 1024
	parts := NewChunker(10 * mb).Split(25 * mb)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	wantSizes := []int64{10 * mb, 10 * mb, 5 * mb}
	for i, p := range parts {
		if p.Size() != wantSizes[i] {
			t.Fatalf("part %d: expected size %d, got %d", i, wantSizes[i], p.Size())
		}
	}
	if parts[2].EndOffset != 25*mb-1 {
		t.Fatalf("last part ends at %d", parts[2].EndOffset)
	}
}

func TestSplitUnknownSize(t *testing.T) {
	parts := NewChunker(10).Split(0)
	if len(parts) != 1 {
		t.Fatalf("expected single part, got %d", len(parts))
	}
	if !parts[0].Open() || parts[0].Size() != -1 {
		t.Fatalf("expected open-ended part, got %+v", parts[0])
	}
}

func TestHashStringAcrossWrites(t *testing.T) {
	data := []byte("range reassembly")
	h := NewHash()
	h.Write(data[:5])
	h.Write(data[5:])
	sum := sha256.Sum256(data)
	if HashString(h) != hex.EncodeToString(sum[:]) {
		t.Fatal("streaming hash differs from one-shot hash")
	}
}
