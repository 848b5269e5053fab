package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/maneesh/labfetch/internal/models"
)

// Chunker splits objects into fixed-width byte ranges
type Chunker struct {
	partSize int64
}

// NewChunker creates a new chunker with the specified part width
func NewChunker(partSize int64) *Chunker {
	return &Chunker{
		partSize: partSize,
	}
}

// PartSize returns the configured part width
func (c *Chunker) PartSize() int64 {
	return c.partSize
}

// Split partitions [0, fileSize) into ranges of the configured width. The last
// range may be shorter. An unknown size (<= 0) yields one open-ended part.
func (c *Chunker) Split(fileSize int64) []models.Part {
	if fileSize <= 0 || c.partSize <= 0 {
		end := fileSize - 1
		if fileSize <= 0 {
			end = -1
		}
		return []models.Part{{Index: 0, StartOffset: 0, EndOffset: end, Status: models.PartPending}}
	}

	count := (fileSize + c.partSize - 1) / c.partSize
	parts := make([]models.Part, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * c.partSize
		end := min(start+c.partSize-1, fileSize-1)
		parts = append(parts, models.Part{
			Index:       int(i),
			StartOffset: start,
			EndOffset:   end,
			Status:      models.PartPending,
		})
	}
	return parts
}

// NewHash returns the streaming hash used for merged files
func NewHash() hash.Hash {
	return sha256.New()
}

// HashString renders a finished streaming hash
func HashString(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
