package vectorstore

import (
	"context"
	"errors"
	"hash/fnv"
	"math"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// DefaultDimensions is the vector size of HashEmbedder when none is set.
const DefaultDimensions = 512

// ErrEmptyText is returned when a text has no indexable tokens.
var ErrEmptyText = errors.New("text has no indexable tokens")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder embeds text by hashing each normalized token into one of a
// fixed number of buckets. The output is L2-normalized.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of dims entries.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, tok := range opportunity.Tokens(text) {
		if len(tok) < 2 {
			continue
		}
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		vec[int(sum%uint32(h.dims))] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil, ErrEmptyText
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

var _ Embedder = (*HashEmbedder)(nil)
