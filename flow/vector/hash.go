package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic feature-hashing embedder. It lowercases and
// tokenizes the text, hashes each token into one of Dim buckets with a sign
// bit, and L2-normalizes the resulting vector.
//
// The embeddings carry no semantic meaning beyond lexical overlap, which is
// exactly what tests and local development need: identical text always maps
// to the identical vector, and shared vocabulary raises cosine similarity.
type HashEmbedder struct {
	// Dim is the embedding width. Zero means 256.
	Dim int
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int {
	if h.Dim <= 0 {
		return 256
	}
	return h.Dim
}

// Embed implements Embedder. It never fails and ignores ctx beyond the
// cancellation check.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := h.Dimensions()
	vec := make([]float32, dim)
	for _, token := range tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(token))
		sum := f.Sum64()
		bucket := int(sum % uint64(dim)) // #nosec G115 -- bounded by dim
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

var _ Embedder = (*HashEmbedder)(nil)
