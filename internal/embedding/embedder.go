package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-length vector. Implementations must be
// deterministic for identical input and keep Dims stable for the lifetime
// of a deployment.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
	Model() string
}

// HashEmbedder is the local deterministic embedder. It uses signed feature
// hashing over lowercased word tokens, so texts sharing words land close
// together without any model or network access.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dims() int     { return h.dims }
func (h *HashEmbedder) Model() string { return "hash-v1" }

// Embed never fails; the error is part of the Embedder contract.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, tok := range Tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := sum % uint64(h.dims)
		if sum>>63 == 0 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}
	normalize(vec)
	return vec, nil
}

// Tokenize splits text into lowercased alphanumeric words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
