package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

const hashModel = "feature-hash-v1"

// HashProvider embeds text locally by feature hashing lowercased word
// tokens into a fixed number of signed buckets. Vectors are L2-normalized,
// so texts sharing vocabulary have a positive cosine similarity. Identical
// input always yields an identical vector.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash provider; dimension <= 0 uses 256
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Dimension() int {
	return p.dimension
}

func (p *HashProvider) Model() string {
	return hashModel
}

func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := checkInput([]string{text}); err != nil {
		return nil, err
	}
	return p.embed(text), nil
}

func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInput(texts); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.embed(t)
	}
	return vectors, nil
}

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(p.dimension)
		if sum[8]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Punctuation-only input still gets a valid unit vector.
		vec[0] = 1
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

var _ Provider = (*HashProvider)(nil)
