package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const localDimensions = 256

// localEmbedder produces deterministic embeddings by feature-hashing word
// unigrams and bigrams into a fixed-size vector. Texts sharing vocabulary
// land in shared buckets and score a positive cosine similarity, which is
// enough for offline workspaces and tests. No network, no model files.
type localEmbedder struct {
	dims int
}

func newLocalEmbedder(dims int) *localEmbedder {
	if dims <= 0 {
		dims = localDimensions
	}
	return &localEmbedder{dims: dims}
}

func (e *localEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	tokens := splitWords(text)
	for i, tok := range tokens {
		e.accumulate(vec, tok, 1.0)
		if i+1 < len(tokens) {
			e.accumulate(vec, tok+" "+tokens[i+1], 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (e *localEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func (e *localEmbedder) Dimensions() int {
	return e.dims
}

func (e *localEmbedder) accumulate(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit length. Empty input becomes a fixed unit
// vector so downstream cosine math never sees a zero vector.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		vec[0] = 1
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
