package retrieval

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// Embeddings are stored as little-endian float32 blobs.

func vectorBlob(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// blobVector decodes b, reusing dst when it has room.
func blobVector(dst []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not float32-aligned", len(b))
	}
	n := len(b) / 4
	dst = slices.Grow(dst[:0], n)[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return dst, nil
}

func magnitude(v []float32) float64 {
	var sq float64
	for _, f := range v {
		sq += float64(f) * float64(f)
	}
	return math.Sqrt(sq)
}

// similarity is the cosine of query and v given the query's magnitude.
// Vectors from a different model (other dimension) or all-zero score 0.
func similarity(query, v []float32, queryMag float64) float32 {
	if len(query) != len(v) {
		return 0
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(v[i])
	}
	vm := magnitude(v)
	if vm == 0 {
		return 0
	}
	return float32(dot / (queryMag * vm))
}

type hit struct {
	id    string
	score float32
}

// bestHits keeps the k highest-scoring chunks seen during a scan, best
// first. Offering is O(k), which beats a heap for the small k we allow.
type bestHits struct {
	k    int
	hits []hit
}

func newBestHits(k int) *bestHits {
	return &bestHits{k: k, hits: make([]hit, 0, k+1)}
}

func (b *bestHits) offer(id string, score float32) {
	if len(b.hits) == b.k && score <= b.hits[b.k-1].score {
		return
	}
	i, _ := slices.BinarySearchFunc(b.hits, score, func(h hit, s float32) int {
		return cmp.Compare(s, h.score)
	})
	b.hits = slices.Insert(b.hits, i, hit{id: id, score: score})
	if len(b.hits) > b.k {
		b.hits = b.hits[:b.k]
	}
}
