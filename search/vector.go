package search

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// ParseVector decodes a packed little-endian float32 blob. The blob
// length must match the field dimension exactly.
func ParseVector(raw []byte, dim int) ([]float32, bool) {
	if len(raw) != dim*4 {
		return nil, false
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, true
}

// l2Distance returns the squared euclidean distance.
func l2Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// ipDistance returns 1 minus the inner product, so smaller is closer
// for both metrics.
func ipDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

func distanceFunc(m VectorMetric) func(a, b []float32) float32 {
	if m == MetricIP {
		return ipDistance
	}
	return l2Distance
}

// VectorResult is one KNN hit.
type VectorResult struct {
	ID    DocID
	Score float32
}

// VectorIndex is the read surface shared by the flat and HNSW variants.
type VectorIndex interface {
	FieldIndex
	Knn(query []float32, k int, allowed *roaring.Bitmap) []VectorResult
}

// FlatVectorIndex scans every stored vector per query. Exact and cheap
// to maintain; the right trade below a few tens of thousands of
// vectors.
type FlatVectorIndex struct {
	dim  int
	dist func(a, b []float32) float32
	vecs map[DocID][]float32
}

func NewFlatVectorIndex(p VectorParams) *FlatVectorIndex {
	return &FlatVectorIndex{
		dim:  p.Dim,
		dist: distanceFunc(p.Metric),
		vecs: make(map[DocID][]float32),
	}
}

func (f *FlatVectorIndex) Add(id DocID, raw []byte) bool {
	vec, ok := ParseVector(raw, f.dim)
	if !ok {
		return false
	}
	f.vecs[id] = vec
	return true
}

func (f *FlatVectorIndex) Remove(id DocID, raw []byte) {
	delete(f.vecs, id)
}

// Knn returns the k nearest stored vectors, restricted to allowed when
// it is non-nil, ordered by ascending distance.
func (f *FlatVectorIndex) Knn(query []float32, k int, allowed *roaring.Bitmap) []VectorResult {
	results := make([]VectorResult, 0, len(f.vecs))
	for id, vec := range f.vecs {
		if allowed != nil && !allowed.Contains(id) {
			continue
		}
		results = append(results, VectorResult{ID: id, Score: f.dist(query, vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Size returns the number of stored vectors.
func (f *FlatVectorIndex) Size() int { return len(f.vecs) }
