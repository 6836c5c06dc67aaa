package search

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"
)

type hnswNode struct {
	id  DocID
	vec []float32
	// neighbors[l] are the links at level l.
	neighbors [][]DocID
}

type scored struct {
	id   DocID
	dist float32
}

// minHeap pops the closest candidate first.
type minHeap []scored

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any           { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// maxHeap pops the farthest kept result first.
type maxHeap []scored

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)         { *h = append(*h, x.(scored)) }
func (h *maxHeap) Pop() any           { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// HNSWVectorIndex is a hierarchical small-world graph over the stored
// vectors. Deleted nodes are unlinked lazily: traversal skips ids that
// no longer resolve, and the entry point is re-elected when it dies.
type HNSWVectorIndex struct {
	dim    int
	dist   func(a, b []float32) float32
	m      int
	efCons int
	ml     float64

	nodes    map[DocID]*hnswNode
	entry    DocID
	maxLevel int
	rng      *rand.Rand
}

func NewHNSWVectorIndex(p VectorParams) *HNSWVectorIndex {
	m := p.M
	if m <= 0 {
		m = 16
	}
	efCons := p.EfConstruction
	if efCons <= 0 {
		efCons = 200
	}
	return &HNSWVectorIndex{
		dim:      p.Dim,
		dist:     distanceFunc(p.Metric),
		m:        m,
		efCons:   efCons,
		ml:       1 / math.Log(float64(m)),
		nodes:    make(map[DocID]*hnswNode),
		maxLevel: -1,
		rng:      rand.New(rand.NewSource(0x5eed)),
	}
}

func (h *HNSWVectorIndex) randomLevel() int {
	return int(math.Floor(-math.Log(h.rng.Float64()) * h.ml))
}

func (h *HNSWVectorIndex) Add(id DocID, raw []byte) bool {
	vec, ok := ParseVector(raw, h.dim)
	if !ok {
		return false
	}
	if _, exists := h.nodes[id]; exists {
		h.Remove(id, nil)
	}
	level := h.randomLevel()
	node := &hnswNode{id: id, vec: vec, neighbors: make([][]DocID, level+1)}
	h.nodes[id] = node

	if h.maxLevel < 0 {
		h.entry = id
		h.maxLevel = level
		return true
	}

	cur := h.liveEntry()
	if cur == nil {
		h.entry = id
		h.maxLevel = level
		return true
	}
	curDist := h.dist(vec, cur.vec)
	for l := h.maxLevel; l > level; l-- {
		cur, curDist = h.greedyStep(cur, curDist, vec, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, cur, h.efCons, l, nil)
		neighbors := h.selectClosest(candidates, h.m)
		node.neighbors[l] = neighbors
		maxLinks := h.m
		if l == 0 {
			maxLinks = 2 * h.m
		}
		for _, nid := range neighbors {
			nb := h.nodes[nid]
			if nb == nil {
				continue
			}
			nb.neighbors[l] = append(nb.neighbors[l], id)
			if len(nb.neighbors[l]) > maxLinks {
				nb.neighbors[l] = h.pruneLinks(nb, l, maxLinks)
			}
		}
		if len(candidates) > 0 {
			cur = h.nodes[candidates[0].id]
			curDist = candidates[0].dist
		}
	}
	if level > h.maxLevel {
		h.entry = id
		h.maxLevel = level
	}
	return true
}

func (h *HNSWVectorIndex) Remove(id DocID, raw []byte) {
	node, ok := h.nodes[id]
	if !ok {
		return
	}
	delete(h.nodes, id)
	for l := range node.neighbors {
		for _, nid := range node.neighbors[l] {
			nb := h.nodes[nid]
			if nb == nil || l >= len(nb.neighbors) {
				continue
			}
			links := nb.neighbors[l]
			for i, x := range links {
				if x == id {
					nb.neighbors[l] = append(links[:i], links[i+1:]...)
					break
				}
			}
		}
	}
	if h.entry == id {
		h.electEntry()
	}
}

func (h *HNSWVectorIndex) electEntry() {
	h.maxLevel = -1
	for id, n := range h.nodes {
		if lvl := len(n.neighbors) - 1; lvl > h.maxLevel {
			h.maxLevel = lvl
			h.entry = id
		}
	}
}

func (h *HNSWVectorIndex) liveEntry() *hnswNode {
	if n, ok := h.nodes[h.entry]; ok {
		return n
	}
	h.electEntry()
	return h.nodes[h.entry]
}

func (h *HNSWVectorIndex) greedyStep(cur *hnswNode, curDist float32, vec []float32, level int) (*hnswNode, float32) {
	for {
		improved := false
		if level < len(cur.neighbors) {
			for _, nid := range cur.neighbors[level] {
				nb := h.nodes[nid]
				if nb == nil {
					continue
				}
				if d := h.dist(vec, nb.vec); d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// searchLayer runs a beam search of width ef over one level, returning
// the kept results ordered by ascending distance. A non-nil allowed
// bitmap restricts which nodes may enter the result set; traversal
// still crosses filtered-out nodes so the graph stays connected.
func (h *HNSWVectorIndex) searchLayer(vec []float32, entry *hnswNode, ef, level int, allowed *roaring.Bitmap) []scored {
	visited := map[DocID]struct{}{entry.id: {}}
	entryDist := h.dist(vec, entry.vec)
	candidates := minHeap{{id: entry.id, dist: entryDist}}
	var results maxHeap
	if allowed == nil || allowed.Contains(entry.id) {
		results = maxHeap{{id: entry.id, dist: entryDist}}
	}
	heap.Init(&candidates)
	heap.Init(&results)
	for candidates.Len() > 0 {
		c := heap.Pop(&candidates).(scored)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}
		node := h.nodes[c.id]
		if node == nil || level >= len(node.neighbors) {
			continue
		}
		for _, nid := range node.neighbors[level] {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}
			nb := h.nodes[nid]
			if nb == nil {
				continue
			}
			d := h.dist(vec, nb.vec)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, scored{id: nid, dist: d})
				if allowed == nil || allowed.Contains(nid) {
					heap.Push(&results, scored{id: nid, dist: d})
					if results.Len() > ef {
						heap.Pop(&results)
					}
				}
			}
		}
	}
	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(scored)
	}
	return out
}

func (h *HNSWVectorIndex) selectClosest(candidates []scored, m int) []DocID {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]DocID, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func (h *HNSWVectorIndex) pruneLinks(node *hnswNode, level, maxLinks int) []DocID {
	links := node.neighbors[level]
	ranked := make([]scored, 0, len(links))
	for _, nid := range links {
		nb := h.nodes[nid]
		if nb == nil {
			continue
		}
		ranked = append(ranked, scored{id: nid, dist: h.dist(node.vec, nb.vec)})
	}
	mh := minHeap(ranked)
	heap.Init(&mh)
	out := make([]DocID, 0, maxLinks)
	for len(out) < maxLinks && mh.Len() > 0 {
		out = append(out, heap.Pop(&mh).(scored).id)
	}
	return out
}

// Knn returns the k nearest vectors, honoring the allowed filter.
func (h *HNSWVectorIndex) Knn(query []float32, k int, allowed *roaring.Bitmap) []VectorResult {
	entry := h.liveEntry()
	if entry == nil {
		return nil
	}
	cur := entry
	curDist := h.dist(query, cur.vec)
	for l := h.maxLevel; l > 0; l-- {
		cur, curDist = h.greedyStep(cur, curDist, query, l)
	}
	ef := h.efCons
	if k*2 > ef {
		ef = k * 2
	}
	found := h.searchLayer(query, cur, ef, 0, allowed)
	if len(found) > k {
		found = found[:k]
	}
	out := make([]VectorResult, len(found))
	for i, s := range found {
		out[i] = VectorResult{ID: s.id, Score: s.dist}
	}
	return out
}

// Size returns the number of live vectors.
func (h *HNSWVectorIndex) Size() int { return len(h.nodes) }
