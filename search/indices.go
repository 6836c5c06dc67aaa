package search

import (
	"math"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
)

// FieldIndex is the write surface shared by all per-field indices. Add
// returns false when the raw attribute cannot be indexed under the
// field's type; the caller then rejects the whole document.
type FieldIndex interface {
	Add(id DocID, raw []byte) bool
	Remove(id DocID, raw []byte)
}

type numericEntry struct {
	val float64
	id  DocID
}

func numericLess(a, b numericEntry) bool {
	if a.val != b.val {
		return a.val < b.val
	}
	return a.id < b.id
}

// NumericIndex keeps (value, id) pairs ordered for range scans.
type NumericIndex struct {
	tree *btree.BTreeG[numericEntry]
}

func NewNumericIndex() *NumericIndex {
	return &NumericIndex{tree: btree.NewG(16, numericLess)}
}

func (n *NumericIndex) Add(id DocID, raw []byte) bool {
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return false
	}
	n.tree.ReplaceOrInsert(numericEntry{val: v, id: id})
	return true
}

func (n *NumericIndex) Remove(id DocID, raw []byte) {
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return
	}
	n.tree.Delete(numericEntry{val: v, id: id})
}

// Range collects the ids with value in [lo, hi). Use math.Inf bounds
// for open ends.
func (n *NumericIndex) Range(lo, hi float64) *roaring.Bitmap {
	out := roaring.New()
	pivot := numericEntry{val: lo, id: 0}
	n.tree.AscendGreaterOrEqual(pivot, func(e numericEntry) bool {
		if e.val >= hi {
			return false
		}
		out.Add(e.id)
		return true
	})
	return out
}

// Size returns the number of indexed pairs.
func (n *NumericIndex) Size() int { return n.tree.Len() }

// All returns every indexed id.
func (n *NumericIndex) All() *roaring.Bitmap {
	return n.Range(math.Inf(-1), math.Inf(1))
}

// TextIndex maps word tokens to posting bitmaps.
type TextIndex struct {
	postings map[string]*roaring.Bitmap
}

func NewTextIndex() *TextIndex {
	return &TextIndex{postings: make(map[string]*roaring.Bitmap)}
}

func (t *TextIndex) Add(id DocID, raw []byte) bool {
	for _, tok := range Tokenize(string(raw)) {
		bm, ok := t.postings[tok]
		if !ok {
			bm = roaring.New()
			t.postings[tok] = bm
		}
		bm.Add(id)
	}
	return true
}

func (t *TextIndex) Remove(id DocID, raw []byte) {
	for _, tok := range Tokenize(string(raw)) {
		if bm, ok := t.postings[tok]; ok {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(t.postings, tok)
			}
		}
	}
}

// Matching returns the postings of one token. The result is shared;
// callers must clone before mutating.
func (t *TextIndex) Matching(token string) *roaring.Bitmap {
	if bm, ok := t.postings[lowerCaser.String(token)]; ok {
		return bm
	}
	return roaring.New()
}

// MatchingPrefix unions the postings of every token with the prefix.
func (t *TextIndex) MatchingPrefix(prefix string) *roaring.Bitmap {
	prefix = lowerCaser.String(prefix)
	out := roaring.New()
	for tok, bm := range t.postings {
		if len(tok) >= len(prefix) && tok[:len(prefix)] == prefix {
			out.Or(bm)
		}
	}
	return out
}

// TagIndex maps exact tags to sorted id postings. Tag vocabularies stay
// small, so plain sorted slices beat bitmaps on memory here.
type TagIndex struct {
	postings      map[string][]DocID
	separator     byte
	caseSensitive bool
}

func NewTagIndex(separator byte, caseSensitive bool) *TagIndex {
	return &TagIndex{
		postings:      make(map[string][]DocID),
		separator:     separator,
		caseSensitive: caseSensitive,
	}
}

func (t *TagIndex) Add(id DocID, raw []byte) bool {
	for _, tag := range SplitTags(string(raw), t.separator, t.caseSensitive) {
		ids := t.postings[tag]
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
		if i < len(ids) && ids[i] == id {
			continue
		}
		ids = append(ids, 0)
		copy(ids[i+1:], ids[i:])
		ids[i] = id
		t.postings[tag] = ids
	}
	return true
}

func (t *TagIndex) Remove(id DocID, raw []byte) {
	for _, tag := range SplitTags(string(raw), t.separator, t.caseSensitive) {
		ids := t.postings[tag]
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
		if i < len(ids) && ids[i] == id {
			ids = append(ids[:i], ids[i+1:]...)
			if len(ids) == 0 {
				delete(t.postings, tag)
			} else {
				t.postings[tag] = ids
			}
		}
	}
}

// Matching returns the ids carrying the tag.
func (t *TagIndex) Matching(tag string) *roaring.Bitmap {
	out := roaring.New()
	for _, id := range t.postings[NormalizeTag(tag, t.caseSensitive)] {
		out.Add(id)
	}
	return out
}
