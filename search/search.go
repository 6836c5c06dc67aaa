package search

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Document exposes the attributes of one indexable record.
type Document interface {
	Get(name string) ([]byte, bool)
}

// MapDocument is the map-backed Document used by hash records.
type MapDocument map[string][]byte

func (d MapDocument) Get(name string) ([]byte, bool) {
	v, ok := d[name]
	return v, ok
}

// Params carries the named parameters of a query, such as packed query
// vectors.
type Params map[string][]byte

// SearchOptions shape the result list.
type SearchOptions struct {
	// SortBy names a sortable field; empty keeps id order (or KNN
	// distance order for vector queries).
	SortBy string
	Desc   bool
	Offset int
	// Limit caps the returned ids; 0 means no cap.
	Limit int
}

// SearchResult is the outcome of one query.
type SearchResult struct {
	// Ids are the matching documents after sorting and paging.
	Ids []DocID
	// Total counts all matches before paging.
	Total int
	// Scores holds the KNN distance per returned id for vector queries.
	Scores map[DocID]float32
}

// Index is one searchable view over a document corpus: a per-field
// index set plus the sort columns of sortable fields. All methods must
// run on the owning shard's executor.
type Index struct {
	schema  Schema
	all     *roaring.Bitmap
	fields  map[string]FieldIndex
	vectors map[string]VectorIndex
	sorts   map[string]*SortIndex
	// stored retains the indexed attribute values so removal does not
	// need the original document.
	stored map[DocID]MapDocument
}

// NewIndex initializes the index set for schema.
func NewIndex(schema *Schema) *Index {
	idx := &Index{
		schema:  *schema,
		all:     roaring.New(),
		fields:  make(map[string]FieldIndex),
		vectors: make(map[string]VectorIndex),
		sorts:   make(map[string]*SortIndex),
		stored:  make(map[DocID]MapDocument),
	}
	for i := range schema.Fields {
		f := &schema.Fields[i]
		name := f.QueryName()
		switch f.Type {
		case FieldNumeric:
			idx.fields[name] = NewNumericIndex()
		case FieldText:
			idx.fields[name] = NewTextIndex()
		case FieldTag:
			idx.fields[name] = NewTagIndex(f.Separator, f.CaseSensitive)
		case FieldVector:
			var v VectorIndex
			if f.Vector.HNSW {
				v = NewHNSWVectorIndex(f.Vector)
			} else {
				v = NewFlatVectorIndex(f.Vector)
			}
			idx.fields[name] = v
			idx.vectors[name] = v
		}
		if f.Sortable && f.Type != FieldVector {
			idx.sorts[name] = NewSortIndex(f.Type == FieldNumeric)
		}
	}
	return idx
}

// Schema returns the field layout.
func (idx *Index) Schema() *Schema { return &idx.schema }

// Size returns the number of indexed documents.
func (idx *Index) Size() int { return int(idx.all.GetCardinality()) }

// Add indexes doc under id. Indexing is all-or-nothing: if any present
// attribute fails to parse under its field type, already-applied fields
// are rolled back and the document stays unindexed.
func (idx *Index) Add(id DocID, doc Document) bool {
	stored := make(MapDocument)
	var applied []int
	for i := range idx.schema.Fields {
		f := &idx.schema.Fields[i]
		raw, ok := doc.Get(f.Name)
		if !ok {
			continue
		}
		if !idx.fields[f.QueryName()].Add(id, raw) {
			for _, j := range applied {
				fj := &idx.schema.Fields[j]
				idx.fields[fj.QueryName()].Remove(id, stored[fj.Name])
				if s, ok := idx.sorts[fj.QueryName()]; ok {
					s.Remove(id, stored[fj.Name])
				}
			}
			return false
		}
		applied = append(applied, i)
		stored[f.Name] = raw
		if s, ok := idx.sorts[f.QueryName()]; ok {
			s.Add(id, raw)
		}
	}
	idx.stored[id] = stored
	idx.all.Add(id)
	return true
}

// Remove unindexes id. Unknown ids are ignored.
func (idx *Index) Remove(id DocID) {
	stored, ok := idx.stored[id]
	if !ok {
		return
	}
	for i := range idx.schema.Fields {
		f := &idx.schema.Fields[i]
		raw, ok := stored[f.Name]
		if !ok {
			continue
		}
		idx.fields[f.QueryName()].Remove(id, raw)
		if s, ok := idx.sorts[f.QueryName()]; ok {
			s.Remove(id, raw)
		}
	}
	delete(idx.stored, id)
	idx.all.Remove(id)
}

// Search parses and evaluates a query.
func (idx *Index) Search(query string, params Params, opts SearchOptions) (*SearchResult, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	return idx.SearchQuery(q, params, opts)
}

// SearchQuery evaluates an already-parsed query.
func (idx *Index) SearchQuery(q *Query, params Params, opts SearchOptions) (*SearchResult, error) {
	matched, err := idx.eval(q.Filter)
	if err != nil {
		return nil, err
	}
	if q.Knn != nil {
		return idx.evalKnn(q.Knn, matched, params, opts)
	}
	res := &SearchResult{Total: int(matched.GetCardinality())}
	ids := matched.ToArray()
	if opts.SortBy != "" {
		if err := idx.sortIds(ids, opts); err != nil {
			return nil, err
		}
	}
	res.Ids = page(ids, opts)
	return res, nil
}

func (idx *Index) evalKnn(knn *KnnPart, allowed *roaring.Bitmap, params Params, opts SearchOptions) (*SearchResult, error) {
	vidx, ok := idx.vectors[knn.Field]
	if !ok {
		return nil, fmt.Errorf("unknown vector field %q", knn.Field)
	}
	f := idx.schema.Field(knn.Field)
	raw, ok := params[knn.Param]
	if !ok {
		return nil, fmt.Errorf("missing query parameter %q", knn.Param)
	}
	vec, ok := ParseVector(raw, f.Vector.Dim)
	if !ok {
		return nil, fmt.Errorf("query vector dimension mismatch for %q", knn.Field)
	}
	hits := vidx.Knn(vec, knn.K, allowed)
	res := &SearchResult{
		Total:  len(hits),
		Scores: make(map[DocID]float32, len(hits)),
	}
	ids := make([]DocID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		res.Scores[h.ID] = h.Score
	}
	if opts.SortBy != "" {
		if err := idx.sortIds(ids, opts); err != nil {
			return nil, err
		}
	}
	res.Ids = page(ids, opts)
	return res, nil
}

func (idx *Index) sortIds(ids []DocID, opts SearchOptions) error {
	col, ok := idx.sorts[opts.SortBy]
	if !ok {
		return fmt.Errorf("field %q is not sortable", opts.SortBy)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := col.Get(ids[i]), col.Get(ids[j])
		if opts.Desc && a.Present && b.Present {
			return b.Less(a)
		}
		return a.Less(b)
	})
	return nil
}

func page(ids []DocID, opts SearchOptions) []DocID {
	if opts.Offset >= len(ids) {
		return nil
	}
	ids = ids[opts.Offset:]
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}
	return ids
}

func (idx *Index) eval(node AstNode) (*roaring.Bitmap, error) {
	switch n := node.(type) {
	case StarNode:
		return idx.all.Clone(), nil
	case TermNode:
		return idx.evalTerm(n)
	case TagNode:
		f := idx.schema.Field(n.Field)
		if f == nil || f.Type != FieldTag {
			return nil, fmt.Errorf("field %q is not a tag field", n.Field)
		}
		return idx.fields[n.Field].(*TagIndex).Matching(n.Tag), nil
	case NumericNode:
		f := idx.schema.Field(n.Field)
		if f == nil || f.Type != FieldNumeric {
			return nil, fmt.Errorf("field %q is not a numeric field", n.Field)
		}
		return idx.fields[n.Field].(*NumericIndex).Range(n.Lo, n.Hi), nil
	case AndNode:
		out, err := idx.eval(n.Children[0])
		if err != nil {
			return nil, err
		}
		for _, c := range n.Children[1:] {
			bm, err := idx.eval(c)
			if err != nil {
				return nil, err
			}
			out.And(bm)
		}
		return out, nil
	case OrNode:
		out := roaring.New()
		for _, c := range n.Children {
			bm, err := idx.eval(c)
			if err != nil {
				return nil, err
			}
			out.Or(bm)
		}
		return out, nil
	case NotNode:
		child, err := idx.eval(n.Child)
		if err != nil {
			return nil, err
		}
		out := idx.all.Clone()
		out.AndNot(child)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported query node %T", node)
}

func (idx *Index) evalTerm(n TermNode) (*roaring.Bitmap, error) {
	match := func(t *TextIndex) *roaring.Bitmap {
		if n.Prefix {
			return t.MatchingPrefix(n.Term)
		}
		return t.Matching(n.Term)
	}
	if n.Field != "" {
		f := idx.schema.Field(n.Field)
		if f == nil || f.Type != FieldText {
			return nil, fmt.Errorf("field %q is not a text field", n.Field)
		}
		return match(idx.fields[n.Field].(*TextIndex)).Clone(), nil
	}
	out := roaring.New()
	for i := range idx.schema.Fields {
		f := &idx.schema.Fields[i]
		if f.Type != FieldText {
			continue
		}
		out.Or(match(idx.fields[f.QueryName()].(*TextIndex)))
	}
	return out, nil
}
