package search

import (
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
)

// SortValue is the comparable projection of one document field used by
// SORTBY. Missing values sort last regardless of direction.
type SortValue struct {
	Num     float64
	Str     string
	Present bool
	Numeric bool
}

// Less orders two sort values ascending.
func (a SortValue) Less(b SortValue) bool {
	if a.Present != b.Present {
		return a.Present
	}
	if !a.Present {
		return false
	}
	if a.Numeric {
		return a.Num < b.Num
	}
	return a.Str < b.Str
}

// SortIndex is a dense column of field values addressed by document id.
// It grows with the id space and answers point lookups during result
// ordering without touching the documents.
type SortIndex struct {
	numeric bool
	nums    []float64
	strs    []string
	present *roaring.Bitmap
}

func NewSortIndex(numeric bool) *SortIndex {
	return &SortIndex{numeric: numeric, present: roaring.New()}
}

func (s *SortIndex) grow(id DocID) {
	for uint32(len(s.nums)) <= id {
		s.nums = append(s.nums, 0)
		s.strs = append(s.strs, "")
	}
}

func (s *SortIndex) Add(id DocID, raw []byte) bool {
	s.grow(id)
	if s.numeric {
		v, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return false
		}
		s.nums[id] = v
	} else {
		s.strs[id] = lowerCaser.String(string(raw))
	}
	s.present.Add(id)
	return true
}

func (s *SortIndex) Remove(id DocID, raw []byte) {
	if uint32(len(s.nums)) <= id {
		return
	}
	s.nums[id] = 0
	s.strs[id] = ""
	s.present.Remove(id)
}

// Get returns the sortable projection of id's value.
func (s *SortIndex) Get(id DocID) SortValue {
	if !s.present.Contains(id) {
		return SortValue{Numeric: s.numeric}
	}
	return SortValue{
		Num:     s.nums[id],
		Str:     s.strs[id],
		Present: true,
		Numeric: s.numeric,
	}
}
