package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	roaring "github.com/RoaringBitmap/roaring"
)

// ---------------------------------------------------------------------
// Strategy: Defines which indexing strategy to use
// ---------------------------------------------------------------------

type Strategy int

const (
	RoaringBitmap Strategy = iota
	SortedColumn
)

func (s Strategy) String() string {
	switch s {
	case RoaringBitmap:
		return "roaring"
	case SortedColumn:
		return "sorted"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ---------------------------------------------------------------------
// Index: The universal interface for all index implementations
// ---------------------------------------------------------------------

type Index interface {
	// Add inserts rowID for the given value into the index
	Add(rowID uint32, value interface{}) error
	// Remove removes rowID (and its associated value) from the index
	Remove(rowID uint32) error
	// Search returns the rowIDs matching the given value
	Search(value interface{}) (*roaring.Bitmap, error)
	// Clear removes all entries
	Clear() error
}

// RangeIndex is an Index that can answer inclusive range lookups.
type RangeIndex interface {
	Index
	// SearchRange returns the rowIDs whose value lies in [lo, hi]
	SearchRange(lo, hi interface{}) (*roaring.Bitmap, error)
}

// ---------------------------------------------------------------------
// IndexManager: Manages multiple indexes per column
// ---------------------------------------------------------------------

type IndexManager struct {
	mu      sync.RWMutex
	indexes map[string]map[Strategy]Index
}

// NewIndexManager creates an empty index manager
func NewIndexManager() *IndexManager {
	return &IndexManager{
		indexes: make(map[string]map[Strategy]Index),
	}
}

// CreateIndex instantiates a new index of the specified strategy for a given column
func (im *IndexManager) CreateIndex(column string, strategy Strategy) (Index, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	var idx Index
	switch strategy {
	case RoaringBitmap:
		idx = NewRoaringIndex()
	case SortedColumn:
		idx = NewSortedIndex()
	default:
		return nil, fmt.Errorf("unsupported index strategy: %v", strategy)
	}

	if im.indexes[column] == nil {
		im.indexes[column] = make(map[Strategy]Index)
	}
	im.indexes[column][strategy] = idx
	return idx, nil
}

// GetIndex retrieves an existing index for a given column and strategy
func (im *IndexManager) GetIndex(column string, strategy Strategy) (Index, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	strats, ok := im.indexes[column]
	if !ok {
		return nil, false
	}
	idx, exists := strats[strategy]
	return idx, exists
}

// ---------------------------------------------------------------------
// 1) Roaring Bitmap Index
//
//    Maps each distinct value -> roaring.Bitmap of rowIDs.
// ---------------------------------------------------------------------

type roaringIndex struct {
	mu     sync.RWMutex
	values map[interface{}]*roaring.Bitmap
}

// NewRoaringIndex constructs a new Index backed by multiple Roaring bitmaps
func NewRoaringIndex() Index {
	return &roaringIndex{
		values: make(map[interface{}]*roaring.Bitmap),
	}
}

func (r *roaringIndex) Add(rowID uint32, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.valueOf(rowID); ok && old != value {
		return fmt.Errorf("row %d already indexed with value %v", rowID, old)
	}
	bm, ok := r.values[value]
	if !ok {
		bm = roaring.New()
		r.values[value] = bm
	}
	bm.Add(rowID)
	return nil
}

// Remove drops rowID from whichever bitmap holds it.
func (r *roaringIndex) Remove(rowID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	val, ok := r.valueOf(rowID)
	if !ok {
		return nil
	}
	bm := r.values[val]
	bm.Remove(rowID)
	if bm.IsEmpty() {
		delete(r.values, val)
	}
	return nil
}

// valueOf scans the distinct values for the one whose bitmap holds rowID.
// Callers hold r.mu.
func (r *roaringIndex) valueOf(rowID uint32) (interface{}, bool) {
	for v, bm := range r.values {
		if bm.Contains(rowID) {
			return v, true
		}
	}
	return nil, false
}

// Search returns a copy of the bitmap for value; callers may mutate it.
func (r *roaringIndex) Search(value interface{}) (*roaring.Bitmap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bm, ok := r.values[value]
	if !ok || bm == nil {
		return roaring.New(), nil
	}
	return bm.Clone(), nil
}

func (r *roaringIndex) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values = make(map[interface{}]*roaring.Bitmap)
	return nil
}

// ---------------------------------------------------------------------
// 2) Sorted Column Index
//
//    Stores (value, rowID) entries sorted by "value". Entries are appended
//    unsorted and sorted once on the first lookup after a write, so a bulk
//    load costs one sort instead of one insertion shift per row.
// ---------------------------------------------------------------------

type sortedIndex struct {
	mu      sync.Mutex
	entries []sortedEntry
	dirty   bool
}

type sortedEntry struct {
	value interface{}
	rowID uint32
}

func NewSortedIndex() RangeIndex {
	return &sortedIndex{
		entries: make([]sortedEntry, 0),
	}
}

func (s *sortedIndex) Add(rowID uint32, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, sortedEntry{value: value, rowID: rowID})
	s.dirty = true
	return nil
}

func (s *sortedIndex) Remove(rowID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.rowID == rowID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return nil
}

// sortLocked orders entries by value, then by rowID. Callers hold s.mu.
func (s *sortedIndex) sortLocked() {
	if !s.dirty {
		return
	}
	sort.Slice(s.entries, func(i, j int) bool {
		c := compareValues(s.entries[i].value, s.entries[j].value)
		if c != 0 {
			return c < 0
		}
		return s.entries[i].rowID < s.entries[j].rowID
	})
	s.dirty = false
}

func (s *sortedIndex) Search(value interface{}) (*roaring.Bitmap, error) {
	return s.SearchRange(value, value)
}

func (s *sortedIndex) SearchRange(lo, hi interface{}) (*roaring.Bitmap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortLocked()

	result := roaring.New()
	if compareValues(lo, hi) > 0 {
		return result, nil
	}

	n := len(s.entries)
	left := sort.Search(n, func(i int) bool {
		return compareValues(s.entries[i].value, lo) >= 0
	})
	for i := left; i < n && compareValues(s.entries[i].value, hi) <= 0; i++ {
		result.Add(s.entries[i].rowID)
	}
	return result, nil
}

func (s *sortedIndex) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]sortedEntry, 0)
	s.dirty = false
	return nil
}

// compareValues is a helper that compares two interface{} values. Returns:
//
//	< 0 if a < b
//	= 0 if a == b
//	> 0 if a > b
func compareValues(a, b interface{}) int {
	switch va := a.(type) {
	case int:
		vb, ok := b.(int)
		if !ok {
			return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
		}
		return cmpOrdered(va, vb)
	case int32:
		vb, ok := b.(int32)
		if !ok {
			return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
		}
		return cmpOrdered(va, vb)
	case int64:
		vb, ok := b.(int64)
		if !ok {
			return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
		}
		return cmpOrdered(va, vb)
	case float64:
		vb, ok := b.(float64)
		if !ok {
			return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
		}
		return cmpOrdered(va, vb)
	case string:
		vb, ok := b.(string)
		if !ok {
			return strings.Compare(va, fmt.Sprintf("%v", b))
		}
		return strings.Compare(va, vb)
	default:
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

func cmpOrdered[T int | int32 | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
