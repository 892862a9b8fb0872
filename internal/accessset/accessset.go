// Package accessset accumulates the records a supervisor may view. The
// store is scoped to a single resolution (request or verification pass):
// insertion is idempotent by record id, so results arriving from any
// dimension, batch or merge order produce the same final set. OR-semantics
// across dimensions falls out of that idempotence: a record is visible if
// any dimension authorized it, and visible exactly once.
package accessset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

// SortKey selects the ordering applied before slicing a page.
type SortKey int

const (
	// SortByFundID is the default, stable ordering.
	SortByFundID SortKey = iota
	SortByAmount
	SortByHandlerName
)

// ParseSortKey converts the wire tag into a SortKey.
func ParseSortKey(s string) (SortKey, error) {
	switch s {
	case "", "fund_id":
		return SortByFundID, nil
	case "amount":
		return SortByAmount, nil
	case "handler_name":
		return SortByHandlerName, nil
	default:
		return 0, fmt.Errorf("unknown sort key: %q", s)
	}
}

// SortOrder is the direction of the sort.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// ParseSortOrder converts the wire tag into a SortOrder.
func ParseSortOrder(s string) (SortOrder, error) {
	switch s {
	case "", "asc":
		return Ascending, nil
	case "desc":
		return Descending, nil
	default:
		return 0, fmt.Errorf("unknown sort order: %q", s)
	}
}

// Record is a deduplicated fund together with every permission type that
// contributed access to it.
type Record struct {
	storage.Fund
	Types permission.Mask
}

// Store is the scoped deduplication set. Safe for concurrent Add from
// multiple batches and dimensions.
type Store struct {
	mu      sync.Mutex
	entries map[uint64]*Record
}

// NewStore allocates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[uint64]*Record),
	}
}

// Add merges one fund reached through the given dimension. Re-adding the
// same fund, from the same or another dimension, only widens its type mask.
func (s *Store) Add(f storage.Fund, t permission.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		return
	}
	if e, ok := s.entries[f.FundID]; ok {
		e.Types = e.Types.With(t)
		return
	}
	s.entries[f.FundID] = &Record{Fund: f, Types: permission.Mask(0).With(t)}
}

// AddFact merges a persisted access fact.
func (s *Store) AddFact(fact storage.AccessFact) {
	s.Add(fact.Fund, fact.Type)
}

// Len returns the number of distinct records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Release drops the accumulated set. Further Adds are ignored. Callers
// defer it on every exit path so a cancelled request frees its scope.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// compare orders a before b on the sort key alone; ties (and the default
// key) always break by fund id ascending so repeated queries agree, even
// when the key direction is descending.
func compare(a, b *Record, key SortKey, order SortOrder) bool {
	switch key {
	case SortByAmount:
		if a.Amount != b.Amount {
			if order == Descending {
				return a.Amount > b.Amount
			}
			return a.Amount < b.Amount
		}
	case SortByHandlerName:
		if a.HandlerName != b.HandlerName {
			if order == Descending {
				return a.HandlerName > b.HandlerName
			}
			return a.HandlerName < b.HandlerName
		}
	case SortByFundID:
		if order == Descending {
			return a.FundID > b.FundID
		}
	}
	return a.FundID < b.FundID
}

func (s *Store) sorted(key SortKey, order SortOrder) []Record {
	s.mu.Lock()
	entries := make([]*Record, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return compare(entries[i], entries[j], key, order)
	})

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

// Records returns the full deduplicated set in default order.
func (s *Store) Records() []Record {
	return s.sorted(SortByFundID, Ascending)
}

// Page orders the set and returns the 1-based page plus the total count.
// The count is the cardinality of the same deduplicated set the slice is
// cut from, never a separately computed approximation, so page and count
// cannot disagree. Pages past the end are empty and valid.
func (s *Store) Page(key SortKey, order SortOrder, page, pageSize int) ([]Record, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = storage.DefaultPageSize
	}

	all := s.sorted(key, order)
	total := len(all)

	start := (page - 1) * pageSize
	if start >= total {
		return []Record{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total
}
