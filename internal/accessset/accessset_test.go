package accessset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

func fund(id uint64, amount float64, handler string) storage.Fund {
	return storage.Fund{FundID: id, Amount: amount, HandlerName: handler}
}

func TestAddIsIdempotentAcrossDimensions(t *testing.T) {
	s := NewStore()
	defer s.Release()

	s.Add(fund(100, 12.5, "alice"), permission.TypeHandle)
	s.Add(fund(100, 12.5, "alice"), permission.TypeHandle)
	s.Add(fund(100, 12.5, "alice"), permission.TypeOrder)

	require.Equal(t, 1, s.Len())

	records := s.Records()
	require.Len(t, records, 1)
	require.Equal(t, uint64(100), records[0].FundID)
	require.True(t, records[0].Types.Has(permission.TypeHandle))
	require.True(t, records[0].Types.Has(permission.TypeOrder))
	require.False(t, records[0].Types.Has(permission.TypeCustomer))
}

func TestAddConcurrent(t *testing.T) {
	s := NewStore()
	defer s.Release()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= 100; i++ {
				s.Add(fund(i, float64(i), "h"), permission.TypeHandle)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, s.Len())
}

func TestPageTotalMatchesSetAcrossPageSizes(t *testing.T) {
	s := NewStore()
	defer s.Release()

	for i := uint64(1); i <= 57; i++ {
		s.Add(fund(i, float64(i), "h"), permission.TypeHandle)
		// duplicates from a second dimension must not inflate the total
		s.Add(fund(i, float64(i), "h"), permission.TypeCustomer)
	}

	for _, size := range []int{1, 10, 57, 100} {
		var collected []uint64
		page := 1
		for {
			records, total := s.Page(SortByFundID, Ascending, page, size)
			require.Equal(t, 57, total)
			if len(records) == 0 {
				break
			}
			for _, r := range records {
				collected = append(collected, r.FundID)
			}
			page++
		}
		require.Len(t, collected, 57)
	}
}

func TestPagePastEndIsEmptyAndValid(t *testing.T) {
	s := NewStore()
	defer s.Release()
	s.Add(fund(1, 1, "h"), permission.TypeHandle)

	records, total := s.Page(SortByFundID, Ascending, 99, 10)
	require.Empty(t, records)
	require.Equal(t, 1, total)
}

func TestPageSortKeys(t *testing.T) {
	s := NewStore()
	defer s.Release()

	s.Add(fund(3, 50, "carol"), permission.TypeHandle)
	s.Add(fund(1, 80, "alice"), permission.TypeHandle)
	s.Add(fund(2, 80, "bob"), permission.TypeHandle)

	ids := func(records []Record) []uint64 {
		out := make([]uint64, 0, len(records))
		for _, r := range records {
			out = append(out, r.FundID)
		}
		return out
	}

	byID, _ := s.Page(SortByFundID, Ascending, 1, 10)
	require.Equal(t, []uint64{1, 2, 3}, ids(byID))

	byAmountDesc, _ := s.Page(SortByAmount, Descending, 1, 10)
	// equal amounts keep fund id ascending so repeated queries agree
	require.Equal(t, []uint64{1, 2, 3}, ids(byAmountDesc))

	byAmountAsc, _ := s.Page(SortByAmount, Ascending, 1, 10)
	require.Equal(t, []uint64{3, 1, 2}, ids(byAmountAsc))

	byHandler, _ := s.Page(SortByHandlerName, Ascending, 1, 10)
	require.Equal(t, []uint64{1, 2, 3}, ids(byHandler))
}

func TestReleaseIgnoresLateAdds(t *testing.T) {
	s := NewStore()
	s.Add(fund(1, 1, "h"), permission.TypeHandle)
	s.Release()

	s.Add(fund(2, 2, "h"), permission.TypeHandle)
	require.Equal(t, 0, s.Len())
}

func TestParseSortKey(t *testing.T) {
	for tag, want := range map[string]SortKey{
		"":             SortByFundID,
		"fund_id":      SortByFundID,
		"amount":       SortByAmount,
		"handler_name": SortByHandlerName,
	} {
		got, err := ParseSortKey(tag)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseSortKey("created_at")
	require.Error(t, err)

	_, err = ParseSortOrder("sideways")
	require.Error(t, err)
}
