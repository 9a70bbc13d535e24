package shared_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/shared"
)

func TestPaginate(t *testing.T) {
	items := make([]int, 7)
	for i := range items {
		items[i] = i
	}

	page, meta := shared.Paginate(items, url.Values{"page": {"2"}, "per_page": {"3"}})
	require.Equal(t, []int{3, 4, 5}, page)
	require.Equal(t, shared.Pagination{Page: 2, PerPage: 3, Total: 7, TotalPages: 3}, meta)

	page, _ = shared.Paginate(items, url.Values{"page": {"3"}, "per_page": {"3"}})
	require.Equal(t, []int{6}, page)

	page, meta = shared.Paginate(items, url.Values{"page": {"9"}, "per_page": {"3"}})
	require.Empty(t, page)
	require.Equal(t, 9, meta.Page)

	page, meta = shared.Paginate(items, url.Values{"page": {"x"}})
	require.Len(t, page, 7)
	require.Equal(t, 50, meta.PerPage)

	_, meta = shared.Paginate(items, url.Values{"per_page": {"10000"}})
	require.Equal(t, 500, meta.PerPage)
}
