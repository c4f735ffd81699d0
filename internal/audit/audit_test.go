package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	rows        []Entry
	lastFilters TimelineFilters
	lastOffset  int
	lastLimit   int
}

func (s *stubRepo) Window(_ context.Context, f TimelineFilters, offset, limit int) ([]Entry, error) {
	s.lastFilters, s.lastOffset, s.lastLimit = f, offset, limit
	if offset >= len(s.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[offset:end], nil
}

func entries(n int) []Entry {
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Entry{
			ID: int64(n - i), ActorID: 7, Action: "cycle:harvest", Entity: "crop_cycle", EntityID: "1",
			At: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestTimelinePaging(t *testing.T) {
	repo := &stubRepo{rows: entries(5)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.True(t, res.Paging.HasNext)
	require.Equal(t, 2, res.Paging.NextPage)
	require.Equal(t, 3, repo.lastLimit)

	res, err = svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.False(t, res.Paging.HasNext)
	require.Equal(t, 2, res.Paging.PrevPage)
	require.Equal(t, 4, repo.lastOffset)

	res, err = svc.Timeline(context.Background(), TimelineFilters{Page: 9, PageSize: 500})
	require.NoError(t, err)
	require.NotNil(t, res.Rows)
	require.Empty(t, res.Rows)
	require.Equal(t, maxPageSize, res.Paging.PageSize)
}

func TestTimelineWithoutRepository(t *testing.T) {
	_, err := NewService(nil).Timeline(context.Background(), TimelineFilters{})
	require.Error(t, err)
	_, err = NewService(nil).Export(context.Background(), TimelineFilters{})
	require.Error(t, err)
}

func newAuditRouter(repo *stubRepo) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), NewService(repo))
	h.now = func() time.Time { return time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Route("/api/audit", h.MountRoutes)
	return r
}

func TestHandlerTimelineFilters(t *testing.T) {
	repo := &stubRepo{rows: entries(3)}
	router := newAuditRouter(repo)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/audit/?entity=crop_cycle&entity_id=1&actor_id=7&page_size=2", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Len(t, res.Rows, 2)
	require.True(t, res.Paging.HasNext)

	f := repo.lastFilters
	require.Equal(t, "crop_cycle", f.Entity)
	require.Equal(t, "1", f.EntityID)
	require.Equal(t, int64(7), f.ActorID)
	require.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC), f.From)
	require.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC), f.To)
}

func TestHandlerRejectsBadFilters(t *testing.T) {
	router := newAuditRouter(&stubRepo{})
	for _, q := range []string{
		"from=2025-13-01",
		"from=2025-06-09&to=2025-06-01",
		"from=2025-01-01&to=2025-06-01",
		"actor_id=abc",
		"page=0",
		"page_size=-1",
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/audit/?"+q, nil))
		require.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestHandlerExportCSV(t *testing.T) {
	repo := &stubRepo{rows: entries(2)}
	repo.rows[0].Meta = map[string]any{"bags": 10}
	router := newAuditRouter(repo)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/audit/export.csv", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	require.Equal(t, maxExportRows, repo.lastLimit)

	records, err := csv.NewReader(strings.NewReader(rr.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "occurred_at", records[0][0])
	require.Equal(t, "2025-06-10T09:00:00Z", records[1][0])
	require.Equal(t, `{"bags":10}`, records[1][5])
	require.Equal(t, "", records[2][5])
}
