package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/storage/memory"
	"github.com/JakeFAU/catalog-sync/internal/store"
)

func seedRuns(t *testing.T, runs *memory.RunStore) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	var last uuid.UUID
	for i, f := range []string{"manual-sync", "cache", "manual-sync"} {
		last = uuid.New()
		require.NoError(t, runs.StartRun(ctx, store.Run{
			ID:         last,
			Flow:       f,
			Identifier: "7",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	msg := "remote unreachable"
	require.NoError(t, runs.CompleteRun(ctx, last, base.Add(time.Hour), store.RunFailed, &msg))
	return last
}

func TestRunsHandlerListRuns(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	seedRuns(t, ts.runs)

	rec := ts.do(http.MethodGet, "/v1/runs?flow=manual-sync&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, "failed", body.Runs[0].Status)
	require.Equal(t, "remote unreachable", *body.Runs[0].Message)

	all := ts.do(http.MethodGet, "/v1/runs?limit=1&offset=1", "")
	require.NoError(t, json.Unmarshal(all.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "cache", body.Runs[0].Flow)
}

func TestRunsHandlerInvalidPaging(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	for _, q := range []string{"limit=0", "limit=abc", "offset=-1"} {
		rec := ts.do(http.MethodGet, "/v1/runs?"+q, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRunsHandlerGetRun(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{})
	id := seedRuns(t, ts.runs)

	rec := ts.do(http.MethodGet, "/v1/runs/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id.String())

	require.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/runs/"+uuid.NewString(), "").Code)
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/v1/runs/not-a-uuid", "").Code)
}

func TestRunsHandlerRepoFailures(t *testing.T) {
	t.Parallel()

	handler := NewRunsHandler(&failingRepo{}, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+id.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("run_id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec = httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	missing := NewRunsHandler(nil, nil)
	rec = httptest.NewRecorder()
	missing.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type failingRepo struct{}

func (failingRepo) StartRun(context.Context, store.Run) error { return errors.New("down") }

func (failingRepo) AddProgress(context.Context, uuid.UUID, store.Progress) error {
	return errors.New("down")
}

func (failingRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return errors.New("down")
}

func (failingRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, errors.New("down")
}

func (failingRepo) ListRuns(context.Context, *string, int, int) ([]store.Run, error) {
	return nil, errors.New("down")
}
