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
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

func TestProgressHandlerListBatches(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{}
	status := store.RunSuccess
	repo.On("ListRuns", mock.Anything, &status, 10, 0).Return([]store.BatchRun{{
		ID:        uuid.New(),
		Mode:      "direct",
		Status:    store.RunSuccess,
		Total:     4,
		Completed: 4,
		CreatedAt: time.Now().Add(-time.Hour),
	}}, nil)
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/batches?status=success&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListBatches(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Batches []runDTO `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Batches, 1)
	require.Zero(t, body.Batches[0].Remaining)
	repo.AssertExpectations(t)
}

func TestProgressHandlerListBatchesClampsLimit(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{}
	repo.On("ListRuns", mock.Anything, (*store.RunStatus)(nil), maxBatchLimit, 20).Return([]store.BatchRun{}, nil)
	handler := NewProgressHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/v1/batches?limit=100000&offset=20", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	repo.AssertExpectations(t)
}

func TestProgressHandlerListBatchesRepoError(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{}
	repo.On("ListRuns", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]store.BatchRun(nil), errors.New("db down"))
	handler := NewProgressHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/v1/batches", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProgressHandlerGetBatch(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	errMsg := "commit failed"
	repo := &mockRunRepo{}
	repo.On("GetRun", mock.Anything, id).Return(store.BatchRun{
		ID:           id,
		Status:       store.RunError,
		Total:        10,
		Completed:    7,
		ErrorMessage: &errMsg,
	}, nil)
	handler := NewProgressHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/v1/batches/"+id.String(), nil), id.String()))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Batch runDTO `json:"batch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Batch.Remaining)
	require.Equal(t, "error", body.Batch.Status)
	require.Equal(t, &errMsg, body.Batch.Error)
}

func TestProgressHandlerGetBatchNotFound(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{}
	repo.On("GetRun", mock.Anything, mock.Anything).Return(store.BatchRun{}, store.ErrNotFound)
	handler := NewProgressHandler(repo, zap.NewNop())

	id := uuid.New().String()
	rec := httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/v1/batches/"+id, nil), id))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerUnavailable(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/v1/batches", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]store.RunStatus{
		"queued":    store.RunQueued,
		"RUNNING":   store.RunRunning,
		"success":   store.RunSuccess,
		"cancelled": store.RunCanceled,
		"failed":    store.RunError,
	} {
		got, err := parseStatus(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := parseStatus("paused")
	require.Error(t, err)
}

type mockRunRepo struct {
	mock.Mock
}

func (m *mockRunRepo) CreateRun(ctx context.Context, run store.BatchRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRunRepo) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time, total int) error {
	return m.Called(ctx, id, at, total).Error(0)
}

func (m *mockRunRepo) UpdateProgress(
	ctx context.Context,
	id uuid.UUID,
	completed int,
	counts store.RunCounts,
	at time.Time,
) error {
	return m.Called(ctx, id, completed, counts, at).Error(0)
}

func (m *mockRunRepo) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	at time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	return m.Called(ctx, id, at, status, errMsg).Error(0)
}

func (m *mockRunRepo) GetRun(ctx context.Context, id uuid.UUID) (store.BatchRun, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.BatchRun), args.Error(1)
}

func (m *mockRunRepo) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.BatchRun, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]store.BatchRun), args.Error(1)
}

func withBatchIDParam(r *http.Request, id string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("batch_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
