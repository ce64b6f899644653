package api_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api"
	"github.com/notifyhub/notification-pipeline/internal/broker/memory"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/repository"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRouter(t *testing.T) (http.Handler, *repository.MemoryStore, *memory.Queue) {
	t.Helper()
	store := repository.NewMemoryStore()
	q := memory.New(10, time.Minute)
	t.Cleanup(func() { _ = q.Close() })

	reg := prometheus.NewRegistry()
	svc := service.NewNotificationService(store, zap.NewNop())
	return api.NewRouter(svc, q, metrics.New(reg), reg, zap.NewNop()), store, q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterNotification(t *testing.T) {
	h, store, _ := newRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/notifications", `{"userId":"u1","title":"Hi","body":"test"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	var got domain.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, 1, store.Len())
}

func TestRegisterNotification_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		saveErr  error
		wantCode int
	}{
		{"malformed json", `{not valid json`, nil, http.StatusBadRequest},
		{"missing title", `{"userId":"u1","body":"test"}`, nil, http.StatusUnprocessableEntity},
		{"title too long", `{"userId":"u1","title":"` + strings.Repeat("x", 101) + `","body":"test"}`, nil, http.StatusUnprocessableEntity},
		{"store down", `{"userId":"u1","title":"Hi","body":"test"}`, errors.New("connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, _ := newRouter(t)
			store.SaveErr = tt.saveErr

			rec := do(t, h, http.MethodPost, "/api/v1/notifications", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestListNotificationsForUser(t *testing.T) {
	h, _, _ := newRouter(t)

	for _, body := range []string{
		`{"id":"old","userId":"u1","title":"a","body":"b","createdAt":"2025-01-01T00:00:00Z"}`,
		`{"id":"new","userId":"u1","title":"a","body":"b","createdAt":"2025-01-02T00:00:00Z"}`,
	} {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/v1/notifications", body).Code)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/users/u1/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []domain.Notification `json:"data"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, "new", resp.Data[0].ID)
	assert.Equal(t, "old", resp.Data[1].ID)
}

func TestListNotificationsForUser_Errors(t *testing.T) {
	h, store, _ := newRouter(t)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/users/ghost/notifications", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/users/%20/notifications", "").Code)

	store.ListErr = errors.New("timeout")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/v1/users/u1/notifications", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, q := newRouter(t)
	_, err := q.Send([]byte(`{}`))
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue_depth":{"ready":1,"locked":0,"total":1}}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `notification_queue_depth{state="ready"} 1`)
}

func TestReadiness(t *testing.T) {
	h, store, _ := newRouter(t)

	rec := do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	store.ScopeErr = errors.New("connection refused")
	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	h, _, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
}

func TestEnqueueRawMessage(t *testing.T) {
	h, _, q := newRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/queue/messages", `{"userId":"u1","title":"Hi","body":"test"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["message_id"])

	ready, locked := q.Depths()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 0, locked)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/queue/messages", "").Code)
}

func TestEnqueueRawMessage_QueueFull(t *testing.T) {
	store := repository.NewMemoryStore()
	q := memory.New(1, time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	reg := prometheus.NewRegistry()
	h := api.NewRouter(service.NewNotificationService(store, zap.NewNop()), q, metrics.New(reg), reg, zap.NewNop())

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/queue/messages", `{}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/v1/queue/messages", `{}`).Code)
}

func TestEnqueueRoute_AbsentWithoutQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := service.NewNotificationService(repository.NewMemoryStore(), zap.NewNop())
	h := api.NewRouter(svc, nil, metrics.New(reg), reg, zap.NewNop())

	rec := do(t, h, http.MethodPost, "/api/v1/queue/messages", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/metrics", "")
	assert.JSONEq(t, `{"queue_depth":null}`, rec.Body.String())
}
