package bootstrap_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/notifyhub/notification-pipeline/cmd/server/bootstrap"
)

func TestModule_Validates(t *testing.T) {
	require.NoError(t, fx.ValidateApp(bootstrap.Module, fx.NopLogger))
}

func inProcessEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("BROKER_DRIVER", "memory")
	t.Setenv("HTTP_PORT", "0")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
}

func TestModule_InProcessPipeline(t *testing.T) {
	inProcessEnv(t)

	var h http.Handler
	app := fxtest.New(t, bootstrap.Module, fx.NopLogger, fx.Populate(&h))
	app.RequireStart()
	defer app.RequireStop()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/messages",
		bytes.NewBufferString(`{"id":"n-1","userId":"u1","title":"Hi","body":"from the queue"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/u1/notifications", nil))
		return rec.Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	// settlement is counted after the record is visible
	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return bytes.Contains(rec.Body.Bytes(), []byte(`notification_messages_total{classification="success"} 1`))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestModule_RejectsBadLogLevel(t *testing.T) {
	inProcessEnv(t)
	t.Setenv("LOG_LEVEL", "loud")

	app := fx.New(bootstrap.Module, fx.NopLogger)
	assert.Error(t, app.Err())
}
