package obs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
	"estatepro/internal/infra/identity"
)

func TestDiagnosticsCountsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	reg := prometheus.NewRegistry()
	d := NewDiagnostics(logger, reg)

	d.Report(policies.Diagnostic{Source: "push", Reason: "malformed", EntityID: "c1", Err: errors.New("bad row")})
	d.Report(policies.Diagnostic{Source: "push", Reason: "malformed", EntityID: "c2"})
	d.ObservePoll("thread", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(d.problems.WithLabelValues("push", "malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.polls.WithLabelValues("thread", "ok")))
	assert.Contains(t, buf.String(), `"entity_id":"c1"`)
	assert.Contains(t, buf.String(), "bad row")

	count, err := testutil.GatherAndCount(reg, "estatepro_chat_diagnostics_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHealthHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ready := errors.New("mongo down")
	h := HealthHandlers{Ready: func(context.Context) error { return ready }}
	r := gin.New()
	r.GET("/livez", h.Livez)
	r.GET("/readyz", h.Readyz)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "mongo down")

	ready = nil
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	m := Middleware{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	r := gin.New()
	r.Use(m.RequestID(), m.LoggerMiddleware())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDRejectsUnprintable(t *testing.T) {
	assert.True(t, validRequestID("req-42"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestID+1)))
}

func TestLoggerMiddlewareLevelsByStatusAndUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	m := Middleware{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	r := gin.New()
	r.Use(m.LoggerMiddleware(), func(c *gin.Context) {
		ctx := identity.WithActor(c.Request.Context(), chat.Actor{ID: "agent-9", Role: chat.RoleAgent})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"user_id":"agent-9"`)
}
