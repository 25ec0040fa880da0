package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/migration/internal/platform/auth"
)

func newContext(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return echo.New().NewContext(httptest.NewRequest(method, path, nil), rec), rec
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		want     func(t *testing.T, got string)
	}{
		{"generated", "", func(t *testing.T, got string) { assert.Len(t, got, 36) }},
		{"kept", "my-custom-id", func(t *testing.T, got string) { assert.Equal(t, "my-custom-id", got) }},
		{"oversized replaced", strings.Repeat("x", 200), func(t *testing.T, got string) { assert.Len(t, got, 36) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, "/")
			if tt.incoming != "" {
				c.Request().Header.Set(RequestIDHeader, tt.incoming)
			}
			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return c.NoContent(http.StatusOK)
			})(c)

			require.NoError(t, err)
			tt.want(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/api/v1/migrations/runs")
	c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "op-1", "clinic-1", nil)))
	c.Set("request_id", "req-123")

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log line is not JSON")
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "clinic-1", entry["clinic_id"])
	assert.Equal(t, "op-1", entry["user_id"])
	assert.Equal(t, float64(http.StatusOK), entry["status"])
}

func TestLogger_WritesHandlerError(t *testing.T) {
	var buf bytes.Buffer
	c, rec := newContext(http.MethodGet, "/api/v1/migrations/runs/x")

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	})(c)

	require.NoError(t, err, "the error is written, not returned")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestRecovery(t *testing.T) {
	t.Run("panic becomes 500", func(t *testing.T) {
		var buf bytes.Buffer
		c, _ := newContext(http.MethodGet, "/panic")
		c.Set("request_id", "req-9")

		err := Recovery(zerolog.New(&buf))(func(echo.Context) error { panic("boom") })(c)

		assert.Equal(t, http.StatusInternalServerError, statusOf(err))
		assert.Contains(t, buf.String(), `"panic":"boom"`)
		assert.Contains(t, buf.String(), `"request_id":"req-9"`)
		assert.Contains(t, buf.String(), `"stack"`)
	})

	t.Run("abort is re-raised", func(t *testing.T) {
		c, _ := newContext(http.MethodGet, "/stream")
		h := Recovery(zerolog.Nop())(func(echo.Context) error { panic(http.ErrAbortHandler) })
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() { _ = h(c) })
	})

	t.Run("no panic", func(t *testing.T) {
		c, rec := newContext(http.MethodGet, "/ok")
		err := Recovery(zerolog.Nop())(func(c echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})(c)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
