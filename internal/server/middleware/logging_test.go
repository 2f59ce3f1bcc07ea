package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBufferLogger пишет в буфер текстовые записи уровня Info и выше
func newBufferLogger(buf *strings.Builder) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		handler   http.HandlerFunc
		name      string
		method    string
		path      string
		wantPath  string
		wantLevel string
		status    int
	}{
		{
			name:      "session list",
			method:    http.MethodGet,
			path:      "/api/v1/admin/sessions",
			wantPath:  "/api/v1/admin/sessions",
			wantLevel: "INFO",
			status:    http.StatusOK,
		},
		{
			name:      "unknown share token",
			method:    http.MethodGet,
			path:      testCollabPath,
			wantPath:  "/api/v1/collab/***",
			wantLevel: "WARN",
			status:    http.StatusNotFound,
		},
		{
			name:      "disable share fails",
			method:    http.MethodPost,
			path:      "/api/v1/admin/shares/share-token-0123456789/disable",
			wantPath:  "/api/v1/admin/shares/***/disable",
			wantLevel: "ERROR",
			status:    http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf strings.Builder
			handler := LoggingMiddleware(newBufferLogger(&logBuf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.RemoteAddr = "192.168.1.1:12345"
			req.Header.Set("User-Agent", "gophvault-web/1.0")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)

			logOutput := logBuf.String()
			assert.Contains(t, logOutput, "level="+tt.wantLevel)
			assert.Contains(t, logOutput, "method="+tt.method)
			assert.Contains(t, logOutput, "path="+tt.wantPath)
			assert.Contains(t, logOutput, "remote_addr=192.168.1.1:12345")
			assert.Contains(t, logOutput, "user_agent=gophvault-web/1.0")
			assert.NotContains(t, logOutput, "share-token-0123456789")
		})
	}
}

func TestLoggingMiddleware_ResponseSize(t *testing.T) {
	var logBuf strings.Builder
	handler := LoggingMiddleware(newBufferLogger(&logBuf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions", nil))

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "status=200")
	assert.Contains(t, logOutput, "bytes_written=15")
	assert.Contains(t, logOutput, "duration_ms=")
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no token", input: "/api/v1/health", expected: "/api/v1/health"},
		{name: "collab token", input: "/api/v1/collab/abcDEF0123456789xyz", expected: "/api/v1/collab/***"},
		{name: "admin share token", input: "/api/v1/admin/shares/abcDEF0123456789xyz/disable", expected: "/api/v1/admin/shares/***/disable"},
		{name: "admin session token", input: "/api/v1/admin/sessions/abcDEF0123456789xyz", expected: "/api/v1/admin/sessions/***"},
		{name: "trailing slash", input: "/api/v1/collab/", expected: "/api/v1/collab/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizePath(tt.input))
		})
	}
}

func TestLoggingWithSkip(t *testing.T) {
	var logBuf strings.Builder
	handler := LoggingWithSkip(newBufferLogger(&logBuf), []string{"/health", "/metrics"})(okHandler())

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Empty(t, logBuf.String())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions", nil))
	assert.Contains(t, logBuf.String(), "path=/api/v1/admin/sessions")
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	n, err := rw.Write([]byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, int64(5), rw.written)
}

// hijackRecorder recorder с поддержкой Hijack, как у настоящего соединения
type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn)), nil
}

func TestResponseWriter_Hijack(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	rw := &responseWriter{
		ResponseWriter: &hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: server},
		statusCode:     http.StatusOK,
	}

	conn, _, err := rw.Hijack()

	require.NoError(t, err)
	assert.Equal(t, server, conn)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.statusCode)
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	_, _, err := rw.Hijack()

	require.Error(t, err)
	assert.Equal(t, http.StatusOK, rw.statusCode)
}

// TestLoggingMiddleware_WebSocketUpgrade проверяет статус 101 в логе upgrade запроса
func TestLoggingMiddleware_WebSocketUpgrade(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var logBuf strings.Builder
	handler := LoggingMiddleware(newBufferLogger(&logBuf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := w.(http.Hijacker)
		require.True(t, ok)
		_, _, err := h.Hijack()
		require.NoError(t, err)
	}))

	w := &hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: server}
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, testCollabPath, nil))

	assert.Contains(t, logBuf.String(), "status=101")
	assert.Contains(t, logBuf.String(), "path=/api/v1/collab/***")
}
