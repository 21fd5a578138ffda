package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", ReadOnly)(okHandler)
	tests := []struct {
		name   string
		method string
		header map[string]string
		want   int
	}{
		{"get is public", http.MethodGet, nil, http.StatusOK},
		{"post without key", http.MethodPost, nil, http.StatusUnauthorized},
		{"post with bearer", http.MethodPost, map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"post with api key", http.MethodPost, map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"post with wrong key", http.MethodPost, map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"basic scheme ignored", http.MethodPost, map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"key prefix rejected", http.MethodPost, map[string]string{"X-API-Key": "secretX"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/auctions", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			check.Equal(t, tt.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	Auth("", nil)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	check.Equal(t, http.StatusOK, rec.Code)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimitPerClient(t *testing.T) {
	policy := RatePolicy{Scope: "bids", Limit: 2, Window: 90 * time.Second, TrustProxy: true}
	h := RateLimit(NewLocalLimiter(), policy, discard())(okHandler)
	hit := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	check.Equal(t, http.StatusOK, hit("1.1.1.1").Code)
	check.Equal(t, http.StatusOK, hit("1.1.1.1").Code)
	rec := hit("1.1.1.1")
	check.Equal(t, http.StatusTooManyRequests, rec.Code)
	check.Equal(t, "90", rec.Header().Get("Retry-After"))
	check.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	check.Equal(t, http.StatusOK, hit("2.2.2.2").Code)
}

func TestClientIPIgnoresProxyHeadersUnlessTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	check.Equal(t, "192.0.2.7", ClientIP(req, false))
	check.Equal(t, "1.1.1.1", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", " 3.3.3.3 ")
	check.Equal(t, "3.3.3.3", ClientIP(req, true))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	rec := httptest.NewRecorder()
	policy := RatePolicy{Scope: "bids", Limit: 1, Window: time.Minute}
	RateLimit(failingLimiter{}, policy, discard())(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	check.Equal(t, http.StatusOK, rec.Code)
}

func TestLocalLimiterWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := l.Allow(ctx, "k", 1, time.Second)
	assert.NoError(t, err)
	check.True(t, ok)
	ok, _ = l.Allow(ctx, "k", 1, time.Second)
	check.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = l.Allow(ctx, "k", 1, time.Second)
	check.True(t, ok)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://market.example"})(okHandler)
	req := httptest.NewRequest(http.MethodOptions, "/api/auctions", nil)
	req.Header.Set("Origin", "https://market.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	check.Equal(t, http.StatusNoContent, rec.Code)
	check.Equal(t, "https://market.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/auctions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	check.Equal(t, "", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	check.True(t, strings.Contains(buf.String(), `"status":418`))
	check.True(t, strings.Contains(buf.String(), `"path":"/api/health"`))
}

func TestLoggingSetsRequestID(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := Logging(logger)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auctions", nil))
	check.Equal(t, 36, len(rec.Header().Get(HeaderRequestID)))

	req := httptest.NewRequest(http.MethodGet, "/api/auctions", nil)
	req.Header.Set(HeaderRequestID, "trace-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	check.Equal(t, "trace-1", rec.Header().Get(HeaderRequestID))
}
