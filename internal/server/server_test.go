package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"

	"github.com/alanyoungcy/auctionhouse/internal/auction"
	"github.com/alanyoungcy/auctionhouse/internal/server/handler"
	"github.com/alanyoungcy/auctionhouse/internal/server/middleware"
	"github.com/alanyoungcy/auctionhouse/internal/store/memory"
)

func newTestHandler(cfg Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := auction.NewEngine(memory.NewAuctionStore(), memory.NewOwnershipLedger(), memory.NewBalanceLedger(),
		nil, nil, auction.DefaultConfig(), logger)
	return NewHandler(cfg, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Status:   &handler.StatusHandler{Mode: "server", StartedAt: time.Now()},
		Auctions: handler.NewAuctionHandler(engine, nil, nil, logger),
	}, nil, middleware.NewLocalLimiter(), logger)
}

func serve(h http.Handler, method, path, body string, headers map[string]string) int {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRoutesAndAuth(t *testing.T) {
	h := newTestHandler(Config{APIKey: "k"})
	key := map[string]string{"X-API-Key": "k"}

	check.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/health", "", nil))
	check.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/status", "", nil))
	check.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/auctions/missing", "", nil))
	check.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/api/auctions/missing/bids", `{"bidder":"bob","amount":"1"}`, nil))
	check.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/api/auctions/missing/bids", `{"bidder":"bob","amount":"1"}`, key))
}

func TestBidRateLimit(t *testing.T) {
	h := newTestHandler(Config{BidRateLimit: 2, BidRateWindow: time.Minute})
	body := `{"bidder":"bob","amount":"1"}`

	check.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/api/auctions/x/bids", body, nil))
	check.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/api/auctions/x/bids", body, nil))
	check.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/api/auctions/x/bids", body, nil))
	// Reads are not limited.
	check.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/auctions/x", "", nil))
}
