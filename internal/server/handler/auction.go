package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// AuctionService defines the engine operations the auction handler needs.
type AuctionService interface {
	CreateAuction(ctx context.Context, p domain.NewAuctionParams) (domain.Auction, error)
	GetAuction(ctx context.Context, id string) (domain.Auction, error)
	ListByCreator(ctx context.Context, creator string, opts domain.ListOpts) ([]domain.Auction, error)
	ListByAsset(ctx context.Context, assetRef string, opts domain.ListOpts) ([]domain.Auction, error)
	PlaceBid(ctx context.Context, auctionID, bidder string, amount decimal.Decimal) (domain.Bid, error)
	GetCurrentWinner(ctx context.Context, auctionID string) (domain.Bid, bool, error)
	Settle(ctx context.Context, auctionID string) (domain.SettlementResult, error)
	Cancel(ctx context.Context, auctionID, requester string) (domain.Auction, error)
	History(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// SettlementQueue accepts auctions for background settlement.
type SettlementQueue interface {
	Enqueue(auctionID string) bool
}

// AuctionHandler serves the auction endpoints.
type AuctionHandler struct {
	auctions AuctionService
	queue    SettlementQueue
	receipts domain.ReceiptArchive
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler. queue and receipts may be nil.
func NewAuctionHandler(auctions AuctionService, queue SettlementQueue, receipts domain.ReceiptArchive, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		queue:    queue,
		receipts: receipts,
		logger:   logHandler(logger, "auction"),
	}
}

type createAuctionRequest struct {
	AssetRef      string           `json:"asset_ref"`
	Creator       string           `json:"creator"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       time.Time        `json:"end_time"`
	StartingPrice *decimal.Decimal `json:"starting_price"`
	ReservePrice  *decimal.Decimal `json:"reserve_price"`
}

type placeBidRequest struct {
	Bidder string           `json:"bidder"`
	Amount *decimal.Decimal `json:"amount"`
}

type cancelRequest struct {
	Requester string `json:"requester"`
}

type listAuctionsResponse struct {
	Auctions []domain.Auction `json:"auctions"`
}

type historyResponse struct {
	AuctionID string              `json:"auction_id"`
	Entries   []domain.AuditEntry `json:"entries"`
}

type winnerResponse struct {
	AuctionID string      `json:"auction_id"`
	HasWinner bool        `json:"has_winner"`
	Bid       *domain.Bid `json:"bid,omitempty"`
}

// ListAuctions lists auctions by creator or by asset.
// GET /api/auctions?creator=...|asset=...&limit=50&offset=0
func (h *AuctionHandler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	creator, asset := q.Get("creator"), q.Get("asset")
	if (creator == "") == (asset == "") {
		writeError(w, http.StatusBadRequest, "exactly one of creator or asset query parameter required")
		return
	}

	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var list []domain.Auction
	if creator != "" {
		list, err = h.auctions.ListByCreator(r.Context(), creator, opts)
	} else {
		list, err = h.auctions.ListByAsset(r.Context(), asset, opts)
	}
	if err != nil {
		h.fail(w, r, "list auctions", err)
		return
	}
	if list == nil {
		list = []domain.Auction{}
	}
	writeJSON(w, http.StatusOK, listAuctionsResponse{Auctions: list})
}

// CreateAuction creates a pending auction.
// POST /api/auctions
func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StartingPrice == nil {
		writeError(w, http.StatusBadRequest, "starting_price is required")
		return
	}
	reserve := decimal.Zero
	if req.ReservePrice != nil {
		reserve = *req.ReservePrice
	}

	a, err := h.auctions.CreateAuction(r.Context(), domain.NewAuctionParams{
		AssetRef:      req.AssetRef,
		Creator:       req.Creator,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		StartingPrice: *req.StartingPrice,
		ReservePrice:  reserve,
	})
	if err != nil {
		h.fail(w, r, "create auction", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAuction returns one auction with its resolved status.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.auctions.GetAuction(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// PlaceBid places a bid.
// POST /api/auctions/{id}/bids
func (h *AuctionHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}

	bid, err := h.auctions.PlaceBid(r.Context(), r.PathValue("id"), req.Bidder, *req.Amount)
	if err != nil {
		h.fail(w, r, "place bid", err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// GetWinner returns the current leading bid, or the winner once closed.
// GET /api/auctions/{id}/winner
func (h *AuctionHandler) GetWinner(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bid, ok, err := h.auctions.GetCurrentWinner(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get winner", err)
		return
	}
	resp := winnerResponse{AuctionID: id, HasWinner: ok}
	if ok {
		resp.Bid = &bid
	}
	writeJSON(w, http.StatusOK, resp)
}

// Settle settles a closed auction, or queues it when async=true.
// POST /api/auctions/{id}/settle[?async=true]
func (h *AuctionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && h.queue != nil {
		queued := h.queue.Enqueue(id)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"auction_id": id,
			"queued":     queued,
		})
		return
	}

	res, err := h.auctions.Settle(r.Context(), id)
	if err != nil {
		h.fail(w, r, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel cancels an auction that has no bids.
// POST /api/auctions/{id}/cancel
func (h *AuctionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.auctions.Cancel(r.Context(), r.PathValue("id"), req.Requester)
	if err != nil {
		h.fail(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetReceipt returns the settlement result, preferring the archived copy.
// GET /api/auctions/{id}/receipt
func (h *AuctionHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.receipts != nil {
		res, err := h.receipts.Load(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.WarnContext(r.Context(), "receipt archive read failed",
				slog.String("auction_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	a, err := h.auctions.GetAuction(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get receipt", err)
		return
	}
	if a.Result == nil {
		writeError(w, http.StatusNotFound, "auction is not settled")
		return
	}
	writeJSON(w, http.StatusOK, a.Result)
}

// GetHistory returns the auction's audit trail, oldest first.
// GET /api/auctions/{id}/history[?since=RFC3339&until=RFC3339&limit=&offset=]
func (h *AuctionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	entries, err := h.auctions.History(r.Context(), id, opts)
	if err != nil {
		h.fail(w, r, "get history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{AuctionID: id, Entries: entries})
}

// fail maps engine errors to HTTP responses.
func (h *AuctionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
	}
	var se *domain.SettlementError
	if errors.As(err, &se) {
		writeJSON(w, status, map[string]string{
			"error": msg,
			"step":  string(se.Step),
		})
		return
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidAuction):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrBidTooLow):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrBidderRejected), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrPaymentPending):
		return http.StatusAccepted, err.Error()
	case errors.Is(err, domain.ErrTransferFailed), errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
