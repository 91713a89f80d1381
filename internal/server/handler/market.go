package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, caller common.Address, question string) (uint64, error)
	Predict(ctx context.Context, caller common.Address, marketID uint64, side domain.Outcome, amount *big.Int) error
	RequestSettlement(ctx context.Context, caller common.Address, marketID uint64) error
	Claim(ctx context.Context, caller common.Address, marketID uint64) (*big.Int, error)
	Market(id uint64) (domain.Market, error)
	Markets(limit, offset int) []domain.Market
	Prediction(marketID uint64, addr common.Address) domain.Prediction
	Status() domain.LedgerStatus
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "markets"),
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketDTO `json:"markets"`
	Total   uint64      `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

// ListMarkets returns markets in id order with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	markets := h.markets.Markets(opts.Limit, opts.Offset)

	out := make([]marketDTO, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketDTO(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   h.markets.Status().MarketCount,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.markets.Market(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketDTO(m))
}

type createMarketRequest struct {
	Question string `json:"question"`
}

// CreateMarket opens a market owned by the caller.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.markets.CreateMarket(r.Context(), who, req.Question)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	m, err := h.markets.Market(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMarketDTO(m))
}

type predictRequest struct {
	Side   domain.Outcome `json:"side"`
	Amount string         `json:"amount"`
}

// Predict stakes the caller's balance on one side of a market.
// POST /api/markets/{id}/predictions
func (h *MarketHandler) Predict(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req predictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.markets.Predict(r.Context(), who, id, req.Side, amount); err != nil {
		writeServiceError(w, r, h.logger, "predict", err)
		return
	}
	writeJSON(w, http.StatusCreated, predictionView(id, who, h.markets.Prediction(id, who)))
}

// GetPrediction returns one account's stake on a market.
// GET /api/markets/{id}/predictions/{address}
func (h *MarketHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.markets.Market(id); err != nil {
		writeServiceError(w, r, h.logger, "get prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, predictionView(id, addr, h.markets.Prediction(id, addr)))
}

// RequestSettlement asks the oracle workflow to resolve a market.
// POST /api/markets/{id}/settlement-requests
func (h *MarketHandler) RequestSettlement(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.markets.RequestSettlement(r.Context(), who, id); err != nil {
		writeServiceError(w, r, h.logger, "request settlement", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"market_id": id, "status": "requested"})
}

// Claim pays the caller's winnings into their balance.
// POST /api/markets/{id}/claims
func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payout, err := h.markets.Claim(r.Context(), who, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"claimer":   who.Hex(),
		"payout":    amountString(payout),
	})
}

func predictionView(id uint64, addr common.Address, p domain.Prediction) predictionDTO {
	out := predictionDTO{
		MarketID:  id,
		Predictor: addr.Hex(),
		Amount:    amountString(p.Amount),
		Claimed:   p.Claimed,
	}
	if p.HasStake() {
		side := p.Side.String()
		out.Side = &side
	}
	return out
}
