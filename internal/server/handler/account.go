package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// AccountService is what AccountHandler needs from the service layer.
type AccountService interface {
	Balance(addr common.Address) *big.Int
	Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error
}

// AccountHandler serves balance and withdrawal endpoints.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "accounts")}
}

// GetAccount returns an address's free balance.
// GET /api/accounts/{address}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accountDTO{Address: addr.Hex(), Balance: amountString(h.accounts.Balance(addr))})
}

type withdrawRequest struct {
	Amount string `json:"amount"`
}

// Withdraw pays out part of the caller's free balance.
// POST /api/accounts/withdrawals
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.accounts.Withdraw(r.Context(), who, amount); err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, accountDTO{Address: who.Hex(), Balance: amountString(h.accounts.Balance(who))})
}
