package handler

import (
	"net/http"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// StatusService reports aggregate ledger state.
type StatusService interface {
	Status() domain.LedgerStatus
}

// StatusHandler serves the ledger status for operators.
type StatusHandler struct {
	status StatusService
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(status StatusService) *StatusHandler {
	return &StatusHandler{status: status}
}

// GetStatus responds with the run mode, market count, escrow and event
// sequence.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":         st.Mode,
		"market_count": st.MarketCount,
		"escrow":       amountString(st.Escrow),
		"seq":          st.Seq,
		"owner":        st.Owner.Hex(),
	})
}
