package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/server/middleware"
)

// maxBodyBytes bounds a JSON request body.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// relayCodes names forwarder failures, which live outside the domain
// taxonomy.
var relayCodes = []struct {
	err    error
	code   string
	status int
}{
	{forwarder.ErrUnauthorizedSigner, "UnauthorizedSigner", http.StatusForbidden},
	{forwarder.ErrInsufficientSignatures, "InsufficientSignatures", http.StatusForbidden},
	{forwarder.ErrTransmissionInFlight, "TransmissionInFlight", http.StatusConflict},
	{forwarder.ErrAlreadyProcessed, "AlreadyProcessed", http.StatusConflict},
}

// statusByCode maps domain error codes to HTTP statuses. Codes not listed
// are server errors.
var statusByCode = map[string]int{
	"MarketDoesNotExist":                   http.StatusNotFound,
	"NotFound":                             http.StatusNotFound,
	"MarketAlreadySettled":                 http.StatusConflict,
	"MarketNotSettled":                     http.StatusConflict,
	"AlreadyPredicted":                     http.StatusConflict,
	"NothingToClaim":                       http.StatusConflict,
	"AlreadyClaimed":                       http.StatusConflict,
	"InsufficientBalance":                  http.StatusConflict,
	"LockHeld":                             http.StatusConflict,
	"InvalidAmount":                        http.StatusBadRequest,
	"EmptyQuestion":                        http.StatusBadRequest,
	"InvalidQuestion":                      http.StatusBadRequest,
	"InvalidSide":                          http.StatusBadRequest,
	"MalformedReport":                      http.StatusBadRequest,
	"InvalidMetadata":                      http.StatusBadRequest,
	"InvalidForwarderAddress":              http.StatusBadRequest,
	"WorkflowNameRequiresAuthorValidation": http.StatusBadRequest,
	"NotOwner":                             http.StatusForbidden,
	"InvalidSender":                        http.StatusForbidden,
	"InvalidAuthor":                        http.StatusForbidden,
	"InvalidWorkflowName":                  http.StatusForbidden,
	"InvalidWorkflowId":                    http.StatusForbidden,
	"Unauthorized":                         http.StatusUnauthorized,
	"RateLimited":                          http.StatusTooManyRequests,
	"TransferFailed":                       http.StatusBadGateway,
}

// classify returns the stable code and HTTP status for err.
func classify(err error) (string, int) {
	for _, rc := range relayCodes {
		if errors.Is(err, rc.err) {
			return rc.code, rc.status
		}
	}
	code := domain.ErrorCode(err)
	if status, ok := statusByCode[code]; ok {
		return code, status
	}
	return code, http.StatusInternalServerError
}

// writeServiceError maps a service error to a response. Unclassified errors
// are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code, status := classify(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errorResponse{Error: op + " failed", Code: code})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// marketIDParam parses the {id} path segment.
func marketIDParam(r *http.Request) (uint64, error) {
	raw := pathParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid market id %q", raw)
	}
	return id, nil
}

// parseAddress accepts a 0x-prefixed 20-byte hex address.
func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount accepts a non-negative base-10 integer string.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// caller returns the authenticated caller or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing caller identity", Code: "Unauthorized"})
		return common.Address{}, false
	}
	return addr, true
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
