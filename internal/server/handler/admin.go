package handler

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// AdminService is what AdminHandler needs from the service layer. Ownership
// is enforced by the ledger, not here.
type AdminService interface {
	Policy() domain.Policy
	UpdatePolicy(ctx context.Context, caller common.Address, u domain.PolicyUpdate) (domain.Policy, error)
	Deposit(ctx context.Context, caller, to common.Address, amount *big.Int) error
	TransferOwnership(ctx context.Context, caller, newOwner common.Address) error
	Balance(addr common.Address) *big.Int
	AuditLog(ctx context.Context, caller common.Address, f domain.AuditFilter) ([]domain.AuditEntry, error)
}

// AdminHandler serves owner-only endpoints.
type AdminHandler struct {
	admin  AdminService
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(admin AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logHandler(logger, "admin")}
}

// GetPolicy returns the report policy.
// GET /api/admin/policy
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPolicyDTO(h.admin.Policy()))
}

// updatePolicyRequest fields are optional; absent fields stay unchanged and
// an empty string clears the filter.
type updatePolicyRequest struct {
	ForwarderAddress     *string `json:"forwarder_address"`
	ExpectedAuthor       *string `json:"expected_author"`
	ExpectedWorkflowName *string `json:"expected_workflow_name"`
	ExpectedWorkflowID   *string `json:"expected_workflow_id"`
}

func (req updatePolicyRequest) toUpdate() (domain.PolicyUpdate, error) {
	var u domain.PolicyUpdate
	optAddr := func(s *string) (*common.Address, error) {
		if s == nil {
			return nil, nil
		}
		if *s == "" {
			return &common.Address{}, nil
		}
		a, err := parseAddress(*s)
		if err != nil {
			return nil, err
		}
		return &a, nil
	}
	var err error
	if u.ForwarderAddress, err = optAddr(req.ForwarderAddress); err != nil {
		return u, err
	}
	if u.ExpectedAuthor, err = optAddr(req.ExpectedAuthor); err != nil {
		return u, err
	}
	u.ExpectedWorkflowName = req.ExpectedWorkflowName
	if req.ExpectedWorkflowID != nil {
		var id [32]byte
		if raw := strings.TrimPrefix(*req.ExpectedWorkflowID, "0x"); raw != "" {
			b, err := hex.DecodeString(raw)
			if err != nil || len(b) != len(id) {
				return u, fmt.Errorf("invalid workflow id %q", *req.ExpectedWorkflowID)
			}
			copy(id[:], b)
		}
		u.ExpectedWorkflowID = &id
	}
	return u, nil
}

// UpdatePolicy changes the report policy.
// PUT /api/admin/policy
func (h *AdminHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req updatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.admin.UpdatePolicy(r.Context(), who, u)
	if err != nil {
		writeServiceError(w, r, h.logger, "update policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

type depositRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Deposit credits an account with native units.
// POST /api/admin/deposits
func (h *AdminHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.Deposit(r.Context(), who, to, amount); err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, accountDTO{Address: to.Hex(), Balance: amountString(h.admin.Balance(to))})
}

type ownershipRequest struct {
	NewOwner string `json:"new_owner"`
}

// TransferOwnership hands the owner role to another address.
// POST /api/admin/ownership
func (h *AdminHandler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req ownershipRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	newOwner, err := parseAddress(req.NewOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.TransferOwnership(r.Context(), who, newOwner); err != nil {
		writeServiceError(w, r, h.logger, "transfer ownership", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(h.admin.Policy()))
}

type auditEntryDTO struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Seq       uint64         `json:"seq"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns the owner's view of the audit log, newest first.
// Filters: ?actor=0x..&action=admin.deposit&limit&offset
// GET /api/admin/audit
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	opts := parseListOpts(r)
	f := domain.AuditFilter{
		Action: r.URL.Query().Get("action"),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	if raw := r.URL.Query().Get("actor"); raw != "" {
		actor, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Actor = &actor
	}

	entries, err := h.admin.AuditLog(r.Context(), who, f)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dto := auditEntryDTO{ID: e.ID, Action: e.Action, Seq: e.Seq, Detail: e.Detail, CreatedAt: e.CreatedAt}
		if e.Actor != (common.Address{}) {
			dto.Actor = e.Actor.Hex()
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}
