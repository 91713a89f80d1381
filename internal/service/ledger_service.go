package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/ledger"
)

// StreamEvents is the replayable stream every committed event is appended to.
const StreamEvents = "ledger:events:log"

// ChannelEvents is the pub/sub channel live events are published on.
const ChannelEvents = "ledger:events"

// defaultEventCount bounds a stream read when the caller gives no count.
const defaultEventCount = 100

// LedgerService is the handler-facing facade over the ledger and the relay.
// It logs every mutating call and writes owner actions to the audit log.
type LedgerService struct {
	ledger    *ledger.Ledger
	forwarder *forwarder.Forwarder
	bus       domain.EventBus
	audit     domain.AuditStore // may be nil
	mode      string
	logger    *slog.Logger
}

// NewLedgerService creates a LedgerService. audit may be nil.
func NewLedgerService(
	l *ledger.Ledger,
	fwd *forwarder.Forwarder,
	bus domain.EventBus,
	audit domain.AuditStore,
	mode string,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		ledger:    l,
		forwarder: fwd,
		bus:       bus,
		audit:     audit,
		mode:      mode,
		logger:    logger.With(slog.String("component", "ledger_service")),
	}
}

// CreateMarket opens a market. Unlike the ledger core, the API refuses an
// empty question.
func (s *LedgerService) CreateMarket(ctx context.Context, caller common.Address, question string) (uint64, error) {
	if strings.TrimSpace(question) == "" {
		return 0, fmt.Errorf("ledger_service: create market: %w", domain.ErrEmptyQuestion)
	}
	if !domain.ValidQuestion(question) {
		return 0, fmt.Errorf("ledger_service: create market: %w", domain.ErrInvalidQuestion)
	}
	id, err := s.ledger.CreateMarket(ctx, caller, question)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: create market: %w", err)
	}
	return id, nil
}

// Predict stakes amount on side of marketID.
func (s *LedgerService) Predict(ctx context.Context, caller common.Address, marketID uint64, side domain.Outcome, amount *big.Int) error {
	if err := s.ledger.Predict(ctx, caller, marketID, side, amount); err != nil {
		s.logger.InfoContext(ctx, "prediction rejected",
			slog.Uint64("market_id", marketID),
			slog.String("caller", caller.Hex()),
			slog.String("code", domain.ErrorCode(err)),
		)
		return fmt.Errorf("ledger_service: predict: %w", err)
	}
	return nil
}

// RequestSettlement records the caller's request for an oracle resolution.
func (s *LedgerService) RequestSettlement(ctx context.Context, caller common.Address, marketID uint64) error {
	if err := s.ledger.RequestSettlement(ctx, caller, marketID); err != nil {
		return fmt.Errorf("ledger_service: request settlement: %w", err)
	}
	return nil
}

// Claim pays out the caller's winnings on a settled market.
func (s *LedgerService) Claim(ctx context.Context, caller common.Address, marketID uint64) (*big.Int, error) {
	payout, err := s.ledger.Claim(ctx, caller, marketID)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: claim: %w", err)
	}
	return payout, nil
}

// Withdraw moves amount out of the caller's free balance.
func (s *LedgerService) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := s.ledger.Withdraw(ctx, caller, amount); err != nil {
		return fmt.Errorf("ledger_service: withdraw: %w", err)
	}
	return nil
}

// Deposit credits to with amount. Owner only.
func (s *LedgerService) Deposit(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if err := s.ledger.Deposit(ctx, caller, to, amount); err != nil {
		return fmt.Errorf("ledger_service: deposit: %w", err)
	}
	s.auditLog(ctx, "admin.deposit", caller, map[string]any{
		"to":     to.Hex(),
		"amount": amount.String(),
	})
	return nil
}

// UpdatePolicy applies every non-nil field of u. Each field is a separate
// ledger operation; the first failure stops the update and earlier fields
// stay applied.
func (s *LedgerService) UpdatePolicy(ctx context.Context, caller common.Address, u domain.PolicyUpdate) (domain.Policy, error) {
	type step struct {
		name  string
		apply func() error
	}
	var steps []step
	if u.ForwarderAddress != nil {
		steps = append(steps, step{"forwarder_address", func() error {
			return s.ledger.SetForwarderAddress(ctx, caller, *u.ForwarderAddress)
		}})
	}
	if u.ExpectedAuthor != nil {
		steps = append(steps, step{"expected_author", func() error {
			return s.ledger.SetExpectedAuthor(ctx, caller, *u.ExpectedAuthor)
		}})
	}
	if u.ExpectedWorkflowName != nil {
		steps = append(steps, step{"expected_workflow_name", func() error {
			return s.ledger.SetExpectedWorkflowName(ctx, caller, *u.ExpectedWorkflowName)
		}})
	}
	if u.ExpectedWorkflowID != nil {
		steps = append(steps, step{"expected_workflow_id", func() error {
			return s.ledger.SetExpectedWorkflowID(ctx, caller, *u.ExpectedWorkflowID)
		}})
	}

	for _, st := range steps {
		if err := st.apply(); err != nil {
			return s.ledger.Policy(), fmt.Errorf("ledger_service: update policy %s: %w", st.name, err)
		}
		s.auditLog(ctx, "admin.policy", caller, map[string]any{"field": st.name})
	}
	return s.ledger.Policy(), nil
}

// TransferOwnership hands the owner role to newOwner.
func (s *LedgerService) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if err := s.ledger.TransferOwnership(ctx, caller, newOwner); err != nil {
		return fmt.Errorf("ledger_service: transfer ownership: %w", err)
	}
	s.auditLog(ctx, "admin.ownership", caller, map[string]any{"new_owner": newOwner.Hex()})
	return nil
}

// SubmitReport hands a signed report envelope to the relay.
func (s *LedgerService) SubmitReport(ctx context.Context, env forwarder.Envelope) (forwarder.TransmissionID, error) {
	id, err := s.forwarder.Forward(ctx, env)
	if err != nil {
		s.logger.WarnContext(ctx, "report not delivered",
			slog.String("transmission", id.String()),
			slog.String("error", err.Error()),
		)
		return id, fmt.Errorf("ledger_service: submit report: %w", err)
	}
	s.auditLog(ctx, "report.delivered", s.forwarder.Address(), map[string]any{
		"transmission": id.String(),
		"signatures":   len(env.Signatures),
	})
	return id, nil
}

// Market returns one market or domain.ErrMarketDoesNotExist.
func (s *LedgerService) Market(id uint64) (domain.Market, error) {
	m := s.ledger.GetMarket(id)
	if !m.Exists() {
		return domain.Market{}, fmt.Errorf("ledger_service: market %d: %w", id, domain.ErrMarketDoesNotExist)
	}
	return m, nil
}

// Markets lists markets in id order.
func (s *LedgerService) Markets(limit, offset int) []domain.Market {
	return s.ledger.ListMarkets(limit, offset)
}

// Prediction returns addr's stake on marketID. A missing stake is the zero
// Prediction, not an error.
func (s *LedgerService) Prediction(marketID uint64, addr common.Address) domain.Prediction {
	return s.ledger.GetPrediction(marketID, addr)
}

// Balance returns addr's free balance.
func (s *LedgerService) Balance(addr common.Address) *big.Int {
	return s.ledger.Balance(addr)
}

// Policy returns the current report policy.
func (s *LedgerService) Policy() domain.Policy {
	return s.ledger.Policy()
}

// RelayAddress is the sender the forwarder delivers reports as.
func (s *LedgerService) RelayAddress() common.Address {
	return s.forwarder.Address()
}

// Status reports aggregate ledger state.
func (s *LedgerService) Status() domain.LedgerStatus {
	return domain.LedgerStatus{
		Mode:        s.mode,
		MarketCount: s.ledger.MarketCount(),
		Escrow:      s.ledger.Escrow(),
		Seq:         s.ledger.Seq(),
		Owner:       s.ledger.Owner(),
	}
}

// Events reads committed events from the replay stream after since.
func (s *LedgerService) Events(ctx context.Context, since string, count int) ([]domain.StreamMessage, error) {
	if count <= 0 {
		count = defaultEventCount
	}
	msgs, err := s.bus.StreamRead(ctx, StreamEvents, since, count)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: read events: %w", err)
	}
	return msgs, nil
}

// AuditLog lists audit entries. Only the owner may read it; without an
// audit store the log is empty.
func (s *LedgerService) AuditLog(ctx context.Context, caller common.Address, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	if caller != s.ledger.Owner() {
		return nil, fmt.Errorf("ledger_service: audit log: %w", domain.ErrNotOwner)
	}
	if s.audit == nil {
		return []domain.AuditEntry{}, nil
	}
	entries, err := s.audit.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: audit log: %w", err)
	}
	return entries, nil
}

func (s *LedgerService) auditLog(ctx context.Context, action string, actor common.Address, detail map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, domain.AuditEntry{
		Action: action,
		Actor:  actor,
		Seq:    s.ledger.Seq(),
		Detail: detail,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
