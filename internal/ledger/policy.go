package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/report"
)

// NewPolicy returns a policy owned by owner that accepts reports from
// forwarder only. The identity filters start empty.
func NewPolicy(owner, forwarder common.Address) (domain.Policy, error) {
	if forwarder == (common.Address{}) {
		return domain.Policy{}, fmt.Errorf("ledger: new policy: %w", domain.ErrInvalidForwarderAddress)
	}
	return domain.Policy{Owner: owner, ForwarderAddress: forwarder}, nil
}

// Authorize applies p to one report delivery. A zero filter is skipped;
// metadata is decoded only when at least one identity filter is set.
func Authorize(p domain.Policy, sender common.Address, metadata []byte) error {
	if p.ForwarderAddress != (common.Address{}) && sender != p.ForwarderAddress {
		return fmt.Errorf("ledger: authorize %s: %w", sender.Hex(), domain.ErrInvalidSender)
	}
	var (
		noID     [32]byte
		noName   [10]byte
		noAuthor common.Address
	)
	if p.ExpectedWorkflowID == noID && p.ExpectedAuthor == noAuthor && p.ExpectedWorkflowName == noName {
		return nil
	}
	md, err := report.DecodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("ledger: authorize: %w", err)
	}
	if p.ExpectedWorkflowID != noID && md.WorkflowID != p.ExpectedWorkflowID {
		return fmt.Errorf("ledger: authorize: %w", domain.ErrInvalidWorkflowID)
	}
	if p.ExpectedAuthor != noAuthor && md.Owner != p.ExpectedAuthor {
		return fmt.Errorf("ledger: authorize: %w", domain.ErrInvalidAuthor)
	}
	if p.ExpectedWorkflowName != noName {
		if p.ExpectedAuthor == noAuthor {
			return fmt.Errorf("ledger: authorize: %w", domain.ErrWorkflowNameRequiresAuthorValidation)
		}
		if md.WorkflowName != p.ExpectedWorkflowName {
			return fmt.Errorf("ledger: authorize: %w", domain.ErrInvalidWorkflowName)
		}
	}
	return nil
}

// Policy returns the current authentication policy.
func (l *Ledger) Policy() domain.Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// Owner returns the ledger owner.
func (l *Ledger) Owner() common.Address {
	return l.Policy().Owner
}

// updatePolicy checks ownership, applies mutate to a copy and commits it.
func (l *Ledger) updatePolicy(ctx context.Context, caller common.Address, kind domain.EventKind, field string, mutate func(*domain.Policy)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.policy.Owner {
		return fmt.Errorf("ledger: update %s: %w", field, domain.ErrNotOwner)
	}
	next := l.policy
	mutate(&next)
	ev := domain.Event{
		Kind:    kind,
		Account: addrPtr(caller),
		Detail:  policyDetail(field, next),
	}
	stored := next
	return l.commit(ctx, ev, domain.JournalEntry{Policy: &stored}, func() {
		l.policy = next
	})
}

// TransferOwnership hands the owner role to newOwner.
func (l *Ledger) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return l.updatePolicy(ctx, caller, domain.EventOwnershipTransferred, "owner", func(p *domain.Policy) {
		p.Owner = newOwner
	})
}

// SetForwarderAddress changes the trusted relay. The zero address turns off
// sender authentication.
func (l *Ledger) SetForwarderAddress(ctx context.Context, caller, forwarder common.Address) error {
	err := l.updatePolicy(ctx, caller, domain.EventPolicyUpdated, "forwarder_address", func(p *domain.Policy) {
		p.ForwarderAddress = forwarder
	})
	if err == nil && forwarder == (common.Address{}) {
		l.logger.WarnContext(ctx, "forwarder address cleared: any sender may deliver reports")
	}
	return err
}

// SetExpectedAuthor requires reports to come from workflows owned by author.
// The zero address clears the filter.
func (l *Ledger) SetExpectedAuthor(ctx context.Context, caller, author common.Address) error {
	return l.updatePolicy(ctx, caller, domain.EventPolicyUpdated, "expected_author", func(p *domain.Policy) {
		p.ExpectedAuthor = author
	})
}

// SetExpectedWorkflowName stores the hashed name. An empty name clears the
// filter.
func (l *Ledger) SetExpectedWorkflowName(ctx context.Context, caller common.Address, name string) error {
	return l.updatePolicy(ctx, caller, domain.EventPolicyUpdated, "expected_workflow_name", func(p *domain.Policy) {
		p.ExpectedWorkflowName = report.WorkflowNameHash(name)
	})
}

// SetExpectedWorkflowID restricts reports to one workflow id. The zero id
// clears the filter.
func (l *Ledger) SetExpectedWorkflowID(ctx context.Context, caller common.Address, id [32]byte) error {
	return l.updatePolicy(ctx, caller, domain.EventPolicyUpdated, "expected_workflow_id", func(p *domain.Policy) {
		p.ExpectedWorkflowID = id
	})
}

func policyDetail(field string, p domain.Policy) map[string]any {
	return map[string]any{
		"field":                  field,
		"owner":                  p.Owner.Hex(),
		"forwarder_address":      p.ForwarderAddress.Hex(),
		"expected_author":        p.ExpectedAuthor.Hex(),
		"expected_workflow_name": fmt.Sprintf("%x", p.ExpectedWorkflowName),
		"expected_workflow_id":   fmt.Sprintf("%x", p.ExpectedWorkflowID),
	}
}

// OnReport authenticates and applies one report delivered by sender.
func (l *Ledger) OnReport(ctx context.Context, sender common.Address, metadata, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := Authorize(l.policy, sender, metadata); err != nil {
		l.logger.WarnContext(ctx, "report rejected", slog.String("sender", sender.Hex()), slog.String("error", err.Error()))
		return err
	}
	payload, err := report.Decode(raw)
	if err != nil {
		return fmt.Errorf("ledger: on report: %w", err)
	}
	switch p := payload.(type) {
	case report.CreateMarketPayload:
		_, err = l.createMarket(ctx, sender, p.Question)
		return err
	case report.SettleMarketPayload:
		return l.settle(ctx, p.MarketID, p.Outcome, p.Confidence)
	default:
		return fmt.Errorf("ledger: on report: %w: payload %T", domain.ErrMalformedReport, payload)
	}
}
