package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a ledger notification.
type EventKind string

const (
	EventMarketCreated        EventKind = "market_created"
	EventPredictionMade       EventKind = "prediction_made"
	EventSettlementRequested  EventKind = "settlement_requested"
	EventMarketSettled        EventKind = "market_settled"
	EventWinningsClaimed      EventKind = "winnings_claimed"
	EventPolicyUpdated        EventKind = "policy_updated"
	EventDeposit              EventKind = "deposit"
	EventWithdrawal           EventKind = "withdrawal"
	EventOwnershipTransferred EventKind = "ownership_transferred"
)

// Event is an outbound ledger notification. Only the fields relevant to the
// Kind are populated.
type Event struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Kind       EventKind       `json:"kind"`
	MarketID   uint64          `json:"market_id,omitempty"`
	Question   string          `json:"question,omitempty"`
	Account    *common.Address `json:"account,omitempty"` // creator, predictor, claimer, recipient or new owner
	Side       *Outcome        `json:"side,omitempty"`
	Amount     *big.Int        `json:"amount,omitempty"`
	Confidence *uint16         `json:"confidence,omitempty"`
	Detail     map[string]any  `json:"detail,omitempty"`
	At         time.Time       `json:"at"`
}

// EventSink receives events after the state change that produced them has
// been committed. Implementations must not call back into the ledger.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// Emit calls f(ctx, ev).
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// eventAlias drops Event's methods so the JSON helpers below do not recurse.
type eventAlias Event

// MarshalJSON renders Amount as a decimal string so clients never lose
// precision on wei-scale values.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		eventAlias
		Amount string `json:"amount,omitempty"`
	}{eventAlias: eventAlias(e)}
	if e.Amount != nil {
		out.Amount = e.Amount.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts Amount as a decimal string.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in struct {
		eventAlias
		Amount string `json:"amount,omitempty"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event(in.eventAlias)
	e.Amount = nil
	if in.Amount != "" {
		amt, ok := new(big.Int).SetString(in.Amount, 10)
		if !ok {
			return fmt.Errorf("domain: event amount %q is not a decimal integer", in.Amount)
		}
		e.Amount = amt
	}
	return nil
}
