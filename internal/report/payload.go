// Package report implements the wire format of reports delivered to the
// ledger by the workflow relay: the packed workflow metadata and the
// one-byte-prefixed payload that carries either a new market question or a
// settlement.
package report

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// SettlePrefix marks a settlement payload. Any other first byte means the
// whole report is an ABI-encoded question string.
const SettlePrefix byte = 0x01

var (
	ErrEmptyReport          = errors.New("report: empty payload")
	ErrInvalidOutcome       = errors.New("report: outcome must be 0 (yes) or 1 (no)")
	ErrConfidenceOutOfRange = errors.New("report: confidence exceeds 10000")
	ErrMarketIDOverflow     = errors.New("report: market id does not fit in 64 bits")
)

// Payload is the decoded report: either CreateMarketPayload or
// SettleMarketPayload.
type Payload interface {
	Kind() string
	isPayload()
}

// CreateMarketPayload asks the ledger to open a market for Question.
type CreateMarketPayload struct {
	Question string
}

// Kind implements Payload.
func (CreateMarketPayload) Kind() string { return "create_market" }
func (CreateMarketPayload) isPayload()   {}

// SettleMarketPayload carries the determined outcome of a market.
type SettleMarketPayload struct {
	MarketID   uint64
	Outcome    domain.Outcome
	Confidence uint16
}

// Kind implements Payload.
func (SettleMarketPayload) Kind() string { return "settle_market" }
func (SettleMarketPayload) isPayload()   {}

var (
	createArgs abi.Arguments
	settleArgs abi.Arguments
)

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("report: abi type %s: %v", t, err))
		}
		return typ
	}
	createArgs = abi.Arguments{{Name: "question", Type: mustType("string")}}
	settleArgs = abi.Arguments{
		{Name: "marketId", Type: mustType("uint256")},
		{Name: "outcome", Type: mustType("uint8")},
		{Name: "confidence", Type: mustType("uint16")},
	}
}

// Decode parses a raw report into its payload variant. Errors wrap
// domain.ErrMalformedReport.
func Decode(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedReport, ErrEmptyReport)
	}
	if raw[0] == SettlePrefix {
		p, err := decodeSettle(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrMalformedReport, err)
		}
		return p, nil
	}
	p, err := decodeCreate(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedReport, err)
	}
	return p, nil
}

func decodeCreate(data []byte) (CreateMarketPayload, error) {
	vals, err := createArgs.Unpack(data)
	if err != nil {
		return CreateMarketPayload{}, fmt.Errorf("report: decode question: %w", err)
	}
	q, ok := vals[0].(string)
	if !ok {
		return CreateMarketPayload{}, fmt.Errorf("report: question has type %T", vals[0])
	}
	if !domain.ValidQuestion(q) {
		return CreateMarketPayload{}, fmt.Errorf("report: %w", domain.ErrInvalidQuestion)
	}
	return CreateMarketPayload{Question: q}, nil
}

func decodeSettle(data []byte) (SettleMarketPayload, error) {
	vals, err := settleArgs.Unpack(data)
	if err != nil {
		return SettleMarketPayload{}, fmt.Errorf("report: decode settlement: %w", err)
	}
	id, ok := vals[0].(*big.Int)
	if !ok {
		return SettleMarketPayload{}, fmt.Errorf("report: market id has type %T", vals[0])
	}
	if !id.IsUint64() {
		return SettleMarketPayload{}, ErrMarketIDOverflow
	}
	outcome, ok := vals[1].(uint8)
	if !ok {
		return SettleMarketPayload{}, fmt.Errorf("report: outcome has type %T", vals[1])
	}
	if !domain.Outcome(outcome).Valid() {
		return SettleMarketPayload{}, ErrInvalidOutcome
	}
	confidence, ok := vals[2].(uint16)
	if !ok {
		return SettleMarketPayload{}, fmt.Errorf("report: confidence has type %T", vals[2])
	}
	if confidence > domain.MaxConfidence {
		return SettleMarketPayload{}, ErrConfidenceOutOfRange
	}
	return SettleMarketPayload{
		MarketID:   id.Uint64(),
		Outcome:    domain.Outcome(outcome),
		Confidence: confidence,
	}, nil
}

// Encode produces the wire bytes for a payload.
func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case CreateMarketPayload:
		if !domain.ValidQuestion(v.Question) {
			return nil, fmt.Errorf("report: %w", domain.ErrInvalidQuestion)
		}
		out, err := createArgs.Pack(v.Question)
		if err != nil {
			return nil, fmt.Errorf("report: encode question: %w", err)
		}
		return out, nil
	case SettleMarketPayload:
		if !v.Outcome.Valid() {
			return nil, ErrInvalidOutcome
		}
		body, err := settleArgs.Pack(new(big.Int).SetUint64(v.MarketID), uint8(v.Outcome), v.Confidence)
		if err != nil {
			return nil, fmt.Errorf("report: encode settlement: %w", err)
		}
		return append([]byte{SettlePrefix}, body...), nil
	default:
		return nil, fmt.Errorf("report: unsupported payload %T", p)
	}
}
