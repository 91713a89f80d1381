package handler

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// Amounts are decimal strings so clients never round wei-scale values.

type marketDTO struct {
	ID           uint64     `json:"id"`
	Creator      string     `json:"creator"`
	Question     string     `json:"question"`
	CreatedAt    time.Time  `json:"created_at"`
	Settled      bool       `json:"settled"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	Outcome      *string    `json:"outcome,omitempty"`
	Confidence   *uint16    `json:"confidence,omitempty"`
	TotalYesPool string     `json:"total_yes_pool"`
	TotalNoPool  string     `json:"total_no_pool"`
}

func toMarketDTO(m domain.Market) marketDTO {
	out := marketDTO{
		ID:           m.ID,
		Creator:      m.Creator.Hex(),
		Question:     m.Question,
		CreatedAt:    m.CreatedAt,
		TotalYesPool: m.Pool(domain.OutcomeYes).String(),
		TotalNoPool:  m.Pool(domain.OutcomeNo).String(),
	}
	if outcome, confidence, ok := m.Resolution(); ok {
		side := outcome.String()
		at := m.SettledAt
		out.Settled = true
		out.SettledAt = &at
		out.Outcome = &side
		out.Confidence = &confidence
	}
	return out
}

type predictionDTO struct {
	MarketID  uint64  `json:"market_id"`
	Predictor string  `json:"predictor"`
	Amount    string  `json:"amount"`
	Side      *string `json:"side,omitempty"`
	Claimed   bool    `json:"claimed"`
}

type accountDTO struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type policyDTO struct {
	Owner                string `json:"owner"`
	ForwarderAddress     string `json:"forwarder_address"`
	ExpectedAuthor       string `json:"expected_author"`
	ExpectedWorkflowName string `json:"expected_workflow_name"`
	ExpectedWorkflowID   string `json:"expected_workflow_id"`
}

func toPolicyDTO(p domain.Policy) policyDTO {
	return policyDTO{
		Owner:                p.Owner.Hex(),
		ForwarderAddress:     p.ForwarderAddress.Hex(),
		ExpectedAuthor:       p.ExpectedAuthor.Hex(),
		ExpectedWorkflowName: "0x" + hex.EncodeToString(p.ExpectedWorkflowName[:]),
		ExpectedWorkflowID:   "0x" + hex.EncodeToString(p.ExpectedWorkflowID[:]),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
