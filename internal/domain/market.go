package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome is one side of a yes/no market. The numeric values match the
// report wire format (0 = Yes, 1 = No).
type Outcome uint8

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

// MaxConfidence is the upper bound of the two-decimal percentage scale.
const MaxConfidence uint16 = 10000

// ValidQuestion reports whether q can be stored and exported unchanged:
// valid UTF-8 with no NUL bytes. Empty questions pass.
func ValidQuestion(q string) bool {
	return utf8.ValidString(q) && !strings.ContainsRune(q, 0)
}

// Valid reports whether o is one of the two defined outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// String returns "yes" or "no".
func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("domain: invalid outcome %d", uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts "yes"/"no"
// in any case as well as "0"/"1".
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOutcome converts a user-supplied side into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "0":
		return OutcomeYes, nil
	case "no", "1":
		return OutcomeNo, nil
	default:
		return 0, fmt.Errorf("domain: unknown outcome %q", s)
	}
}

// Market is one yes/no question open for staking. The zero value represents
// a market that does not exist.
type Market struct {
	ID           uint64
	Creator      common.Address
	CreatedAt    time.Time
	Settled      bool
	SettledAt    time.Time
	Outcome      Outcome // authoritative only when Settled
	Confidence   uint16  // 0..10000, meaningful only when Settled
	TotalYesPool *big.Int
	TotalNoPool  *big.Int
	Question     string
}

// Exists reports whether the record was created. Market ids start at 1, so
// only the zero Market has ID 0. The creator may be any address.
func (m Market) Exists() bool {
	return m.ID != 0
}

// Pool returns the stake total for one side. Nil pools read as zero.
func (m Market) Pool(side Outcome) *big.Int {
	var p *big.Int
	if side == OutcomeYes {
		p = m.TotalYesPool
	} else {
		p = m.TotalNoPool
	}
	if p == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p)
}

// TotalPool returns TotalYesPool + TotalNoPool.
func (m Market) TotalPool() *big.Int {
	return new(big.Int).Add(m.Pool(OutcomeYes), m.Pool(OutcomeNo))
}

// Resolution returns the settled outcome and confidence. ok is false until
// the market is settled; callers must not treat the default outcome as a
// result.
func (m Market) Resolution() (outcome Outcome, confidence uint16, ok bool) {
	if !m.Settled {
		return 0, 0, false
	}
	return m.Outcome, m.Confidence, true
}

// Clone returns a deep copy so pool pointers are never shared.
func (m Market) Clone() Market {
	out := m
	out.TotalYesPool = m.Pool(OutcomeYes)
	out.TotalNoPool = m.Pool(OutcomeNo)
	return out
}

// PredictionKey identifies one user's stake on one market.
type PredictionKey struct {
	MarketID  uint64
	Predictor common.Address
}

// Prediction is a single stake. Amount and Side never change once recorded.
type Prediction struct {
	Amount  *big.Int
	Side    Outcome
	Claimed bool
}

// HasStake reports whether a nonzero stake was recorded.
func (p Prediction) HasStake() bool {
	return p.Amount != nil && p.Amount.Sign() > 0
}

// Clone returns a deep copy.
func (p Prediction) Clone() Prediction {
	out := p
	if p.Amount == nil {
		out.Amount = new(big.Int)
	} else {
		out.Amount = new(big.Int).Set(p.Amount)
	}
	return out
}

// AccountBalance is the free native-unit balance held for an address.
type AccountBalance struct {
	Address common.Address
	Balance *big.Int
}
