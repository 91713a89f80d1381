package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Policy is the report-delivery authentication configuration together with
// the ledger owner. A zero field disables the corresponding check.
type Policy struct {
	Owner                common.Address
	ForwarderAddress     common.Address
	ExpectedAuthor       common.Address
	ExpectedWorkflowName [10]byte
	ExpectedWorkflowID   [32]byte
}

// PredictionRecord pairs a Prediction with its key for persistence.
type PredictionRecord struct {
	Key        PredictionKey
	Prediction Prediction
}

// Snapshot is the complete ledger state at one event sequence number.
type Snapshot struct {
	Seq          uint64
	NextMarketID uint64
	Policy       Policy
	Markets      []Market
	Predictions  []PredictionRecord
	Balances     []AccountBalance
	Escrow       *big.Int
	TakenAt      time.Time
}

// JournalEntry is the full effect of one committed ledger operation. Pointer
// fields are nil when the operation did not touch that part of the state.
type JournalEntry struct {
	Event        Event
	NextMarketID uint64
	Market       *Market
	Prediction   *PredictionRecord
	Balances     []AccountBalance
	Escrow       *big.Int
	Policy       *Policy
}

// LedgerJournal persists ledger operations. Append must apply an entry
// atomically: either every part is stored or none is.
type LedgerJournal interface {
	Append(ctx context.Context, entry JournalEntry) error
	Load(ctx context.Context) (Snapshot, error)
}

// SnapshotStore keeps point-in-time ledger snapshots in object storage.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) (string, error)
	Latest(ctx context.Context) (Snapshot, error)
}

// LedgerStatus summarises the ledger for operators.
type LedgerStatus struct {
	Mode        string
	MarketCount uint64
	Escrow      *big.Int
	Seq         uint64
	Owner       common.Address
}

// PolicyUpdate carries the policy fields to change. Nil fields are left
// untouched.
type PolicyUpdate struct {
	ForwarderAddress     *common.Address
	ExpectedAuthor       *common.Address
	ExpectedWorkflowName *string
	ExpectedWorkflowID   *[32]byte
}
