// Package ledger is the prediction-market state machine: markets, stakes,
// settlement, proportional payouts and the native-unit bank that backs them.
// Every operation runs under one mutex and is applied atomically.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// TransferHook is consulted before native units leave escrow or the ledger.
// Returning an error rejects the transfer. It must not call back into the
// Ledger.
type TransferHook func(ctx context.Context, to common.Address, amount *big.Int) error

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal persists every operation before it is applied in memory.
func WithJournal(j domain.LedgerJournal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithEventSink sets where committed events are delivered.
func WithEventSink(s domain.EventSink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithTransferHook sets the recipient hook used by Claim and Withdraw.
func WithTransferHook(h TransferHook) Option {
	return func(l *Ledger) { l.hook = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger holds all markets, predictions and balances.
type Ledger struct {
	mu          sync.Mutex
	policy      domain.Policy
	markets     map[uint64]domain.Market
	predictions map[domain.PredictionKey]domain.Prediction
	balances    map[common.Address]*big.Int
	escrow      *big.Int
	nextID      uint64
	seq         uint64

	journal domain.LedgerJournal
	sink    domain.EventSink
	hook    TransferHook
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty ledger owned by owner that accepts reports only from
// forwarder.
func New(owner, forwarder common.Address, opts ...Option) (*Ledger, error) {
	policy, err := NewPolicy(owner, forwarder)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		policy:      policy,
		markets:     make(map[uint64]domain.Market),
		predictions: make(map[domain.PredictionKey]domain.Prediction),
		balances:    make(map[common.Address]*big.Int),
		escrow:      new(big.Int),
		nextID:      1,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ledger"))
	return l, nil
}

// commit journals entry and, only if that succeeds, runs apply and emits the
// event. Callers hold l.mu.
func (l *Ledger) commit(ctx context.Context, ev domain.Event, entry domain.JournalEntry, apply func()) error {
	ev.ID = uuid.NewString()
	ev.Seq = l.seq + 1
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	entry.Event = ev
	if entry.NextMarketID == 0 {
		entry.NextMarketID = l.nextID
	}
	if l.journal != nil {
		if err := l.journal.Append(ctx, entry); err != nil {
			return fmt.Errorf("ledger: journal %s: %w", ev.Kind, err)
		}
	}
	if apply != nil {
		apply()
	}
	l.seq = ev.Seq
	if l.sink != nil {
		l.sink.Emit(ctx, ev)
	}
	return nil
}

// CreateMarket opens a new market and returns its id.
func (l *Ledger) CreateMarket(ctx context.Context, caller common.Address, question string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createMarket(ctx, caller, question)
}

func (l *Ledger) createMarket(ctx context.Context, caller common.Address, question string) (uint64, error) {
	id := l.nextID
	now := l.now()
	m := domain.Market{
		ID:           id,
		Creator:      caller,
		CreatedAt:    now,
		TotalYesPool: new(big.Int),
		TotalNoPool:  new(big.Int),
		Question:     question,
	}
	stored := m.Clone()
	ev := domain.Event{
		Kind:     domain.EventMarketCreated,
		MarketID: id,
		Question: question,
		Account:  addrPtr(caller),
		At:       now,
	}
	err := l.commit(ctx, ev, domain.JournalEntry{NextMarketID: id + 1, Market: &stored}, func() {
		l.markets[id] = m
		l.nextID = id + 1
	})
	if err != nil {
		return 0, err
	}
	l.logger.InfoContext(ctx, "market created", slog.Uint64("market_id", id), slog.String("creator", caller.Hex()))
	return id, nil
}

// Predict stakes amount on side, moving it from the caller's balance into
// escrow.
func (l *Ledger) Predict(ctx context.Context, caller common.Address, marketID uint64, side domain.Outcome, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("ledger: predict %d: %w", marketID, domain.ErrMarketDoesNotExist)
	}
	if m.Settled {
		return fmt.Errorf("ledger: predict %d: %w", marketID, domain.ErrMarketAlreadySettled)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: predict %d: %w", marketID, domain.ErrInvalidAmount)
	}
	if !side.Valid() {
		return fmt.Errorf("ledger: predict %d: side %d: %w", marketID, side, domain.ErrInvalidSide)
	}
	key := domain.PredictionKey{MarketID: marketID, Predictor: caller}
	if p, ok := l.predictions[key]; ok && p.HasStake() {
		return fmt.Errorf("ledger: predict %d: %w", marketID, domain.ErrAlreadyPredicted)
	}
	bal := l.balanceOf(caller)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: predict %d: have %s need %s: %w", marketID, bal, amount, domain.ErrInsufficientBalance)
	}

	stake := new(big.Int).Set(amount)
	updated := m.Clone()
	if side == domain.OutcomeYes {
		updated.TotalYesPool.Add(updated.TotalYesPool, stake)
	} else {
		updated.TotalNoPool.Add(updated.TotalNoPool, stake)
	}
	pred := domain.Prediction{Amount: stake, Side: side}
	newBal := new(big.Int).Sub(bal, stake)
	newEscrow := new(big.Int).Add(l.escrow, stake)

	storedMarket := updated.Clone()
	ev := domain.Event{
		Kind:     domain.EventPredictionMade,
		MarketID: marketID,
		Account:  addrPtr(caller),
		Side:     &side,
		Amount:   new(big.Int).Set(stake),
	}
	entry := domain.JournalEntry{
		Market:     &storedMarket,
		Prediction: &domain.PredictionRecord{Key: key, Prediction: pred.Clone()},
		Balances:   []domain.AccountBalance{{Address: caller, Balance: new(big.Int).Set(newBal)}},
		Escrow:     new(big.Int).Set(newEscrow),
	}
	return l.commit(ctx, ev, entry, func() {
		l.markets[marketID] = updated
		l.predictions[key] = pred
		l.balances[caller] = newBal
		l.escrow = newEscrow
	})
}

// RequestSettlement asks the off-ledger workflow to resolve a market. It
// changes no state.
func (l *Ledger) RequestSettlement(ctx context.Context, caller common.Address, marketID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("ledger: request settlement %d: %w", marketID, domain.ErrMarketDoesNotExist)
	}
	if m.Settled {
		return fmt.Errorf("ledger: request settlement %d: %w", marketID, domain.ErrMarketAlreadySettled)
	}
	ev := domain.Event{
		Kind:     domain.EventSettlementRequested,
		MarketID: marketID,
		Question: m.Question,
		Account:  addrPtr(caller),
	}
	return l.commit(ctx, ev, domain.JournalEntry{}, nil)
}

// settle records the outcome of a market. Only OnReport reaches it.
func (l *Ledger) settle(ctx context.Context, marketID uint64, outcome domain.Outcome, confidence uint16) error {
	m, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("ledger: settle %d: %w", marketID, domain.ErrMarketDoesNotExist)
	}
	if m.Settled {
		return fmt.Errorf("ledger: settle %d: %w", marketID, domain.ErrMarketAlreadySettled)
	}
	now := l.now()
	updated := m.Clone()
	updated.Settled = true
	updated.SettledAt = now
	updated.Outcome = outcome
	updated.Confidence = confidence

	stored := updated.Clone()
	ev := domain.Event{
		Kind:       domain.EventMarketSettled,
		MarketID:   marketID,
		Side:       &outcome,
		Confidence: &confidence,
		At:         now,
	}
	err := l.commit(ctx, ev, domain.JournalEntry{Market: &stored}, func() {
		l.markets[marketID] = updated
	})
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "market settled",
		slog.Uint64("market_id", marketID),
		slog.String("outcome", outcome.String()),
		slog.Int("confidence", int(confidence)),
	)
	return nil
}

// Claim pays a winning predictor their share of both pools and returns the
// amount paid.
func (l *Ledger) Claim(ctx context.Context, caller common.Address, marketID uint64) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("ledger: claim %d: %w", marketID, domain.ErrMarketDoesNotExist)
	}
	if !m.Settled {
		return nil, fmt.Errorf("ledger: claim %d: %w", marketID, domain.ErrMarketNotSettled)
	}
	key := domain.PredictionKey{MarketID: marketID, Predictor: caller}
	pred, ok := l.predictions[key]
	if !ok || !pred.HasStake() {
		return nil, fmt.Errorf("ledger: claim %d: %w", marketID, domain.ErrNothingToClaim)
	}
	if pred.Claimed {
		return nil, fmt.Errorf("ledger: claim %d: %w", marketID, domain.ErrAlreadyClaimed)
	}
	if pred.Side != m.Outcome {
		return nil, fmt.Errorf("ledger: claim %d: losing side: %w", marketID, domain.ErrNothingToClaim)
	}

	payout := Payout(pred.Amount, m.Pool(domain.OutcomeYes), m.Pool(domain.OutcomeNo), m.Outcome)

	// The flag is set before the recipient is consulted.
	claimed := pred.Clone()
	claimed.Claimed = true
	l.predictions[key] = claimed

	if err := l.transfer(ctx, caller, payout); err != nil {
		l.predictions[key] = pred
		return nil, fmt.Errorf("ledger: claim %d: %w", marketID, err)
	}

	newBal := new(big.Int).Add(l.balanceOf(caller), payout)
	newEscrow := new(big.Int).Sub(l.escrow, payout)
	ev := domain.Event{
		Kind:     domain.EventWinningsClaimed,
		MarketID: marketID,
		Account:  addrPtr(caller),
		Amount:   new(big.Int).Set(payout),
	}
	entry := domain.JournalEntry{
		Prediction: &domain.PredictionRecord{Key: key, Prediction: claimed.Clone()},
		Balances:   []domain.AccountBalance{{Address: caller, Balance: new(big.Int).Set(newBal)}},
		Escrow:     new(big.Int).Set(newEscrow),
	}
	err := l.commit(ctx, ev, entry, func() {
		l.balances[caller] = newBal
		l.escrow = newEscrow
	})
	if err != nil {
		l.predictions[key] = pred
		return nil, err
	}
	l.logger.InfoContext(ctx, "winnings claimed",
		slog.Uint64("market_id", marketID),
		slog.String("claimer", caller.Hex()),
		slog.String("amount", payout.String()),
	)
	return payout, nil
}

// Payout is stake * (yes + no) / winning pool, truncated. The remainder
// stays in escrow.
func Payout(stake, yesPool, noPool *big.Int, winner domain.Outcome) *big.Int {
	winning := yesPool
	if winner == domain.OutcomeNo {
		winning = noPool
	}
	if winning.Sign() == 0 {
		return new(big.Int)
	}
	total := new(big.Int).Add(yesPool, noPool)
	out := new(big.Int).Mul(stake, total)
	return out.Quo(out, winning)
}

func (l *Ledger) transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if l.hook == nil {
		return nil
	}
	if err := l.hook(ctx, to, new(big.Int).Set(amount)); err != nil {
		l.logger.WarnContext(ctx, "transfer rejected",
			slog.String("to", to.Hex()),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	return nil
}

// GetMarket returns a copy of the market, or the zero Market when absent.
func (l *Ledger) GetMarket(id uint64) domain.Market {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markets[id]
	if !ok {
		return domain.Market{}
	}
	return m.Clone()
}

// GetPrediction returns a copy of the stake, or the zero Prediction when
// absent.
func (l *Ledger) GetPrediction(id uint64, addr common.Address) domain.Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.predictions[domain.PredictionKey{MarketID: id, Predictor: addr}]
	if !ok {
		return domain.Prediction{}
	}
	return p.Clone()
}

// MarketCount returns how many markets have been created.
func (l *Ledger) MarketCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID - 1
}

// ListMarkets returns markets in id order starting after offset.
func (l *Ledger) ListMarkets(limit, offset int) []domain.Market {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Market, 0, limit)
	for id := uint64(offset) + 1; id < l.nextID && len(out) < limit; id++ {
		if m, ok := l.markets[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Seq returns the sequence number of the last committed event.
func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Snapshot returns a deep copy of the entire state.
func (l *Ledger) Snapshot() domain.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := domain.Snapshot{
		Seq:          l.seq,
		NextMarketID: l.nextID,
		Policy:       l.policy,
		Escrow:       new(big.Int).Set(l.escrow),
		TakenAt:      l.now(),
	}
	for _, m := range l.markets {
		snap.Markets = append(snap.Markets, m.Clone())
	}
	sort.Slice(snap.Markets, func(i, j int) bool { return snap.Markets[i].ID < snap.Markets[j].ID })
	for k, p := range l.predictions {
		snap.Predictions = append(snap.Predictions, domain.PredictionRecord{Key: k, Prediction: p.Clone()})
	}
	sort.Slice(snap.Predictions, func(i, j int) bool {
		a, b := snap.Predictions[i].Key, snap.Predictions[j].Key
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Predictor.Cmp(b.Predictor) < 0
	})
	for addr, bal := range l.balances {
		snap.Balances = append(snap.Balances, domain.AccountBalance{Address: addr, Balance: new(big.Int).Set(bal)})
	}
	sort.Slice(snap.Balances, func(i, j int) bool { return snap.Balances[i].Address.Cmp(snap.Balances[j].Address) < 0 })
	return snap
}

// Restore replaces the entire state with snap. A zero owner in the snapshot
// keeps the current policy.
func (l *Ledger) Restore(snap domain.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.markets = make(map[uint64]domain.Market, len(snap.Markets))
	for _, m := range snap.Markets {
		l.markets[m.ID] = m.Clone()
	}
	l.predictions = make(map[domain.PredictionKey]domain.Prediction, len(snap.Predictions))
	for _, r := range snap.Predictions {
		l.predictions[r.Key] = r.Prediction.Clone()
	}
	l.balances = make(map[common.Address]*big.Int, len(snap.Balances))
	for _, b := range snap.Balances {
		if b.Balance != nil {
			l.balances[b.Address] = new(big.Int).Set(b.Balance)
		}
	}
	l.escrow = new(big.Int)
	if snap.Escrow != nil {
		l.escrow.Set(snap.Escrow)
	}
	l.nextID = snap.NextMarketID
	if l.nextID == 0 {
		l.nextID = 1
	}
	l.seq = snap.Seq
	if snap.Policy.Owner != (common.Address{}) {
		l.policy = snap.Policy
	}
	l.logger.Info("ledger restored",
		slog.Uint64("seq", l.seq),
		slog.Int("markets", len(l.markets)),
		slog.Int("predictions", len(l.predictions)),
	)
}

func addrPtr(a common.Address) *common.Address {
	return &a
}
