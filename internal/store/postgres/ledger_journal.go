package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// LedgerJournal implements domain.LedgerJournal. Each Append runs in one
// transaction so the tables always describe a state the ledger really had.
type LedgerJournal struct {
	pool *pgxpool.Pool
}

// NewLedgerJournal creates a new LedgerJournal backed by the given pool.
func NewLedgerJournal(pool *pgxpool.Pool) *LedgerJournal {
	return &LedgerJournal{pool: pool}
}

// Append writes the event and every state row the operation touched.
func (j *LedgerJournal) Append(ctx context.Context, e domain.JournalEntry) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin journal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertEvent(ctx, tx, e.Event); err != nil {
		return err
	}

	const stateQuery = `
		INSERT INTO ledger_state (id, seq, next_market_id, escrow, updated_at)
		VALUES (1, $1, $2, COALESCE($3::numeric, 0), NOW())
		ON CONFLICT (id) DO UPDATE SET
			seq            = EXCLUDED.seq,
			next_market_id = EXCLUDED.next_market_id,
			escrow         = COALESCE($3::numeric, ledger_state.escrow),
			updated_at     = NOW()`
	var escrow *pgtype.Numeric
	if e.Escrow != nil {
		n := numeric(e.Escrow)
		escrow = &n
	}
	if _, err := tx.Exec(ctx, stateQuery, int64(e.Event.Seq), int64(e.NextMarketID), escrow); err != nil {
		return fmt.Errorf("postgres: update ledger state seq %d: %w", e.Event.Seq, err)
	}

	if e.Market != nil {
		if err := upsertMarket(ctx, tx, *e.Market); err != nil {
			return err
		}
	}
	if e.Prediction != nil {
		if err := upsertPrediction(ctx, tx, *e.Prediction); err != nil {
			return err
		}
	}
	for _, b := range e.Balances {
		if err := upsertBalance(ctx, tx, b); err != nil {
			return err
		}
	}
	if e.Policy != nil {
		if err := upsertPolicy(ctx, tx, *e.Policy); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit journal seq %d: %w", e.Event.Seq, err)
	}
	return nil
}

// Save writes a complete snapshot, replacing whatever the tables held.
// Used to seed Postgres from an S3 snapshot.
func (j *LedgerJournal) Save(ctx context.Context, snap domain.Snapshot) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range []string{
		"DELETE FROM predictions",
		"DELETE FROM markets",
		"DELETE FROM balances",
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: %s: %w", stmt, err)
		}
	}
	const stateQuery = `
		INSERT INTO ledger_state (id, seq, next_market_id, escrow, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			seq = EXCLUDED.seq, next_market_id = EXCLUDED.next_market_id,
			escrow = EXCLUDED.escrow, updated_at = NOW()`
	if _, err := tx.Exec(ctx, stateQuery, int64(snap.Seq), int64(snap.NextMarketID), numeric(snap.Escrow)); err != nil {
		return fmt.Errorf("postgres: write ledger state: %w", err)
	}
	for _, m := range snap.Markets {
		if err := upsertMarket(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, p := range snap.Predictions {
		if err := upsertPrediction(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, b := range snap.Balances {
		if err := upsertBalance(ctx, tx, b); err != nil {
			return err
		}
	}
	if err := upsertPolicy(ctx, tx, snap.Policy); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit snapshot seq %d: %w", snap.Seq, err)
	}
	return nil
}

// Load reads the full ledger state. It returns domain.ErrNotFound when the
// journal has never been written.
func (j *LedgerJournal) Load(ctx context.Context) (domain.Snapshot, error) {
	var (
		snap      domain.Snapshot
		seq, next int64
		escrow    string
	)
	err := j.pool.QueryRow(ctx,
		`SELECT seq, next_market_id, escrow::text, updated_at FROM ledger_state WHERE id = 1`,
	).Scan(&seq, &next, &escrow, &snap.TakenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, domain.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("postgres: load ledger state: %w", err)
	}
	snap.Seq = uint64(seq)
	snap.NextMarketID = uint64(next)
	if snap.Escrow, err = parseAmount(escrow); err != nil {
		return domain.Snapshot{}, err
	}

	if snap.Policy, err = j.loadPolicy(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Markets, err = j.loadMarkets(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Predictions, err = j.loadPredictions(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Balances, err = j.loadBalances(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (j *LedgerJournal) loadPolicy(ctx context.Context) (domain.Policy, error) {
	var (
		p                        domain.Policy
		owner, forwarder, author string
		workflowName, workflowID []byte
	)
	err := j.pool.QueryRow(ctx, `
		SELECT owner, forwarder_address, expected_author, expected_workflow_name, expected_workflow_id
		FROM ledger_policy WHERE id = 1`,
	).Scan(&owner, &forwarder, &author, &workflowName, &workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Policy{}, nil
	}
	if err != nil {
		return domain.Policy{}, fmt.Errorf("postgres: load policy: %w", err)
	}
	p.Owner = common.HexToAddress(owner)
	p.ForwarderAddress = common.HexToAddress(forwarder)
	p.ExpectedAuthor = common.HexToAddress(author)
	copy(p.ExpectedWorkflowName[:], workflowName)
	copy(p.ExpectedWorkflowID[:], workflowID)
	return p, nil
}

func (j *LedgerJournal) loadMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id, creator, created_at, settled, settled_at, outcome, confidence,
		       total_yes_pool::text, total_no_pool::text, question
		FROM markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		var (
			m         domain.Market
			id        int64
			creator   string
			settledAt *time.Time
			outcome   int16
			conf      int32
			yes, no   string
		)
		if err := rows.Scan(&id, &creator, &m.CreatedAt, &m.Settled, &settledAt, &outcome, &conf, &yes, &no, &m.Question); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m.ID = uint64(id)
		m.Creator = common.HexToAddress(creator)
		if settledAt != nil {
			m.SettledAt = *settledAt
		}
		m.Outcome = domain.Outcome(outcome)
		m.Confidence = uint16(conf)
		if m.TotalYesPool, err = parseAmount(yes); err != nil {
			return nil, err
		}
		if m.TotalNoPool, err = parseAmount(no); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load markets rows: %w", err)
	}
	return out, nil
}

func (j *LedgerJournal) loadPredictions(ctx context.Context) ([]domain.PredictionRecord, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT market_id, predictor, amount::text, side, claimed
		FROM predictions ORDER BY market_id, predictor`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load predictions: %w", err)
	}
	defer rows.Close()

	var out []domain.PredictionRecord
	for rows.Next() {
		var (
			r         domain.PredictionRecord
			marketID  int64
			predictor string
			amount    string
			side      int16
		)
		if err := rows.Scan(&marketID, &predictor, &amount, &side, &r.Prediction.Claimed); err != nil {
			return nil, fmt.Errorf("postgres: scan prediction: %w", err)
		}
		r.Key = domain.PredictionKey{MarketID: uint64(marketID), Predictor: common.HexToAddress(predictor)}
		r.Prediction.Side = domain.Outcome(side)
		if r.Prediction.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load predictions rows: %w", err)
	}
	return out, nil
}

func (j *LedgerJournal) loadBalances(ctx context.Context) ([]domain.AccountBalance, error) {
	rows, err := j.pool.Query(ctx, `SELECT address, balance::text FROM balances ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load balances: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountBalance
	for rows.Next() {
		var addr, bal string
		if err := rows.Scan(&addr, &bal); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		amount, err := parseAmount(bal)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.AccountBalance{Address: common.HexToAddress(addr), Balance: amount})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load balances rows: %w", err)
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: marshal event %d: %w", ev.Seq, err)
	}
	var marketID *int64
	if ev.MarketID != 0 {
		id := int64(ev.MarketID)
		marketID = &id
	}
	const query = `
		INSERT INTO ledger_events (seq, id, kind, market_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, query, int64(ev.Seq), ev.ID, string(ev.Kind), marketID, payload, ev.At); err != nil {
		return fmt.Errorf("postgres: insert event %d: %w", ev.Seq, err)
	}
	return nil
}

func upsertMarket(ctx context.Context, tx pgx.Tx, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, creator, created_at, settled, settled_at, outcome, confidence,
			total_yes_pool, total_no_pool, question
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			settled        = EXCLUDED.settled,
			settled_at     = EXCLUDED.settled_at,
			outcome        = EXCLUDED.outcome,
			confidence     = EXCLUDED.confidence,
			total_yes_pool = EXCLUDED.total_yes_pool,
			total_no_pool  = EXCLUDED.total_no_pool`
	var settledAt *time.Time
	if m.Settled {
		settledAt = &m.SettledAt
	}
	_, err := tx.Exec(ctx, query,
		int64(m.ID), m.Creator.Hex(), m.CreatedAt, m.Settled, settledAt,
		int16(m.Outcome), int32(m.Confidence),
		numeric(m.TotalYesPool), numeric(m.TotalNoPool), m.Question,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", m.ID, err)
	}
	return nil
}

func upsertPrediction(ctx context.Context, tx pgx.Tx, r domain.PredictionRecord) error {
	const query = `
		INSERT INTO predictions (market_id, predictor, amount, side, claimed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, predictor) DO UPDATE SET claimed = EXCLUDED.claimed`
	_, err := tx.Exec(ctx, query,
		int64(r.Key.MarketID), r.Key.Predictor.Hex(), numeric(r.Prediction.Amount),
		int16(r.Prediction.Side), r.Prediction.Claimed,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert prediction %d/%s: %w", r.Key.MarketID, r.Key.Predictor.Hex(), err)
	}
	return nil
}

func upsertBalance(ctx context.Context, tx pgx.Tx, b domain.AccountBalance) error {
	const query = `
		INSERT INTO balances (address, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`
	if _, err := tx.Exec(ctx, query, b.Address.Hex(), numeric(b.Balance)); err != nil {
		return fmt.Errorf("postgres: upsert balance %s: %w", b.Address.Hex(), err)
	}
	return nil
}

func upsertPolicy(ctx context.Context, tx pgx.Tx, p domain.Policy) error {
	const query = `
		INSERT INTO ledger_policy (
			id, owner, forwarder_address, expected_author,
			expected_workflow_name, expected_workflow_id, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			owner                  = EXCLUDED.owner,
			forwarder_address      = EXCLUDED.forwarder_address,
			expected_author        = EXCLUDED.expected_author,
			expected_workflow_name = EXCLUDED.expected_workflow_name,
			expected_workflow_id   = EXCLUDED.expected_workflow_id,
			updated_at             = NOW()`
	_, err := tx.Exec(ctx, query,
		p.Owner.Hex(), p.ForwarderAddress.Hex(), p.ExpectedAuthor.Hex(),
		p.ExpectedWorkflowName[:], p.ExpectedWorkflowID[:],
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert policy: %w", err)
	}
	return nil
}

// numeric converts an integer amount for a NUMERIC(78,0) column. nil is 0.
func numeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{Int: new(big.Int), Valid: true}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: amount %q is not an integer", s)
	}
	return v, nil
}
