package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// maxAuditPage caps one audit query.
const maxAuditPage = 500

// AuditStore implements domain.AuditStore on the audit_log table. Actors are
// stored as checksummed hex; the zero address is stored as "".
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func actorColumn(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

// Log appends e. ID and CreatedAt are assigned by the database.
func (s *AuditStore) Log(ctx context.Context, e domain.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail for %s: %w", e.Action, err)
	}
	const q = `INSERT INTO audit_log (action, actor, seq, detail) VALUES (@action, @actor, @seq, @detail)`
	_, err = s.pool.Exec(ctx, q, pgx.NamedArgs{
		"action": e.Action,
		"actor":  actorColumn(e.Actor),
		"seq":    int64(e.Seq),
		"detail": detail,
	})
	if err != nil {
		return fmt.Errorf("postgres: log audit %s: %w", e.Action, err)
	}
	return nil
}

// List returns matching entries, newest first.
func (s *AuditStore) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var where []string
	args := pgx.NamedArgs{}
	if f.Actor != nil {
		where = append(where, "actor = @actor")
		args["actor"] = actorColumn(*f.Actor)
	}
	if f.Action != "" {
		where = append(where, "action = @action")
		args["action"] = f.Action
	}
	if f.Since != nil {
		where = append(where, "created_at >= @since")
		args["since"] = *f.Since
	}

	limit := f.Limit
	if limit <= 0 || limit > maxAuditPage {
		limit = maxAuditPage
	}
	args["limit"] = limit
	args["offset"] = max(f.Offset, 0)

	var q strings.Builder
	q.WriteString(`SELECT id, action, actor, seq, detail, created_at FROM audit_log`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(` ORDER BY id DESC LIMIT @limit OFFSET @offset`)

	rows, err := s.pool.Query(ctx, q.String(), args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		actor  string
		seq    int64
		detail []byte
	)
	if err := row.Scan(&e.ID, &e.Action, &actor, &seq, &detail, &e.CreatedAt); err != nil {
		return e, err
	}
	if actor != "" {
		e.Actor = common.HexToAddress(actor)
	}
	e.Seq = uint64(seq)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return e, fmt.Errorf("audit %d detail: %w", e.ID, err)
		}
	}
	return e, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
