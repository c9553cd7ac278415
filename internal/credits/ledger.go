package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInsufficientCredits is returned when a debit would overdraw the org.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger is the append-only credits transaction log. An organization's
// balance is the sum of its entries' deltas; entries are never updated or
// deleted, corrections are new offsetting entries.
type Ledger struct {
	pool *pgxpool.Pool
}

// New builds a ledger over the shared Postgres pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Balance returns the organization's current balance.
func (l *Ledger) Balance(ctx context.Context, orgID string) (float64, error) {
	var balance float64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM credits_ledger WHERE org_id = $1
	`, orgID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, nil
}

// Debit appends a negative-delta entry, refusing with
// ErrInsufficientCredits when the balance cannot cover the amount. The
// insert re-checks the balance so concurrent debits cannot overdraw.
func (l *Ledger) Debit(ctx context.Context, orgID string, amount float64, reason string, jobID *string) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %v", amount)
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO credits_ledger (id, org_id, delta, reason, job_id, created_at)
		SELECT $1, $2, $3, $4, $5, NOW()
		WHERE (SELECT COALESCE(SUM(delta), 0) FROM credits_ledger WHERE org_id = $2) >= $6
	`, uuid.New().String(), orgID, -amount, reason, jobID, amount)
	if err != nil {
		return fmt.Errorf("insert debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// Credit appends a positive-delta entry. Always succeeds, even from a zero
// or negative balance.
func (l *Ledger) Credit(ctx context.Context, orgID string, amount float64, reason string, jobID *string) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %v", amount)
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO credits_ledger (id, org_id, delta, reason, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), orgID, amount, reason, jobID)
	if err != nil {
		return fmt.Errorf("insert credit: %w", err)
	}
	return nil
}

// HasEntry reports whether the job already has a ledger entry with the
// given reason. Guards one-shot side effects like refunds.
func (l *Ledger) HasEntry(ctx context.Context, jobID, reason string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credits_ledger WHERE job_id = $1 AND reason = $2)
	`, jobID, reason).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup ledger entry: %w", err)
	}
	return exists, nil
}
