package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"exam-paper-orchestrator/internal/models"
)

// GetQuota returns the owner's ledger, or ErrNotFound when nothing was ever granted.
func (s *Store) GetQuota(ctx context.Context, ownerID string) (models.QuotaLedger, error) {
	var l models.QuotaLedger
	var capVal pgtype.Int8
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, enabled, monthly_cap, used, updated_at FROM token_quotas WHERE owner_id = $1
	`, ownerID).Scan(&l.OwnerID, &l.Enabled, &capVal, &l.Used, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaLedger{}, fmt.Errorf("quota %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return models.QuotaLedger{}, fmt.Errorf("query quota: %w", err)
	}
	if capVal.Valid {
		v := capVal.Int64
		l.MonthlyCap = &v
	}
	return l, nil
}

// GrantQuota enables the owner's ledger with the given cap. A nil cap means unlimited.
// The used counter is preserved across re-grants.
func (s *Store) GrantQuota(ctx context.Context, ownerID string, monthlyCap *int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_quotas (owner_id, enabled, monthly_cap, used, updated_at)
		VALUES ($1, TRUE, $2, 0, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET enabled = TRUE, monthly_cap = EXCLUDED.monthly_cap, updated_at = NOW()
	`, ownerID, monthlyCap)
	if err != nil {
		return fmt.Errorf("grant quota: %w", err)
	}
	return nil
}

// RevokeQuota disables the owner's ledger without forgetting usage.
func (s *Store) RevokeQuota(ctx context.Context, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE token_quotas SET enabled = FALSE, updated_at = NOW() WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return fmt.Errorf("revoke quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("quota %s: %w", ownerID, ErrNotFound)
	}
	return nil
}

// DebitQuota adds amount to the used counter in a single statement.
func (s *Store) DebitQuota(ctx context.Context, ownerID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE token_quotas SET used = used + $2, updated_at = NOW() WHERE owner_id = $1
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("debit quota: %w", err)
	}
	return nil
}
