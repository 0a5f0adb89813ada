// Package quota estimates token cost and gates jobs on the owner's ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/store"
)

var (
	// ErrNotAuthorized means the owner has no enabled grant.
	ErrNotAuthorized = errors.New("token quota not granted")
	// ErrInsufficient means the remaining allowance is below the estimate.
	ErrInsufficient = errors.New("token quota insufficient")
)

// Estimate approximates the tokens needed for questions positions with k solve attempts each.
// Per question: one generation, half a quality check, then k solves and k grades at 0.3 each,
// with a 20% margin.
func Estimate(questions, k, avgPerQuestion int) int64 {
	if questions <= 0 {
		return 0
	}
	// (1 + 0.5 + 0.3k + 0.3k) * 1.2 kept in integer tenths to avoid float truncation drift
	factorTenths := int64(15 + 6*k)
	return int64(questions) * int64(avgPerQuestion) * factorTenths * 12 / 100
}

// Ledger is the persistence the controller needs.
type Ledger interface {
	GetQuota(ctx context.Context, ownerID string) (models.QuotaLedger, error)
	GrantQuota(ctx context.Context, ownerID string, monthlyCap *int64) error
	RevokeQuota(ctx context.Context, ownerID string) error
	DebitQuota(ctx context.Context, ownerID string, amount int64) error
}

// Controller answers admission questions against a Ledger.
type Controller struct {
	ledger Ledger
	logger *slog.Logger
}

// NewController wraps a ledger.
func NewController(ledger Ledger, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{ledger: ledger, logger: logger}
}

// CheckQuota reports whether owner may spend tokens. The message explains a refusal.
// The error is non-nil only for infrastructure failures.
func (c *Controller) CheckQuota(ctx context.Context, ownerID string, tokens int64) (bool, string, error) {
	err := c.Admit(ctx, ownerID, tokens)
	switch {
	case err == nil:
		return true, "", nil
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrInsufficient):
		return false, err.Error(), nil
	default:
		return false, "", err
	}
}

// Admit is CheckQuota in error form, wrapping ErrNotAuthorized or ErrInsufficient.
func (c *Controller) Admit(ctx context.Context, ownerID string, tokens int64) error {
	l, err := c.ledger.GetQuota(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w for %s", ErrNotAuthorized, ownerID)
	}
	if err != nil {
		return fmt.Errorf("load quota: %w", err)
	}
	if !l.Enabled {
		return fmt.Errorf("%w for %s", ErrNotAuthorized, ownerID)
	}
	if l.MonthlyCap == nil {
		return nil
	}
	remaining := *l.MonthlyCap - l.Used
	if remaining < tokens {
		return fmt.Errorf("%w: need about %d tokens, %d remaining", ErrInsufficient, tokens, max(remaining, 0))
	}
	return nil
}

// Debit records usage. Non-positive amounts are ignored so the counter never decreases.
func (c *Controller) Debit(ctx context.Context, ownerID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := c.ledger.DebitQuota(ctx, ownerID, amount); err != nil {
		return err
	}
	c.logger.Debug("quota debited", "owner_id", ownerID, "tokens", amount)
	return nil
}

// Grant enables owner with an optional monthly cap.
func (c *Controller) Grant(ctx context.Context, ownerID string, monthlyCap *int64) error {
	if monthlyCap != nil && *monthlyCap < 0 {
		return fmt.Errorf("monthly cap must not be negative")
	}
	return c.ledger.GrantQuota(ctx, ownerID, monthlyCap)
}

// Revoke disables owner.
func (c *Controller) Revoke(ctx context.Context, ownerID string) error {
	return c.ledger.RevokeQuota(ctx, ownerID)
}

// Status returns the owner's ledger.
func (c *Controller) Status(ctx context.Context, ownerID string) (models.QuotaLedger, error) {
	return c.ledger.GetQuota(ctx, ownerID)
}
