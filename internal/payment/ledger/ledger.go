// Package ledger owns Payment rows and their status transitions. It never
// touches enrollments.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	enrollmentdomain "github.com/smallbiznis/coursepay/internal/enrollment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/txref"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Repo  domain.Repository
	Clock clock.Clock
	GenID *snowflake.Node
	Refs  *txref.Generator
}

type Ledger struct {
	repo  domain.Repository
	clock clock.Clock
	genID *snowflake.Node
	refs  *txref.Generator
}

func New(p Params) *Ledger {
	return &Ledger{
		repo:  p.Repo,
		clock: p.Clock,
		genID: p.GenID,
		refs:  p.Refs,
	}
}

// Open records a PENDING payment for a checkout attempt. A PENDING payment
// already open for the same enrollment and method is reused under a fresh
// transaction id so a retried checkout never leaves two live references.
func (l *Ledger) Open(ctx context.Context, tx *gorm.DB, enrollment enrollmentdomain.Enrollment, method domain.Method, amount decimal.Decimal) (domain.Payment, error) {
	switch enrollment.Status {
	case enrollmentdomain.EnrollmentStatusActive:
		return domain.Payment{}, domain.ErrAlreadyOwned
	case enrollmentdomain.EnrollmentStatusCanceled:
		return domain.Payment{}, domain.ErrInvalidTransition
	}
	if !amount.IsPositive() {
		return domain.Payment{}, domain.ErrInvalidAmount
	}

	transactionID, err := l.refs.New(method)
	if err != nil {
		return domain.Payment{}, err
	}
	now := l.clock.Now()

	existing, err := l.repo.FindPending(ctx, tx, enrollment.ID, method)
	if err != nil {
		return domain.Payment{}, err
	}
	if existing != nil {
		rotated, err := l.repo.RotateTransactionID(ctx, tx, existing.ID, transactionID, amount, now)
		if err != nil {
			return domain.Payment{}, fmt.Errorf("rotate payment: %w", err)
		}
		if rotated {
			existing.TransactionID = transactionID
			existing.Amount = amount
			existing.ProviderRef = ""
			existing.UpdatedAt = now
			return *existing, nil
		}
		// Settled between the read and the update; open a new row.
	}

	payment := domain.Payment{
		ID:            l.genID.Generate(),
		EnrollmentID:  enrollment.ID,
		Amount:        amount,
		Method:        method,
		Status:        domain.StatusPending,
		TransactionID: transactionID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.repo.Insert(ctx, tx, &payment); err != nil {
		return domain.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return payment, nil
}

// MarkCompleted reports whether this call moved the payment to COMPLETED.
// A payment already COMPLETED is a no-op.
func (l *Ledger) MarkCompleted(ctx context.Context, tx *gorm.DB, transactionID, providerRef string) (bool, error) {
	won, err := l.repo.CompareAndSetStatus(ctx, tx, transactionID, domain.StatusPending, domain.StatusCompleted, providerRef, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	if won {
		return true, nil
	}

	current, err := l.repo.FindByTransactionID(ctx, tx, transactionID)
	if err != nil {
		return false, err
	}
	if current == nil || current.Status != domain.StatusCompleted {
		return false, domain.ErrInvalidTransition
	}
	return false, nil
}

// CompleteExpired moves a payment the sweeper canceled to COMPLETED. It
// reports false when another delivery already completed it.
func (l *Ledger) CompleteExpired(ctx context.Context, tx *gorm.DB, transactionID, providerRef string) (bool, error) {
	won, err := l.repo.CompareAndSetStatus(ctx, tx, transactionID, domain.StatusCanceled, domain.StatusCompleted, providerRef, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("complete expired payment: %w", err)
	}
	if won {
		return true, nil
	}

	current, err := l.repo.FindByTransactionID(ctx, tx, transactionID)
	if err != nil {
		return false, err
	}
	if current == nil || current.Status != domain.StatusCompleted {
		return false, domain.ErrInvalidTransition
	}
	return false, nil
}

// MarkFailed reports whether this call moved the payment to FAILED.
// Any terminal payment is left unchanged.
func (l *Ledger) MarkFailed(ctx context.Context, tx *gorm.DB, transactionID, providerRef string) (bool, error) {
	return l.settle(ctx, tx, transactionID, domain.StatusFailed, providerRef)
}

// MarkCanceled abandons a checkout that never settled.
func (l *Ledger) MarkCanceled(ctx context.Context, tx *gorm.DB, transactionID string) (bool, error) {
	return l.settle(ctx, tx, transactionID, domain.StatusCanceled, "")
}

func (l *Ledger) settle(ctx context.Context, tx *gorm.DB, transactionID string, to domain.Status, providerRef string) (bool, error) {
	won, err := l.repo.CompareAndSetStatus(ctx, tx, transactionID, domain.StatusPending, to, providerRef, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("settle payment %s: %w", to, err)
	}
	if won {
		return true, nil
	}

	current, err := l.repo.FindByTransactionID(ctx, tx, transactionID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, domain.ErrInvalidTransition
	}
	return false, nil
}

// Find returns nil when no payment carries the transaction id.
func (l *Ledger) Find(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Payment, error) {
	return l.repo.FindByTransactionID(ctx, db, transactionID)
}

func (l *Ledger) ListByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) ([]domain.Payment, error) {
	return l.repo.ListByEnrollment(ctx, db, enrollmentID)
}

func (l *Ledger) CountPending(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) (int64, error) {
	return l.repo.CountByStatus(ctx, db, enrollmentID, domain.StatusPending)
}

// ListStalePending returns PENDING payments not touched since before, oldest first.
func (l *Ledger) ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.repo.ListStalePending(ctx, db, before, limit)
}
