package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*Payment, error)
	FindPending(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID, method Method) (*Payment, error)
	ListByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) ([]Payment, error)
	CountByStatus(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID, status Status) (int64, error)
	ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Payment, error)

	// RotateTransactionID reassigns a still-PENDING payment to a new transaction id.
	RotateTransactionID(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, amount decimal.Decimal, now time.Time) (bool, error)
	// CompareAndSetStatus moves a payment out of from and reports whether this call won.
	CompareAndSetStatus(ctx context.Context, db *gorm.DB, transactionID string, from, to Status, providerRef string, now time.Time) (bool, error)

	InsertCallback(ctx context.Context, db *gorm.DB, record *CallbackRecord) error
}
