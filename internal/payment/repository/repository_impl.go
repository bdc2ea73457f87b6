package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"gorm.io/gorm"
)

const paymentColumns = `id, enrollment_id, amount, method, status, transaction_id,
	provider_ref, created_at, updated_at, settled_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.EnrollmentID,
		payment.Amount,
		payment.Method,
		payment.Status,
		payment.TransactionID,
		payment.ProviderRef,
		payment.CreatedAt,
		payment.UpdatedAt,
		payment.SettledAt,
	).Error
}

func (r *repo) FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE transaction_id = ?
		 LIMIT 1`,
		transactionID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) FindPending(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID, method domain.Method) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE enrollment_id = ? AND method = ? AND status = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		enrollmentID,
		method,
		domain.StatusPending,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) ListByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE enrollment_id = ?
		 ORDER BY created_at DESC, id DESC`,
		enrollmentID,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID, status domain.Status) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE enrollment_id = ? AND status = ?`,
		enrollmentID,
		status,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPending,
		before,
		limit,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) RotateTransactionID(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, amount decimal.Decimal, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET transaction_id = ?, amount = ?, provider_ref = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		transactionID,
		amount,
		now,
		id,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CompareAndSetStatus(ctx context.Context, db *gorm.DB, transactionID string, from, to domain.Status, providerRef string, now time.Time) (bool, error) {
	var settledAt *time.Time
	if to.IsTerminal() {
		settledAt = &now
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, provider_ref = COALESCE(NULLIF(?, ''), provider_ref), updated_at = ?, settled_at = ?
		 WHERE transaction_id = ? AND status = ?`,
		to,
		providerRef,
		now,
		settledAt,
		transactionID,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertCallback(ctx context.Context, db *gorm.DB, record *domain.CallbackRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_callbacks (id, method, transaction_id, signature_valid, result, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Method,
		record.TransactionID,
		record.SignatureValid,
		record.Result,
		record.Payload,
		record.ReceivedAt,
	).Error
}
