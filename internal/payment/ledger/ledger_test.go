package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	enrollmentdomain "github.com/smallbiznis/coursepay/internal/enrollment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/repository"
	"github.com/smallbiznis/coursepay/internal/payment/txref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func setupLedger(t *testing.T) (*Ledger, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Payment{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 10, 15, 2, 0, 0, 0, time.UTC))

	l := New(Params{
		Repo:  repository.Provide(),
		Clock: clk,
		GenID: node,
		Refs:  txref.NewGenerator(node, clk, txref.MerchantLocation("Asia/Ho_Chi_Minh")),
	})
	return l, db, clk
}

func pendingEnrollment(id int64) enrollmentdomain.Enrollment {
	return enrollmentdomain.Enrollment{
		ID:       snowflake.ID(id),
		UserID:   snowflake.ID(7),
		CourseID: snowflake.ID(42),
		Status:   enrollmentdomain.EnrollmentStatusPending,
	}
}

func TestOpenCreatesPendingPayment(t *testing.T) {
	l, db, _ := setupLedger(t)
	ctx := context.Background()

	payment, err := l.Open(ctx, db, pendingEnrollment(1), domain.MethodMoMo, decimal.NewFromInt(100000))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, payment.Status)
	assert.Equal(t, domain.MethodMoMo, payment.Method)

	stored, err := l.Find(ctx, db, payment.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, payment.ID, stored.ID)
	assert.True(t, decimal.NewFromInt(100000).Equal(stored.Amount))
}

func TestOpenRejectsOwnedAndCanceledEnrollments(t *testing.T) {
	l, db, _ := setupLedger(t)
	ctx := context.Background()

	active := pendingEnrollment(1)
	active.Status = enrollmentdomain.EnrollmentStatusActive
	_, err := l.Open(ctx, db, active, domain.MethodVNPay, decimal.NewFromInt(100000))
	assert.ErrorIs(t, err, domain.ErrAlreadyOwned)

	canceled := pendingEnrollment(2)
	canceled.Status = enrollmentdomain.EnrollmentStatusCanceled
	_, err = l.Open(ctx, db, canceled, domain.MethodVNPay, decimal.NewFromInt(100000))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = l.Open(ctx, db, pendingEnrollment(3), domain.MethodVNPay, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	var count int64
	require.NoError(t, db.Model(&domain.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOpenRotatesPendingPaymentForSameMethod(t *testing.T) {
	l, db, clk := setupLedger(t)
	ctx := context.Background()
	enrollment := pendingEnrollment(1)

	first, err := l.Open(ctx, db, enrollment, domain.MethodZaloPay, decimal.NewFromInt(100000))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := l.Open(ctx, db, enrollment, domain.MethodZaloPay, decimal.NewFromInt(120000))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.TransactionID, second.TransactionID)

	old, err := l.Find(ctx, db, first.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, old)

	payments, err := l.ListByEnrollment(ctx, db, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, decimal.NewFromInt(120000).Equal(payments[0].Amount))

	// A different method is a separate attempt.
	_, err = l.Open(ctx, db, enrollment, domain.MethodVNPay, decimal.NewFromInt(120000))
	require.NoError(t, err)
	pending, err := l.CountPending(ctx, db, enrollment.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}

func TestOpenAfterFailedPaymentInsertsNewRow(t *testing.T) {
	l, db, _ := setupLedger(t)
	ctx := context.Background()
	enrollment := pendingEnrollment(1)

	first, err := l.Open(ctx, db, enrollment, domain.MethodMoMo, decimal.NewFromInt(100000))
	require.NoError(t, err)
	_, err = l.MarkFailed(ctx, db, first.TransactionID, "")
	require.NoError(t, err)

	second, err := l.Open(ctx, db, enrollment, domain.MethodMoMo, decimal.NewFromInt(100000))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	payments, err := l.ListByEnrollment(ctx, db, enrollment.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	l, db, _ := setupLedger(t)
	ctx := context.Background()

	payment, err := l.Open(ctx, db, pendingEnrollment(1), domain.MethodMoMo, decimal.NewFromInt(100000))
	require.NoError(t, err)

	won, err := l.MarkCompleted(ctx, db, payment.TransactionID, "2150000001")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = l.MarkCompleted(ctx, db, payment.TransactionID, "2150000001")
	require.NoError(t, err)
	assert.False(t, won)

	stored, err := l.Find(ctx, db, payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "2150000001", stored.ProviderRef)
	assert.NotNil(t, stored.SettledAt)

	// A late failure never overrides a completed payment.
	won, err = l.MarkFailed(ctx, db, payment.TransactionID, "")
	require.NoError(t, err)
	assert.False(t, won)
	stored, err = l.Find(ctx, db, payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestMarkCompletedRejectsUnknownAndFailed(t *testing.T) {
	l, db, _ := setupLedger(t)
	ctx := context.Background()

	_, err := l.MarkCompleted(ctx, db, "261015_0MM", "")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = l.MarkFailed(ctx, db, "261015_0MM", "")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	payment, err := l.Open(ctx, db, pendingEnrollment(1), domain.MethodVNPay, decimal.NewFromInt(100000))
	require.NoError(t, err)
	_, err = l.MarkFailed(ctx, db, payment.TransactionID, "")
	require.NoError(t, err)

	_, err = l.MarkCompleted(ctx, db, payment.TransactionID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestListStalePendingAndMarkCanceled(t *testing.T) {
	l, db, clk := setupLedger(t)
	ctx := context.Background()

	stale, err := l.Open(ctx, db, pendingEnrollment(1), domain.MethodMoMo, decimal.NewFromInt(100000))
	require.NoError(t, err)
	clk.Advance(time.Hour)
	fresh, err := l.Open(ctx, db, pendingEnrollment(2), domain.MethodMoMo, decimal.NewFromInt(100000))
	require.NoError(t, err)

	payments, err := l.ListStalePending(ctx, db, clk.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, stale.TransactionID, payments[0].TransactionID)

	won, err := l.MarkCanceled(ctx, db, stale.TransactionID)
	require.NoError(t, err)
	assert.True(t, won)

	stored, err := l.Find(ctx, db, stale.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, stored.Status)

	stored, err = l.Find(ctx, db, fresh.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestCompleteExpiredOnlyRevivesCanceledPayments(t *testing.T) {
	l, db, _ := setupLedger(t)
	ctx := context.Background()

	expired, err := l.Open(ctx, db, pendingEnrollment(1), domain.MethodZaloPay, decimal.NewFromInt(100000))
	require.NoError(t, err)
	won, err := l.MarkCanceled(ctx, db, expired.TransactionID)
	require.NoError(t, err)
	require.True(t, won)

	won, err = l.CompleteExpired(ctx, db, expired.TransactionID, "240101000123")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = l.CompleteExpired(ctx, db, expired.TransactionID, "240101000123")
	require.NoError(t, err)
	assert.False(t, won)

	stored, err := l.Find(ctx, db, expired.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "240101000123", stored.ProviderRef)

	failed, err := l.Open(ctx, db, pendingEnrollment(2), domain.MethodZaloPay, decimal.NewFromInt(100000))
	require.NoError(t, err)
	_, err = l.MarkFailed(ctx, db, failed.TransactionID, "")
	require.NoError(t, err)

	_, err = l.CompleteExpired(ctx, db, failed.TransactionID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
