package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type InitiateRequest struct {
	EnrollmentID snowflake.ID
	// UserID, when set, must own the enrollment.
	UserID   snowflake.ID
	Method   Method
	ClientIP string
}

type CheckoutResult struct {
	Payment  Payment  `json:"payment"`
	Checkout Checkout `json:"checkout"`
}

// ReturnStatus reports a verified browser redirect next to the stored payment.
type ReturnStatus struct {
	TransactionID  string  `json:"transaction_id"`
	GatewayOutcome Outcome `json:"gateway_outcome"`
	PaymentStatus  Status  `json:"payment_status"`
}

// Service is the settlement processor: it opens payments, applies verified
// gateway events to payment and enrollment state, and acknowledges callbacks.
type Service interface {
	Initiate(ctx context.Context, req InitiateRequest) (*CheckoutResult, error)
	HandleCallback(ctx context.Context, method Method, req CallbackRequest) Acknowledgement
	Apply(ctx context.Context, event SettlementEvent) (SettlementResult, error)
	ConfirmCash(ctx context.Context, transactionID string) (Payment, error)
	VerifyReturn(ctx context.Context, method Method, req CallbackRequest) (ReturnStatus, error)
	GetPayment(ctx context.Context, transactionID string) (Payment, error)
	ListPayments(ctx context.Context, enrollmentID snowflake.ID) ([]Payment, error)
	ExpireStale(ctx context.Context, olderThan time.Time, limit int) (int, error)
}
