package context

import "context"

type requestIDKey struct{}
type transactionIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithTransactionID tags the context with the payment transaction being settled.
func WithTransactionID(ctx context.Context, transactionID string) context.Context {
	if transactionID == "" {
		return ctx
	}
	return context.WithValue(ctx, transactionIDKey{}, transactionID)
}

func TransactionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(transactionIDKey{}).(string)
	return value
}

type settlementResultKey struct{}

// WithSettlementResult records how a gateway callback was settled.
func WithSettlementResult(ctx context.Context, result string) context.Context {
	if result == "" {
		return ctx
	}
	return context.WithValue(ctx, settlementResultKey{}, result)
}

func SettlementResultFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(settlementResultKey{}).(string)
	return value
}
