// Package cash is the adapter for payments collected in person. It has no
// gateway: staff confirm the payment and settlement happens synchronously.
package cash

import (
	"context"
	"net/http"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Method() paymentdomain.Method {
	return paymentdomain.MethodCash
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	return &Adapter{}, nil
}

func (f *Factory) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

type Adapter struct{}

func (a *Adapter) Method() paymentdomain.Method {
	return paymentdomain.MethodCash
}

func (a *Adapter) BuildCheckout(ctx context.Context, order paymentdomain.CheckoutOrder) (*paymentdomain.Checkout, error) {
	return &paymentdomain.Checkout{}, nil
}

// ParseCallback never trusts an inbound request: cash is only settled by staff
// confirmation.
func (a *Adapter) ParseCallback(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	return &paymentdomain.SettlementEvent{
		TransactionID: req.Query.Get("transaction_id"),
		Method:        paymentdomain.MethodCash,
		RawPayload:    req.Body,
	}, nil
}

func (a *Adapter) ParseReturn(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	return nil, paymentdomain.ErrUnsupportedMethod
}

func (a *Adapter) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

func acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	switch result {
	case paymentdomain.ResultApplied, paymentdomain.ResultDuplicate:
		return paymentdomain.Acknowledgement{StatusCode: http.StatusNoContent}
	default:
		return paymentdomain.Acknowledgement{StatusCode: http.StatusForbidden}
	}
}
