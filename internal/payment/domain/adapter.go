package domain

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
)

// CheckoutOrder is what an adapter needs to open a payment at its gateway.
type CheckoutOrder struct {
	TransactionID string
	Amount        decimal.Decimal
	Description   string
	ClientIP      string
	// ExpiresIn bounds how long the gateway may accept payment. Zero leaves
	// the gateway default.
	ExpiresIn time.Duration
}

// Checkout is what the client needs to complete the payment.
type Checkout struct {
	RedirectURL string `json:"redirect_url,omitempty"`
	Deeplink    string `json:"deeplink,omitempty"`
	QRCodeURL   string `json:"qr_code_url,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
}

// CallbackRequest is the transport-neutral shape of an inbound notification.
type CallbackRequest struct {
	Body   []byte
	Query  url.Values
	Header http.Header
}

type Outcome string

const (
	OutcomeUnset   Outcome = ""
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// SettlementEvent is a gateway notification reduced to what settlement needs.
// Outcome stays unset unless SignatureValid is true.
type SettlementEvent struct {
	TransactionID  string
	Method         Method
	Outcome        Outcome
	ProviderRef    string
	ResponseCode   string
	Amount         *decimal.Decimal
	RawPayload     []byte
	SignatureValid bool
}

type SettlementResult string

const (
	ResultApplied          SettlementResult = "applied"
	ResultDuplicate        SettlementResult = "duplicate"
	ResultOrderNotFound    SettlementResult = "order_not_found"
	ResultSignatureInvalid SettlementResult = "signature_invalid"
	ResultInvalidAmount    SettlementResult = "invalid_amount"
	ResultMalformed        SettlementResult = "malformed"
	ResultRetry            SettlementResult = "retry"
)

// Acknowledgement is the provider-specific reply to a callback. A nil Body
// means an empty response. TransactionID and Result are filled in by the
// settlement side and never written to the gateway.
type Acknowledgement struct {
	StatusCode int
	Body       any

	TransactionID string           `json:"-"`
	Result        SettlementResult `json:"-"`
}

type GatewayAdapter interface {
	Method() Method
	BuildCheckout(ctx context.Context, order CheckoutOrder) (*Checkout, error)
	// ParseCallback returns ErrInvalidPayload when the request cannot be read at
	// all. A readable request with a bad signature yields an event with
	// SignatureValid false.
	ParseCallback(ctx context.Context, req CallbackRequest) (*SettlementEvent, error)
	// ParseReturn verifies the browser redirect after checkout.
	ParseReturn(ctx context.Context, req CallbackRequest) (*SettlementEvent, error)
	Acknowledge(result SettlementResult) Acknowledgement
}

type AdapterConfig struct {
	Settings   map[string]string
	HTTPClient *http.Client
	Clock      clock.Clock
}

type AdapterFactory interface {
	Method() Method
	NewAdapter(cfg AdapterConfig) (GatewayAdapter, error)
	// Acknowledge answers a callback when no adapter could be built.
	Acknowledge(result SettlementResult) Acknowledgement
}

// GatewaySettingsSource resolves current gateway settings by provider key.
type GatewaySettingsSource interface {
	GatewaySettings(provider string) (map[string]string, bool)
}
