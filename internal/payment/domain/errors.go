package domain

import "errors"

var (
	ErrSignatureInvalid   = errors.New("signature_invalid")
	ErrOrderNotFound      = errors.New("order_not_found")
	ErrAlreadyOwned       = errors.New("already_owned")
	ErrInvalidTransition  = errors.New("invalid_payment_transition")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrUnsupportedMethod  = errors.New("unsupported_method")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidConfig      = errors.New("invalid_gateway_config")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrCheckoutThrottled  = errors.New("checkout_throttled")
)
