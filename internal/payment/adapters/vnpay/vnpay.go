package vnpay

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/signature"
)

const (
	version          = "2.1.0"
	dateLayout       = "20060102150405"
	paramPrefix      = "vnp_"
	secureHash       = "vnp_SecureHash"
	secureHashType   = "vnp_SecureHashType"
	defaultLocale    = "vn"
	defaultOrderType = "other"
	defaultExpiry    = 15 * time.Minute
)

// VNPay timestamps are always GMT+7.
var vnpayZone = time.FixedZone("GMT+7", 7*60*60)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Method() paymentdomain.Method {
	return paymentdomain.MethodVNPay
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	tmnCode := readString(cfg.Settings, "tmn_code")
	hashSecret := readString(cfg.Settings, "hash_secret")
	paymentURL := readString(cfg.Settings, "payment_url")
	if tmnCode == "" || hashSecret == "" || paymentURL == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if _, err := url.Parse(paymentURL); err != nil {
		return nil, paymentdomain.ErrInvalidConfig
	}

	expiry := defaultExpiry
	if raw := readString(cfg.Settings, "expire_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return nil, paymentdomain.ErrInvalidConfig
		}
		expiry = time.Duration(minutes) * time.Minute
	}
	locale := readString(cfg.Settings, "locale")
	if locale == "" {
		locale = defaultLocale
	}
	orderType := readString(cfg.Settings, "order_type")
	if orderType == "" {
		orderType = defaultOrderType
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Adapter{
		tmnCode:    tmnCode,
		hashSecret: hashSecret,
		paymentURL: paymentURL,
		returnURL:  readString(cfg.Settings, "return_url"),
		locale:     locale,
		orderType:  orderType,
		expiry:     expiry,
		clock:      clk,
		codec:      signature.NewHMACSHA512(),
	}, nil
}

func (f *Factory) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

type Adapter struct {
	tmnCode    string
	hashSecret string
	paymentURL string
	returnURL  string
	locale     string
	orderType  string
	expiry     time.Duration
	clock      clock.Clock
	codec      signature.Codec
}

func (a *Adapter) Method() paymentdomain.Method {
	return paymentdomain.MethodVNPay
}

// BuildCheckout signs a redirect URL locally; VNPay has no create call.
func (a *Adapter) BuildCheckout(ctx context.Context, order paymentdomain.CheckoutOrder) (*paymentdomain.Checkout, error) {
	if !order.Amount.IsPositive() || !order.Amount.Equal(order.Amount.Truncate(0)) {
		return nil, paymentdomain.ErrInvalidAmount
	}
	clientIP := strings.TrimSpace(order.ClientIP)
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}
	info := strings.TrimSpace(order.Description)
	if info == "" {
		info = "Thanh toan " + order.TransactionID
	}
	now := a.clock.Now().In(vnpayZone)

	params := url.Values{}
	params.Set("vnp_Version", version)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", a.tmnCode)
	// Amount is sent in hundredths of a dong.
	params.Set("vnp_Amount", order.Amount.Mul(decimal.NewFromInt(100)).StringFixed(0))
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", order.TransactionID)
	params.Set("vnp_OrderInfo", info)
	params.Set("vnp_OrderType", a.orderType)
	params.Set("vnp_Locale", a.locale)
	params.Set("vnp_ReturnUrl", a.returnURL)
	params.Set("vnp_IpAddr", clientIP)
	params.Set("vnp_CreateDate", now.Format(dateLayout))
	params.Set("vnp_ExpireDate", now.Add(a.expiryFor(order)).Format(dateLayout))

	query := signature.EncodedQuery(params)
	hash := a.codec.Sign(query, a.hashSecret)

	return &paymentdomain.Checkout{
		RedirectURL: a.paymentURL + "?" + query + "&" + secureHash + "=" + hash,
	}, nil
}

// expiryFor keeps the configured window unless the order must close sooner.
func (a *Adapter) expiryFor(order paymentdomain.CheckoutOrder) time.Duration {
	if order.ExpiresIn > 0 && order.ExpiresIn < a.expiry {
		return order.ExpiresIn
	}
	return a.expiry
}

func (a *Adapter) ParseCallback(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	return a.verify(req.Query)
}

// ParseReturn is identical to the IPN check: both carry the same signed query.
func (a *Adapter) ParseReturn(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	return a.verify(req.Query)
}

func (a *Adapter) verify(query url.Values) (*paymentdomain.SettlementEvent, error) {
	params := url.Values{}
	for key, values := range query {
		if strings.HasPrefix(key, paramPrefix) {
			params[key] = values
		}
	}
	txnRef := strings.TrimSpace(params.Get("vnp_TxnRef"))
	if txnRef == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event := &paymentdomain.SettlementEvent{
		TransactionID: txnRef,
		Method:        paymentdomain.MethodVNPay,
		RawPayload:    []byte(params.Encode()),
	}
	canonical := signature.EncodedQuery(params, secureHash, secureHashType)
	if !a.codec.Verify(canonical, params.Get(secureHash), a.hashSecret) {
		return event, nil
	}
	if params.Get("vnp_TmnCode") != a.tmnCode {
		return event, nil
	}

	event.SignatureValid = true
	event.ResponseCode = params.Get("vnp_ResponseCode")
	event.ProviderRef = params.Get("vnp_TransactionNo")
	if raw := params.Get("vnp_Amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		amount = amount.Div(decimal.NewFromInt(100))
		event.Amount = &amount
	}
	status := params.Get("vnp_TransactionStatus")
	if event.ResponseCode == "00" && (status == "" || status == "00") {
		event.Outcome = paymentdomain.OutcomeSuccess
	} else {
		event.Outcome = paymentdomain.OutcomeFailure
	}
	return event, nil
}

func (a *Adapter) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

type ackBody struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

func acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	var body ackBody
	switch result {
	case paymentdomain.ResultApplied:
		body = ackBody{RspCode: "00", Message: "Confirm Success"}
	case paymentdomain.ResultDuplicate:
		body = ackBody{RspCode: "00", Message: "Order already confirmed"}
	case paymentdomain.ResultOrderNotFound:
		body = ackBody{RspCode: "01", Message: "Order not found"}
	case paymentdomain.ResultInvalidAmount:
		body = ackBody{RspCode: "04", Message: "Invalid amount"}
	case paymentdomain.ResultSignatureInvalid:
		body = ackBody{RspCode: "97", Message: "Invalid signature"}
	default:
		body = ackBody{RspCode: "99", Message: "Unknown error"}
	}
	return paymentdomain.Acknowledgement{StatusCode: http.StatusOK, Body: body}
}

func readString(settings map[string]string, key string) string {
	if settings == nil {
		return ""
	}
	return strings.TrimSpace(settings[key])
}
