package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/signature"
)

const defaultRequestType = "captureWallet"

// Field sets signed by MoMo, alphabetical order applied by the codec.
var (
	createSignedKeys = []string{
		"accessKey", "amount", "extraData", "ipnUrl", "orderId",
		"orderInfo", "partnerCode", "redirectUrl", "requestId", "requestType",
	}
	resultSignedKeys = []string{
		"accessKey", "amount", "extraData", "message", "orderId", "orderInfo",
		"orderType", "partnerCode", "payType", "requestId", "responseTime",
		"resultCode", "transId",
	}
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Method() paymentdomain.Method {
	return paymentdomain.MethodMoMo
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	partnerCode := readString(cfg.Settings, "partner_code")
	accessKey := readString(cfg.Settings, "access_key")
	secretKey := readString(cfg.Settings, "secret_key")
	endpoint := readString(cfg.Settings, "endpoint")
	if partnerCode == "" || accessKey == "" || secretKey == "" || endpoint == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	requestType := readString(cfg.Settings, "request_type")
	if requestType == "" {
		requestType = defaultRequestType
	}
	lang := readString(cfg.Settings, "lang")
	if lang == "" {
		lang = "vi"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Adapter{
		partnerCode: partnerCode,
		accessKey:   accessKey,
		secretKey:   secretKey,
		endpoint:    endpoint,
		redirectURL: readString(cfg.Settings, "redirect_url"),
		ipnURL:      readString(cfg.Settings, "ipn_url"),
		requestType: requestType,
		lang:        lang,
		client:      client,
		codec:       signature.NewHMACSHA256(),
	}, nil
}

func (f *Factory) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

type Adapter struct {
	partnerCode string
	accessKey   string
	secretKey   string
	endpoint    string
	redirectURL string
	ipnURL      string
	requestType string
	lang        string
	client      *http.Client
	codec       signature.Codec
}

func (a *Adapter) Method() paymentdomain.Method {
	return paymentdomain.MethodMoMo
}

type createRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IpnURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`

	// Minutes until MoMo stops accepting payment for the order.
	OrderExpireTime int64 `json:"orderExpireTime,omitempty"`
}

type createResponse struct {
	PartnerCode string `json:"partnerCode"`
	OrderID     string `json:"orderId"`
	RequestID   string `json:"requestId"`
	ResultCode  int    `json:"resultCode"`
	Message     string `json:"message"`
	PayURL      string `json:"payUrl"`
	Deeplink    string `json:"deeplink"`
	QRCodeURL   string `json:"qrCodeUrl"`
}

func (a *Adapter) BuildCheckout(ctx context.Context, order paymentdomain.CheckoutOrder) (*paymentdomain.Checkout, error) {
	amount, err := wholeAmount(order.Amount)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	fields := map[string]string{
		"accessKey":   a.accessKey,
		"amount":      strconv.FormatInt(amount, 10),
		"extraData":   "",
		"ipnUrl":      a.ipnURL,
		"orderId":     order.TransactionID,
		"orderInfo":   order.Description,
		"partnerCode": a.partnerCode,
		"redirectUrl": a.redirectURL,
		"requestId":   requestID,
		"requestType": a.requestType,
	}
	body, err := json.Marshal(createRequest{
		PartnerCode:     a.partnerCode,
		RequestID:       requestID,
		Amount:          amount,
		OrderID:         order.TransactionID,
		OrderInfo:       order.Description,
		RedirectURL:     a.redirectURL,
		IpnURL:          a.ipnURL,
		RequestType:     a.requestType,
		ExtraData:       "",
		Lang:            a.lang,
		Signature:       a.codec.Sign(signature.SortedPairs(fields, createSignedKeys), a.secretKey),
		OrderExpireTime: expireMinutes(order.ExpiresIn),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: momo: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: momo: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	var out createResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: momo: http %d", paymentdomain.ErrGatewayUnavailable, resp.StatusCode)
	}
	if out.ResultCode != 0 || out.PayURL == "" {
		return nil, fmt.Errorf("%w: momo: result %d %s", paymentdomain.ErrGatewayUnavailable, out.ResultCode, out.Message)
	}

	return &paymentdomain.Checkout{
		RedirectURL: out.PayURL,
		Deeplink:    out.Deeplink,
		QRCodeURL:   out.QRCodeURL,
	}, nil
}

// resultPayload is the IPN body. MoMo sends numeric fields as JSON numbers;
// json.Number keeps their literal text for the canonical string.
type resultPayload struct {
	PartnerCode  string      `json:"partnerCode"`
	OrderID      string      `json:"orderId"`
	RequestID    string      `json:"requestId"`
	Amount       json.Number `json:"amount"`
	OrderInfo    string      `json:"orderInfo"`
	OrderType    string      `json:"orderType"`
	TransID      json.Number `json:"transId"`
	ResultCode   json.Number `json:"resultCode"`
	Message      string      `json:"message"`
	PayType      string      `json:"payType"`
	ResponseTime json.Number `json:"responseTime"`
	ExtraData    string      `json:"extraData"`
	Signature    string      `json:"signature"`
}

func (p resultPayload) get(key string) string {
	switch key {
	case "partnerCode":
		return p.PartnerCode
	case "orderId":
		return p.OrderID
	case "requestId":
		return p.RequestID
	case "amount":
		return p.Amount.String()
	case "orderInfo":
		return p.OrderInfo
	case "orderType":
		return p.OrderType
	case "transId":
		return p.TransID.String()
	case "resultCode":
		return p.ResultCode.String()
	case "message":
		return p.Message
	case "payType":
		return p.PayType
	case "responseTime":
		return p.ResponseTime.String()
	case "extraData":
		return p.ExtraData
	case "signature":
		return p.Signature
	}
	return ""
}

func (a *Adapter) ParseCallback(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	var payload resultPayload
	decoder := json.NewDecoder(bytes.NewReader(req.Body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return a.verify(payload.get, req.Body)
}

// ParseReturn verifies the redirect query, which carries the IPN fields.
func (a *Adapter) ParseReturn(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	return a.verify(req.Query.Get, []byte(req.Query.Encode()))
}

func (a *Adapter) verify(get func(string) string, raw []byte) (*paymentdomain.SettlementEvent, error) {
	orderID := strings.TrimSpace(get("orderId"))
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	fields := make(map[string]string, len(resultSignedKeys))
	for _, key := range resultSignedKeys {
		fields[key] = get(key)
	}
	fields["accessKey"] = a.accessKey

	event := &paymentdomain.SettlementEvent{
		TransactionID: orderID,
		Method:        paymentdomain.MethodMoMo,
		RawPayload:    raw,
	}
	if get("partnerCode") != a.partnerCode {
		return event, nil
	}
	if !a.codec.Verify(signature.SortedPairs(fields, resultSignedKeys), get("signature"), a.secretKey) {
		return event, nil
	}

	event.SignatureValid = true
	event.ResponseCode = get("resultCode")
	event.ProviderRef = get("transId")
	if raw := get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.Amount = &amount
	}
	if event.ResponseCode == "0" {
		event.Outcome = paymentdomain.OutcomeSuccess
	} else {
		event.Outcome = paymentdomain.OutcomeFailure
	}
	return event, nil
}

func (a *Adapter) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

// MoMo expects 204 with an empty body; anything else is redelivered.
func acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	switch result {
	case paymentdomain.ResultSignatureInvalid, paymentdomain.ResultMalformed:
		return paymentdomain.Acknowledgement{StatusCode: http.StatusBadRequest}
	case paymentdomain.ResultRetry:
		return paymentdomain.Acknowledgement{StatusCode: http.StatusInternalServerError}
	default:
		return paymentdomain.Acknowledgement{StatusCode: http.StatusNoContent}
	}
}

func wholeAmount(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return 0, paymentdomain.ErrInvalidAmount
	}
	return amount.IntPart(), nil
}

func readString(settings map[string]string, key string) string {
	if settings == nil {
		return ""
	}
	return strings.TrimSpace(settings[key])
}

// expireMinutes rounds down to whole minutes; MoMo rejects zero.
func expireMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	minutes := int64(d / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
