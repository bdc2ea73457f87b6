package zalopay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	defaultAppUser = "coursepay"
	emptyItems     = "[]"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Method() paymentdomain.Method {
	return paymentdomain.MethodZaloPay
}

// NewAdapter keeps both keys: key1 signs outbound orders, key2 verifies
// what ZaloPay sends back.
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	appID := readString(cfg.Settings, "app_id")
	key1 := readString(cfg.Settings, "key1")
	key2 := readString(cfg.Settings, "key2")
	endpoint := readString(cfg.Settings, "endpoint")
	if appID == "" || key1 == "" || key2 == "" || endpoint == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if _, err := strconv.ParseInt(appID, 10, 64); err != nil {
		return nil, paymentdomain.ErrInvalidConfig
	}

	appUser := readString(cfg.Settings, "app_user")
	if appUser == "" {
		appUser = defaultAppUser
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Adapter{
		appID:       appID,
		key1:        key1,
		key2:        key2,
		endpoint:    endpoint,
		callbackURL: readString(cfg.Settings, "callback_url"),
		redirectURL: readString(cfg.Settings, "redirect_url"),
		appUser:     appUser,
		client:      client,
		clock:       clk,
		codec:       signature.NewHMACSHA256(),
	}, nil
}

func (f *Factory) Acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	return acknowledge(result)
}

type Adapter struct {
	appID       string
	key1        string
	key2        string
	endpoint    string
	callbackURL string
	redirectURL string
	appUser     string
	client      *http.Client
	clock       clock.Clock
	codec       signature.Codec
}

func (a *Adapter) Method() paymentdomain.Method {
	return paymentdomain.MethodZaloPay
}

type createResponse struct {
	ReturnCode       int    `json:"return_code"`
	ReturnMessage    string `json:"return_message"`
	SubReturnCode    int    `json:"sub_return_code"`
	SubReturnMessage string `json:"sub_return_message"`
	OrderURL         string `json:"order_url"`
	ZPTransToken     string `json:"zp_trans_token"`
	QRCode           string `json:"qr_code"`
}

func (a *Adapter) BuildCheckout(ctx context.Context, order paymentdomain.CheckoutOrder) (*paymentdomain.Checkout, error) {
	if !order.Amount.IsPositive() || !order.Amount.Equal(order.Amount.Truncate(0)) {
		return nil, paymentdomain.ErrInvalidAmount
	}
	amount := strconv.FormatInt(order.Amount.IntPart(), 10)
	appTime := strconv.FormatInt(a.clock.Now().UnixMilli(), 10)

	embed := map[string]string{}
	if a.redirectURL != "" {
		embed["redirecturl"] = a.redirectURL
	}
	embedData, err := json.Marshal(embed)
	if err != nil {
		return nil, err
	}

	mac := a.codec.Sign(signature.Positional(
		a.appID, order.TransactionID, a.appUser, amount, appTime, string(embedData), emptyItems,
	), a.key1)

	form := url.Values{}
	form.Set("app_id", a.appID)
	form.Set("app_trans_id", order.TransactionID)
	form.Set("app_user", a.appUser)
	form.Set("app_time", appTime)
	form.Set("amount", amount)
	form.Set("item", emptyItems)
	form.Set("embed_data", string(embedData))
	form.Set("description", order.Description)
	form.Set("bank_code", "")
	if seconds := expireSeconds(order.ExpiresIn); seconds > 0 {
		form.Set("expire_duration_seconds", strconv.FormatInt(seconds, 10))
	}
	if a.callbackURL != "" {
		form.Set("callback_url", a.callbackURL)
	}
	form.Set("mac", mac)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: zalopay: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: zalopay: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	var out createResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: zalopay: http %d", paymentdomain.ErrGatewayUnavailable, resp.StatusCode)
	}
	if out.ReturnCode != 1 || out.OrderURL == "" {
		return nil, fmt.Errorf("%w: zalopay: %d/%d %s", paymentdomain.ErrGatewayUnavailable, out.ReturnCode, out.SubReturnCode, out.SubReturnMessage)
	}

	return &paymentdomain.Checkout{
		RedirectURL: out.OrderURL,
		ProviderRef: out.ZPTransToken,
	}, nil
}

type callbackEnvelope struct {
	Data string `json:"data"`
	Mac  string `json:"mac"`
	Type int    `json:"type"`
}

type callbackData struct {
	AppID      json.Number `json:"app_id"`
	AppTransID string      `json:"app_trans_id"`
	AppTime    json.Number `json:"app_time"`
	AppUser    string      `json:"app_user"`
	Amount     json.Number `json:"amount"`
	ZPTransID  json.Number `json:"zp_trans_id"`
	ServerTime json.Number `json:"server_time"`
	Channel    json.Number `json:"channel"`
}

// ParseCallback verifies the mac over the raw data string with key2. ZaloPay
// only calls back for successful payments.
func (a *Adapter) ParseCallback(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.Data) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var data callbackData
	dataErr := json.Unmarshal([]byte(envelope.Data), &data)

	event := &paymentdomain.SettlementEvent{
		TransactionID: data.AppTransID,
		Method:        paymentdomain.MethodZaloPay,
		RawPayload:    req.Body,
	}
	if !a.codec.Verify(envelope.Data, envelope.Mac, a.key2) {
		return event, nil
	}
	if dataErr != nil || strings.TrimSpace(data.AppTransID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if data.AppID.String() != a.appID {
		return event, nil
	}

	event.SignatureValid = true
	event.Outcome = paymentdomain.OutcomeSuccess
	event.ProviderRef = data.ZPTransID.String()
	if raw := data.Amount.String(); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.Amount = &amount
	}
	return event, nil
}

// ParseReturn verifies the redirect checksum:
// appid|apptransid|pmcid|bankcode|amount|discountamount|status signed with key2.
func (a *Adapter) ParseReturn(ctx context.Context, req paymentdomain.CallbackRequest) (*paymentdomain.SettlementEvent, error) {
	q := req.Query
	transID := strings.TrimSpace(q.Get("apptransid"))
	if transID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event := &paymentdomain.SettlementEvent{
		TransactionID: transID,
		Method:        paymentdomain.MethodZaloPay,
		RawPayload:    []byte(q.Encode()),
	}
	canonical := signature.Positional(
		q.Get("appid"), transID, q.Get("pmcid"), q.Get("bankcode"),
		q.Get("amount"), q.Get("discountamount"), q.Get("status"),
	)
	if q.Get("appid") != a.appID || !a.codec.Verify(canonical, q.Get("checksum"), a.key2) {
		return event, nil
	}

	event.SignatureValid = true
	event.ResponseCode = q.Get("status")
	if raw := q.Get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.Amount = &amount
	}
	if event.ResponseCode == "1" {
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
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
}

// ZaloPay retries up to three times unless return_code is 1.
func acknowledge(result paymentdomain.SettlementResult) paymentdomain.Acknowledgement {
	body := ackBody{ReturnCode: 1, ReturnMessage: "success"}
	switch result {
	case paymentdomain.ResultDuplicate:
		body.ReturnMessage = "already processed"
	case paymentdomain.ResultOrderNotFound:
		body.ReturnMessage = "order not found"
	case paymentdomain.ResultSignatureInvalid:
		body = ackBody{ReturnCode: -1, ReturnMessage: "mac not equal"}
	case paymentdomain.ResultMalformed:
		body = ackBody{ReturnCode: -1, ReturnMessage: "invalid callback data"}
	case paymentdomain.ResultInvalidAmount:
		body = ackBody{ReturnCode: -1, ReturnMessage: "amount mismatch"}
	case paymentdomain.ResultRetry:
		body = ackBody{ReturnCode: 0, ReturnMessage: "temporary failure"}
	}
	return paymentdomain.Acknowledgement{StatusCode: http.StatusOK, Body: body}
}

func readString(settings map[string]string, key string) string {
	if settings == nil {
		return ""
	}
	return strings.TrimSpace(settings[key])
}

// ZaloPay accepts order lifetimes between five minutes and thirty days.
const (
	minExpireSeconds = 300
	maxExpireSeconds = 2592000
)

func expireSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	seconds := int64(d / time.Second)
	if seconds < minExpireSeconds {
		return minExpireSeconds
	}
	if seconds > maxExpireSeconds {
		return maxExpireSeconds
	}
	return seconds
}
