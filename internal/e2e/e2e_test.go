package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/course"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	"github.com/smallbiznis/coursepay/internal/enrollment"
	"github.com/smallbiznis/coursepay/internal/idgen"
	"github.com/smallbiznis/coursepay/internal/migration"
	"github.com/smallbiznis/coursepay/internal/observability"
	"github.com/smallbiznis/coursepay/internal/payment"
	"github.com/smallbiznis/coursepay/internal/payment/signature"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"github.com/smallbiznis/coursepay/internal/server"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	vnpTmnCode = "FRJ8RVSE"
	vnpSecret  = "1NWO2X8ITPSC7AY3OAVZ789EOHEXL1HK"

	momoPartner   = "MOMO"
	momoAccessKey = "F8BBA842ECF85"
	momoSecret    = "K951B6PE1waDMi640xX08PD3vg6EkVlz"

	zaloAppID = "2553"
	zaloKey1  = "PcY4iZIKFCIdgZvA6ueMcMHHUbRLYjPL"
	zaloKey2  = "kLtgPl8HHhfvMuDHPwKfgfsY4Ydm9eIz"
)

var momoResultKeys = []string{
	"accessKey", "amount", "extraData", "message", "orderId", "orderInfo",
	"orderType", "partnerCode", "payType", "requestId", "responseTime",
	"resultCode", "transId",
}

type testEnv struct {
	app      *fx.App
	server   *server.Server
	db       *gorm.DB
	genID    *snowflake.Node
	baseURL  string
	httpSrv  *httptest.Server
	gateways []*httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv() (*testEnv, error) {
	momoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderID   string `json:"orderId"`
			RequestID string `json:"requestId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"partnerCode": momoPartner,
			"orderId":     req.OrderID,
			"requestId":   req.RequestID,
			"resultCode":  0,
			"message":     "Successful.",
			"payUrl":      "https://test-payment.momo.vn/pay/" + req.OrderID,
		})
	}))
	zaloSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"return_code":    1,
			"return_message": "Giao dịch thành công",
			"order_url":      "https://qcgateway.zalopay.vn/openinapp?order=" + r.PostForm.Get("app_trans_id"),
		})
	}))

	gateways := config.NewStaticGatewayConfigHolder(config.GatewayConfig{
		"momo": {
			"partner_code": momoPartner,
			"access_key":   momoAccessKey,
			"secret_key":   momoSecret,
			"endpoint":     momoSrv.URL,
			"redirect_url": "https://coursepay.test/payments/momo/return",
			"ipn_url":      "https://coursepay.test/payments/momo/ipn",
		},
		"zalopay": {
			"app_id":       zaloAppID,
			"key1":         zaloKey1,
			"key2":         zaloKey2,
			"endpoint":     zaloSrv.URL,
			"callback_url": "https://coursepay.test/payments/zalopay/ipn",
			"app_user":     "coursepay",
		},
		"vnpay": {
			"tmn_code":    vnpTmnCode,
			"hash_secret": vnpSecret,
			"payment_url": "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
			"return_url":  "https://coursepay.test/payments/vnpay/return",
		},
		"cash": {},
	})

	var (
		srv    *server.Server
		dbConn *gorm.DB
		genID  *snowflake.Node
	)

	app := fx.New(
		fx.NopLogger,
		observability.Module,
		fx.Provide(config.Load),
		fx.Supply(gateways),
		fx.Provide(func() (*gorm.DB, error) {
			return gorm.Open(sqlite.Open("file:coursepay_e2e?mode=memory&cache=shared"), &gorm.Config{})
		}),
		idgen.Module,
		clock.Module,
		migration.Module,
		course.Module,
		enrollment.Module,
		ratelimit.Module,
		payment.Module,
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &genID),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		momoSrv.Close()
		zaloSrv.Close()
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		app:      app,
		server:   srv,
		db:       dbConn,
		genID:    genID,
		baseURL:  httpSrv.URL,
		httpSrv:  httpSrv,
		gateways: []*httptest.Server{momoSrv, zaloSrv},
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	for _, gw := range e.gateways {
		gw.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

const e2eStaffToken = "e2e-counter-token"

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	_ = os.Setenv("DATABASE_TYPE", "sqlite")
	_ = os.Setenv("DATABASE_AUTO_MIGRATE", "true")
	_ = os.Setenv("SCHEDULER_ENABLED", "false")
	_ = os.Setenv("RATE_LIMIT_ENABLED", "false")
	_ = os.Setenv("REDIS_ADDR", "")
	_ = os.Setenv("OTEL_ENABLED", "false")
	_ = os.Setenv("CASH_STAFF_TOKEN", e2eStaffToken)
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	for _, table := range []string{"payment_callbacks", "payments", "enrollments", "courses"} {
		if err := dbConn.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clear %s: %v", table, err)
		}
	}
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_VNPayCheckoutActivatesEnrollment(t *testing.T) {
	resetDatabase(t, env.db)

	user := env.genID.Generate()
	courseID := createCourse(t, "Go for Payments", 499000)
	enrollmentID := enroll(t, user, courseID)

	checkout := startCheckout(t, user, enrollmentID, "VNPAY")
	if checkout.Status != "PENDING" || !strings.HasSuffix(checkout.TransactionID, "VP") {
		t.Fatalf("unexpected checkout %+v", checkout)
	}
	redirect, err := url.Parse(checkout.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect url: %v", err)
	}
	if redirect.Query().Get("vnp_TxnRef") != checkout.TransactionID || redirect.Query().Get("vnp_Amount") != "49900000" {
		t.Fatalf("unexpected redirect query %s", redirect.RawQuery)
	}

	ipn := vnpayIPN(checkout.TransactionID, "49900000", "00")
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/payments/vnpay/ipn?"+ipn.Encode(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for ipn, got %d: %s", resp.StatusCode, string(body))
	}
	if got := strings.TrimSpace(string(body)); got != `{"RspCode":"00","Message":"Confirm Success"}` {
		t.Fatalf("unexpected ipn ack %s", got)
	}
	if status := enrollmentStatus(t, user, enrollmentID); status != "ACTIVE" {
		t.Fatalf("expected enrollment ACTIVE, got %s", status)
	}

	_, body = doJSON(t, http.MethodGet, env.baseURL+"/payments/vnpay/ipn?"+ipn.Encode(), nil, nil)
	if got := strings.TrimSpace(string(body)); got != `{"RspCode":"00","Message":"Order already confirmed"}` {
		t.Fatalf("unexpected redelivery ack %s", got)
	}

	p := getPayment(t, checkout.TransactionID)
	if p.Status != "COMPLETED" || p.ProviderRef != "14226112" {
		t.Fatalf("unexpected payment %+v", p)
	}
	if n := countRows(t, "payment_callbacks", "transaction_id = ?", checkout.TransactionID); n != 2 {
		t.Fatalf("expected 2 callback records, got %d", n)
	}

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/payments/checkout", map[string]any{
		"enrollment_id": enrollmentID.String(),
		"method":        "VNPAY",
	}, userHeader(user))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected status 409 for owned course, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestE2E_MoMoDeclineCancelsEnrollment(t *testing.T) {
	resetDatabase(t, env.db)

	user := env.genID.Generate()
	courseID := createCourse(t, "Distributed Systems", 250000)
	enrollmentID := enroll(t, user, courseID)

	checkout := startCheckout(t, user, enrollmentID, "MOMO")
	if !strings.HasSuffix(checkout.TransactionID, "MM") || !strings.Contains(checkout.RedirectURL, checkout.TransactionID) {
		t.Fatalf("unexpected checkout %+v", checkout)
	}

	resp, body := doRaw(t, http.MethodPost, env.baseURL+"/payments/momo/ipn", momoIPN(checkout.TransactionID, "250000", "1006"))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204 for momo ipn, got %d: %s", resp.StatusCode, string(body))
	}

	if p := getPayment(t, checkout.TransactionID); p.Status != "FAILED" {
		t.Fatalf("expected payment FAILED, got %s", p.Status)
	}
	if status := enrollmentStatus(t, user, enrollmentID); status != "CANCELED" {
		t.Fatalf("expected enrollment CANCELED, got %s", status)
	}

	// a success arriving after the decline must not resurrect the order
	resp, _ = doRaw(t, http.MethodPost, env.baseURL+"/payments/momo/ipn", momoIPN(checkout.TransactionID, "250000", "0"))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204 for late success, got %d", resp.StatusCode)
	}
	if p := getPayment(t, checkout.TransactionID); p.Status != "FAILED" {
		t.Fatalf("expected payment to stay FAILED, got %s", p.Status)
	}
}

func TestE2E_ZaloPayRejectsForgedCallback(t *testing.T) {
	resetDatabase(t, env.db)

	user := env.genID.Generate()
	courseID := createCourse(t, "Kubernetes in Practice", 120000)
	enrollmentID := enroll(t, user, courseID)

	checkout := startCheckout(t, user, enrollmentID, "ZALOPAY")
	if !strings.HasSuffix(checkout.TransactionID, "ZP") {
		t.Fatalf("unexpected checkout %+v", checkout)
	}

	forged := zaloCallback(checkout.TransactionID, 120000, zaloKey1)
	resp, body := doRaw(t, http.MethodPost, env.baseURL+"/payments/zalopay/ipn", forged)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for zalopay callback, got %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(string(body)); got != `{"return_code":-1,"return_message":"mac not equal"}` {
		t.Fatalf("unexpected forged ack %s", got)
	}
	if p := getPayment(t, checkout.TransactionID); p.Status != "PENDING" {
		t.Fatalf("expected payment to stay PENDING, got %s", p.Status)
	}
	if status := enrollmentStatus(t, user, enrollmentID); status != "PENDING" {
		t.Fatalf("expected enrollment to stay PENDING, got %s", status)
	}

	_, body = doRaw(t, http.MethodPost, env.baseURL+"/payments/zalopay/ipn", zaloCallback(checkout.TransactionID, 120000, zaloKey2))
	if got := strings.TrimSpace(string(body)); got != `{"return_code":1,"return_message":"success"}` {
		t.Fatalf("unexpected ack %s", got)
	}
	if status := enrollmentStatus(t, user, enrollmentID); status != "ACTIVE" {
		t.Fatalf("expected enrollment ACTIVE, got %s", status)
	}
}

func TestE2E_UnknownOrderIsAcknowledged(t *testing.T) {
	resetDatabase(t, env.db)

	ipn := vnpayIPN("261015_999999VP", "10000000", "00")
	_, body := doJSON(t, http.MethodGet, env.baseURL+"/payments/vnpay/ipn?"+ipn.Encode(), nil, nil)
	if got := strings.TrimSpace(string(body)); got != `{"RspCode":"01","Message":"Order not found"}` {
		t.Fatalf("unexpected ack %s", got)
	}
	if n := countRows(t, "payment_callbacks", "transaction_id = ?", "261015_999999VP"); n != 1 {
		t.Fatalf("expected callback to be recorded, got %d rows", n)
	}
}

func TestE2E_CashConfirmation(t *testing.T) {
	resetDatabase(t, env.db)

	user := env.genID.Generate()
	courseID := createCourse(t, "Accounting Basics", 90000)
	enrollmentID := enroll(t, user, courseID)

	checkout := startCheckout(t, user, enrollmentID, "CASH")
	if !strings.HasSuffix(checkout.TransactionID, "CS") || checkout.RedirectURL != "" {
		t.Fatalf("unexpected checkout %+v", checkout)
	}

	confirmURL := env.baseURL + "/api/payments/" + checkout.TransactionID + "/confirm-cash"

	// A learner without the staff credential cannot settle their own checkout.
	resp, body := doJSON(t, http.MethodPost, confirmURL, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status 403 without staff token, got %d: %s", resp.StatusCode, string(body))
	}
	if status := enrollmentStatus(t, user, enrollmentID); status != "PENDING" {
		t.Fatalf("expected enrollment PENDING, got %s", status)
	}

	resp, body = doJSON(t, http.MethodPost, confirmURL, nil, map[string]string{"X-Staff-Token": e2eStaffToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for cash confirm, got %d: %s", resp.StatusCode, string(body))
	}
	if status := enrollmentStatus(t, user, enrollmentID); status != "ACTIVE" {
		t.Fatalf("expected enrollment ACTIVE, got %s", status)
	}
}

type checkoutResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Method        string `json:"method"`
	RedirectURL   string `json:"redirect_url"`
}

type paymentView struct {
	Status      string `json:"status"`
	ProviderRef string `json:"provider_ref"`
}

func createCourse(t *testing.T, title string, price int64) snowflake.ID {
	t.Helper()
	c := coursedomain.Course{
		ID:    env.genID.Generate(),
		Title: title,
		Price: decimal.NewFromInt(price),
	}
	if err := env.db.Create(&c).Error; err != nil {
		t.Fatalf("create course: %v", err)
	}
	return c.ID
}

func enroll(t *testing.T, user, courseID snowflake.ID) snowflake.ID {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/enrollments", map[string]any{
		"course_id": courseID.String(),
	}, userHeader(user))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201 for enroll, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data struct {
			ID     snowflake.ID `json:"id"`
			Status string       `json:"status"`
		} `json:"data"`
	}
	decode(t, body, &out)
	if out.Data.Status != "PENDING" {
		t.Fatalf("expected new enrollment PENDING, got %s", out.Data.Status)
	}
	return out.Data.ID
}

func startCheckout(t *testing.T, user, enrollmentID snowflake.ID, method string) checkoutResult {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/payments/checkout", map[string]any{
		"enrollment_id": enrollmentID.String(),
		"method":        method,
	}, userHeader(user))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201 for checkout, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data checkoutResult `json:"data"`
	}
	decode(t, body, &out)
	return out.Data
}

func enrollmentStatus(t *testing.T, user, enrollmentID snowflake.ID) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/enrollments/"+enrollmentID.String(), nil, userHeader(user))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for enrollment, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	decode(t, body, &out)
	return out.Data.Status
}

func getPayment(t *testing.T, transactionID string) paymentView {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/payments/"+transactionID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for payment, got %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data paymentView `json:"data"`
	}
	decode(t, body, &out)
	return out.Data
}

func countRows(t *testing.T, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := env.db.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func userHeader(user snowflake.ID) map[string]string {
	return map[string]string{server.HeaderUserID: user.String()}
}

func vnpayIPN(transactionID, amount, responseCode string) url.Values {
	q := url.Values{}
	q.Set("vnp_Amount", amount)
	q.Set("vnp_ResponseCode", responseCode)
	q.Set("vnp_TransactionStatus", responseCode)
	q.Set("vnp_TmnCode", vnpTmnCode)
	q.Set("vnp_TransactionNo", "14226112")
	q.Set("vnp_TxnRef", transactionID)
	q.Set("vnp_SecureHash", signature.NewHMACSHA512().Sign(
		signature.EncodedQuery(q, "vnp_SecureHash", "vnp_SecureHashType"), vnpSecret,
	))
	return q
}

func momoIPN(transactionID, amount, resultCode string) []byte {
	fields := map[string]string{
		"accessKey":    momoAccessKey,
		"amount":       amount,
		"extraData":    "",
		"message":      "Transaction denied by user.",
		"orderId":      transactionID,
		"orderInfo":    "Distributed Systems",
		"orderType":    "momo_wallet",
		"partnerCode":  momoPartner,
		"payType":      "qr",
		"requestId":    transactionID,
		"responseTime": "1760500000000",
		"resultCode":   resultCode,
		"transId":      "2150000001",
	}
	payload := map[string]any{}
	for key, value := range fields {
		if key != "accessKey" {
			payload[key] = value
		}
	}
	payload["signature"] = signature.NewHMACSHA256().Sign(signature.SortedPairs(fields, momoResultKeys), momoSecret)
	raw, _ := json.Marshal(payload)
	return raw
}

func zaloCallback(transactionID string, amount int64, key string) []byte {
	data, _ := json.Marshal(map[string]any{
		"app_id":       2553,
		"app_trans_id": transactionID,
		"app_time":     1760500000000,
		"app_user":     "coursepay",
		"amount":       amount,
		"zp_trans_id":  251015000000123,
		"server_time":  1760500005000,
		"channel":      38,
	})
	raw, _ := json.Marshal(map[string]any{
		"data": string(data),
		"mac":  signature.NewHMACSHA256().Sign(string(data), key),
		"type": 1,
	})
	return raw
}

func decode(t *testing.T, body []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode response %s: %v", string(body), err)
	}
}

func doRaw(t *testing.T, method, reqURL string, body []byte) (*http.Response, []byte) {
	t.Helper()
	return do(t, method, reqURL, bytes.NewReader(body), map[string]string{"Content-Type": "application/json"})
}

func doJSON(t *testing.T, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	return do(t, method, reqURL, body, headers)
}

func do(t *testing.T, method, reqURL string, body io.Reader, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}
