package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/config"
	enrollmentdomain "github.com/smallbiznis/coursepay/internal/enrollment/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testStaffToken = "counter-7f3a9c"

type mockPaymentService struct {
	mock.Mock
}

func (m *mockPaymentService) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (*paymentdomain.CheckoutResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*paymentdomain.CheckoutResult)
	return result, args.Error(1)
}

func (m *mockPaymentService) HandleCallback(ctx context.Context, method paymentdomain.Method, req paymentdomain.CallbackRequest) paymentdomain.Acknowledgement {
	args := m.Called(ctx, method, req)
	return args.Get(0).(paymentdomain.Acknowledgement)
}

func (m *mockPaymentService) Apply(ctx context.Context, event paymentdomain.SettlementEvent) (paymentdomain.SettlementResult, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(paymentdomain.SettlementResult), args.Error(1)
}

func (m *mockPaymentService) ConfirmCash(ctx context.Context, transactionID string) (paymentdomain.Payment, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).(paymentdomain.Payment), args.Error(1)
}

func (m *mockPaymentService) VerifyReturn(ctx context.Context, method paymentdomain.Method, req paymentdomain.CallbackRequest) (paymentdomain.ReturnStatus, error) {
	args := m.Called(ctx, method, req)
	return args.Get(0).(paymentdomain.ReturnStatus), args.Error(1)
}

func (m *mockPaymentService) GetPayment(ctx context.Context, transactionID string) (paymentdomain.Payment, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).(paymentdomain.Payment), args.Error(1)
}

func (m *mockPaymentService) ListPayments(ctx context.Context, enrollmentID snowflake.ID) ([]paymentdomain.Payment, error) {
	args := m.Called(ctx, enrollmentID)
	payments, _ := args.Get(0).([]paymentdomain.Payment)
	return payments, args.Error(1)
}

func (m *mockPaymentService) ExpireStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Int(0), args.Error(1)
}

type fakeEnrollmentService struct {
	enrollments map[snowflake.ID]enrollmentdomain.Enrollment
	enrollErr   error
}

func (f *fakeEnrollmentService) Enroll(ctx context.Context, req enrollmentdomain.EnrollRequest) (enrollmentdomain.Enrollment, error) {
	if f.enrollErr != nil {
		return enrollmentdomain.Enrollment{}, f.enrollErr
	}
	return enrollmentdomain.Enrollment{
		ID:       snowflake.ID(900),
		UserID:   req.UserID,
		CourseID: req.CourseID,
		Status:   enrollmentdomain.EnrollmentStatusPending,
	}, nil
}

func (f *fakeEnrollmentService) Get(ctx context.Context, id snowflake.ID) (enrollmentdomain.Enrollment, error) {
	enrollment, ok := f.enrollments[id]
	if !ok {
		return enrollmentdomain.Enrollment{}, enrollmentdomain.ErrNotFound
	}
	return enrollment, nil
}

func (f *fakeEnrollmentService) Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (enrollmentdomain.Enrollment, error) {
	return f.Get(ctx, id)
}

func (f *fakeEnrollmentService) Activate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (enrollmentdomain.Transition, error) {
	return enrollmentdomain.Transition{}, nil
}

func (f *fakeEnrollmentService) Cancel(ctx context.Context, tx *gorm.DB, id snowflake.ID) (enrollmentdomain.Transition, error) {
	return enrollmentdomain.Transition{}, nil
}

func (f *fakeEnrollmentService) Notify(ctx context.Context, transition enrollmentdomain.Transition) {}

func newTestServer(t *testing.T, payments *mockPaymentService, enrollments *fakeEnrollmentService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	if enrollments == nil {
		enrollments = &fakeEnrollmentService{}
	}
	NewServer(ServerParams{
		Gin:           engine,
		Cfg:           config.Config{Payment: config.PaymentConfig{StaffToken: testStaffToken}},
		Log:           zap.NewNop(),
		EnrollmentSvc: enrollments,
		PaymentSvc:    payments,
	})
	return engine
}

func doRequest(engine *gin.Engine, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCheckoutReturnsRedirect(t *testing.T) {
	payments := &mockPaymentService{}
	payments.On("Initiate", mock.Anything, mock.MatchedBy(func(req paymentdomain.InitiateRequest) bool {
		return req.EnrollmentID == 42 && req.UserID == 7 && req.Method == paymentdomain.MethodVNPay
	})).Return(&paymentdomain.CheckoutResult{
		Payment: paymentdomain.Payment{
			TransactionID: "261015_1234VP",
			Status:        paymentdomain.StatusPending,
			Method:        paymentdomain.MethodVNPay,
			Amount:        decimal.NewFromInt(100000),
		},
		Checkout: paymentdomain.Checkout{RedirectURL: "https://sandbox.vnpayment.vn/pay?x=1"},
	}, nil)

	engine := newTestServer(t, payments, nil)
	rec := doRequest(engine, http.MethodPost, "/api/payments/checkout",
		[]byte(`{"enrollment_id":"42","method":"vnpay"}`),
		map[string]string{HeaderUserID: "7"},
	)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Data checkoutResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "261015_1234VP", resp.Data.TransactionID)
	assert.Equal(t, paymentdomain.StatusPending, resp.Data.Status)
	assert.Equal(t, "https://sandbox.vnpayment.vn/pay?x=1", resp.Data.RedirectURL)
	payments.AssertExpectations(t)
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "owned", err: paymentdomain.ErrAlreadyOwned, status: http.StatusConflict, kind: "conflict"},
		{name: "canceled", err: paymentdomain.ErrInvalidTransition, status: http.StatusConflict, kind: "conflict"},
		{name: "missing", err: enrollmentdomain.ErrNotFound, status: http.StatusNotFound, kind: "not_found"},
		{name: "gateway", err: fmt.Errorf("%w: momo: http 502", paymentdomain.ErrGatewayUnavailable), status: http.StatusBadGateway, kind: "gateway_unavailable"},
		{name: "throttled", err: paymentdomain.ErrCheckoutThrottled, status: http.StatusTooManyRequests, kind: "rate_limited"},
		{name: "unconfigured", err: paymentdomain.ErrInvalidConfig, status: http.StatusServiceUnavailable, kind: "service_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payments := &mockPaymentService{}
			payments.On("Initiate", mock.Anything, mock.Anything).Return(nil, tc.err)
			engine := newTestServer(t, payments, nil)

			rec := doRequest(engine, http.MethodPost, "/api/payments/checkout",
				[]byte(`{"enrollment_id":"42","method":"MOMO"}`), nil)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.kind, decodeError(t, rec).Type)
		})
	}
}

func TestCheckoutValidation(t *testing.T) {
	payments := &mockPaymentService{}
	engine := newTestServer(t, payments, nil)

	rec := doRequest(engine, http.MethodPost, "/api/payments/checkout", []byte(`{"enrollment_id":"42","method":"PAYPAL"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "method", payload.Errors[0].Field)

	rec = doRequest(engine, http.MethodPost, "/api/payments/checkout", []byte(`{"method":"CASH"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "enrollment_id", decodeError(t, rec).Errors[0].Field)

	rec = doRequest(engine, http.MethodPost, "/api/payments/checkout", []byte(`not json`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	payments.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
}

func TestGatewayCallbackWritesAcknowledgement(t *testing.T) {
	payments := &mockPaymentService{}
	payments.On("HandleCallback", mock.Anything, paymentdomain.MethodVNPay, mock.MatchedBy(func(req paymentdomain.CallbackRequest) bool {
		return req.Query.Get("vnp_TxnRef") == "261015_1234VP"
	})).Return(paymentdomain.Acknowledgement{
		StatusCode: http.StatusOK,
		Body:       map[string]string{"RspCode": "00", "Message": "Confirm Success"},
	})
	payments.On("HandleCallback", mock.Anything, paymentdomain.MethodMoMo, mock.MatchedBy(func(req paymentdomain.CallbackRequest) bool {
		return string(req.Body) == `{"orderId":"261015_1MM"}`
	})).Return(paymentdomain.Acknowledgement{StatusCode: http.StatusNoContent})

	engine := newTestServer(t, payments, nil)

	q := url.Values{}
	q.Set("vnp_TxnRef", "261015_1234VP")
	rec := doRequest(engine, http.MethodGet, "/payments/vnpay/ipn?"+q.Encode(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"RspCode":"00","Message":"Confirm Success"}`, rec.Body.String())

	rec = doRequest(engine, http.MethodPost, "/payments/momo/ipn", []byte(`{"orderId":"261015_1MM"}`), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	payments.AssertExpectations(t)
}

func TestGatewayReturn(t *testing.T) {
	payments := &mockPaymentService{}
	payments.On("VerifyReturn", mock.Anything, paymentdomain.MethodVNPay, mock.Anything).Return(paymentdomain.ReturnStatus{
		TransactionID:  "261015_1234VP",
		GatewayOutcome: paymentdomain.OutcomeSuccess,
		PaymentStatus:  paymentdomain.StatusPending,
	}, nil).Once()
	payments.On("VerifyReturn", mock.Anything, paymentdomain.MethodMoMo, mock.Anything).Return(paymentdomain.ReturnStatus{}, paymentdomain.ErrSignatureInvalid).Once()

	engine := newTestServer(t, payments, nil)

	rec := doRequest(engine, http.MethodGet, "/payments/vnpay/return?vnp_TxnRef=261015_1234VP", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"transaction_id":"261015_1234VP","gateway_outcome":"SUCCESS","payment_status":"PENDING"}}`, rec.Body.String())

	rec = doRequest(engine, http.MethodGet, "/payments/momo/return?orderId=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmCashAndGetPayment(t *testing.T) {
	payments := &mockPaymentService{}
	completed := paymentdomain.Payment{TransactionID: "261015_9CS", Status: paymentdomain.StatusCompleted, Method: paymentdomain.MethodCash}
	payments.On("ConfirmCash", mock.Anything, "261015_9CS").Return(completed, nil)
	payments.On("ConfirmCash", mock.Anything, "261015_9VP").Return(paymentdomain.Payment{}, paymentdomain.ErrUnsupportedMethod)
	payments.On("GetPayment", mock.Anything, "missing").Return(paymentdomain.Payment{}, paymentdomain.ErrOrderNotFound)

	engine := newTestServer(t, payments, nil)

	staff := map[string]string{HeaderStaffToken: testStaffToken}
	rec := doRequest(engine, http.MethodPost, "/api/payments/261015_9CS/confirm-cash", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"COMPLETED"`)

	rec = doRequest(engine, http.MethodPost, "/api/payments/261015_9VP/confirm-cash", nil, staff)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/payments/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmCashRequiresStaffToken(t *testing.T) {
	payments := &mockPaymentService{}
	engine := newTestServer(t, payments, nil)

	cases := map[string]map[string]string{
		"missing": nil,
		"wrong":   {HeaderStaffToken: "counter-guess"},
		"blank":   {HeaderStaffToken: "   "},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(engine, http.MethodPost, "/api/payments/261015_9CS/confirm-cash", nil, headers)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "forbidden", decodeError(t, rec).Type)
		})
	}
	payments.AssertNotCalled(t, "ConfirmCash", mock.Anything, mock.Anything)

	// No token configured disables the endpoint outright.
	gin.SetMode(gin.TestMode)
	unconfigured := gin.New()
	unconfigured.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:           unconfigured,
		Log:           zap.NewNop(),
		EnrollmentSvc: &fakeEnrollmentService{},
		PaymentSvc:    payments,
	})
	rec := doRequest(unconfigured, http.MethodPost, "/api/payments/261015_9CS/confirm-cash", nil, map[string]string{HeaderStaffToken: ""})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateEnrollment(t *testing.T) {
	engine := newTestServer(t, &mockPaymentService{}, &fakeEnrollmentService{})

	rec := doRequest(engine, http.MethodPost, "/api/enrollments", []byte(`{"course_id":"11"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(engine, http.MethodPost, "/api/enrollments", []byte(`{"course_id":"11"}`), map[string]string{HeaderUserID: "7"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"PENDING"`)

	engine = newTestServer(t, &mockPaymentService{}, &fakeEnrollmentService{enrollErr: enrollmentdomain.ErrAlreadyEnrolled})
	rec = doRequest(engine, http.MethodPost, "/api/enrollments", []byte(`{"course_id":"11"}`), map[string]string{HeaderUserID: "7"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetEnrollmentHidesOtherUsers(t *testing.T) {
	enrollments := &fakeEnrollmentService{enrollments: map[snowflake.ID]enrollmentdomain.Enrollment{
		5: {ID: 5, UserID: 7, CourseID: 11, Status: enrollmentdomain.EnrollmentStatusActive},
	}}
	engine := newTestServer(t, &mockPaymentService{}, enrollments)

	rec := doRequest(engine, http.MethodGet, "/api/enrollments/5", nil, map[string]string{HeaderUserID: "7"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/enrollments/5", nil, map[string]string{HeaderUserID: "8"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/enrollments/abc", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
