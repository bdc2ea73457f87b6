// Package settlement applies gateway outcomes to payments and enrollments.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	enrollmentdomain "github.com/smallbiznis/coursepay/internal/enrollment/domain"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	"github.com/smallbiznis/coursepay/internal/observability/tracing"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultGatewayTimeout = 12 * time.Second
	// checkoutExpiryMargin keeps the gateway window shut before the sweeper
	// cancels the payment locally.
	checkoutExpiryMargin = 5 * time.Minute
)

var tracer = otel.Tracer("coursepay/payment")

// CheckoutLimiter throttles checkout attempts. A nil limiter allows everything.
type CheckoutLimiter interface {
	AllowCheckout(ctx context.Context, key string) (bool, error)
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	Cfg         config.Config
	Registry    *adapters.Registry
	Gateways    domain.GatewaySettingsSource
	Ledger      *ledger.Ledger
	Enrollments enrollmentdomain.Service
	Courses     coursedomain.Repository
	Repo        domain.Repository
	HTTPClient  *http.Client        `optional:"true"`
	Limiter     CheckoutLimiter     `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Processor struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	genID          *snowflake.Node
	registry       *adapters.Registry
	gateways       domain.GatewaySettingsSource
	ledger         *ledger.Ledger
	enrollments    enrollmentdomain.Service
	courses        coursedomain.Repository
	repo           domain.Repository
	httpClient     *http.Client
	limiter        CheckoutLimiter
	metrics        *obsmetrics.Metrics
	gatewayTimeout time.Duration
	checkoutWindow time.Duration
}

func New(p Params) domain.Service {
	timeout := p.Cfg.Payment.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Processor{
		db:             p.DB,
		log:            p.Log.Named("payment.settlement"),
		clock:          p.Clock,
		genID:          p.GenID,
		registry:       p.Registry,
		gateways:       p.Gateways,
		ledger:         p.Ledger,
		enrollments:    p.Enrollments,
		courses:        p.Courses,
		repo:           p.Repo,
		httpClient:     client,
		limiter:        p.Limiter,
		metrics:        p.Metrics,
		gatewayTimeout: timeout,
		checkoutWindow: checkoutWindow(p.Cfg.Payment.PendingTTL),
	}
}

// checkoutWindow is how long a gateway may accept payment for a checkout.
func checkoutWindow(pendingTTL time.Duration) time.Duration {
	if pendingTTL <= 0 {
		return 0
	}
	if pendingTTL <= 2*checkoutExpiryMargin {
		return pendingTTL / 2
	}
	return pendingTTL - checkoutExpiryMargin
}

func (p *Processor) adapter(method domain.Method) (domain.GatewayAdapter, error) {
	if !p.registry.Supports(method) {
		return nil, domain.ErrUnsupportedMethod
	}
	var settings map[string]string
	if p.gateways != nil {
		settings, _ = p.gateways.GatewaySettings(method.Provider())
	}
	return p.registry.NewAdapter(method, domain.AdapterConfig{
		Settings:   settings,
		HTTPClient: p.httpClient,
		Clock:      p.clock,
	})
}

// Initiate opens a PENDING payment and asks the gateway for a checkout. When
// the gateway refuses or cannot be reached the payment is marked FAILED.
func (p *Processor) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.CheckoutResult, error) {
	ctx, span := tracer.Start(ctx, "payment.initiate", trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("payment.method", string(req.Method)))...,
	))
	defer span.End()

	result, err := p.initiate(ctx, req)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (p *Processor) initiate(ctx context.Context, req domain.InitiateRequest) (*domain.CheckoutResult, error) {
	method := req.Method.Provider()
	if req.EnrollmentID == 0 {
		return nil, enrollmentdomain.ErrNotFound
	}

	adapter, err := p.adapter(req.Method)
	if err != nil {
		p.metrics.RecordCheckout(ctx, method, "rejected")
		return nil, err
	}
	if err := p.allowCheckout(ctx, req); err != nil {
		p.metrics.RecordCheckout(ctx, method, "throttled")
		return nil, err
	}

	var (
		payment domain.Payment
		title   string
	)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		enrollment, err := p.enrollments.Lock(ctx, tx, req.EnrollmentID)
		if err != nil {
			return err
		}
		if req.UserID != 0 && enrollment.UserID != req.UserID {
			return enrollmentdomain.ErrNotFound
		}

		course, err := p.courses.FindByID(ctx, tx, enrollment.CourseID)
		if err != nil {
			return err
		}
		if course == nil {
			return coursedomain.ErrNotFound
		}
		title = course.Title

		payment, err = p.ledger.Open(ctx, tx, enrollment, req.Method, course.Price)
		return err
	})
	if err != nil {
		p.metrics.RecordCheckout(ctx, method, "rejected")
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
	defer cancel()

	checkout, err := adapter.BuildCheckout(callCtx, domain.CheckoutOrder{
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
		Description:   checkoutDescription(title, payment.TransactionID),
		ClientIP:      req.ClientIP,
		ExpiresIn:     p.checkoutWindow,
	})
	if err != nil {
		// The caller may already be gone; the payment must not stay PENDING.
		if _, markErr := p.ledger.MarkFailed(context.WithoutCancel(ctx), p.db, payment.TransactionID, ""); markErr != nil {
			p.log.Error("failed to mark payment failed after gateway error",
				zap.String("transaction_id", payment.TransactionID),
				zap.Error(markErr),
			)
		}
		p.log.Warn("gateway checkout failed",
			zap.String("method", method),
			zap.String("transaction_id", payment.TransactionID),
			zap.Error(err),
		)
		p.metrics.RecordCheckout(ctx, method, "gateway_error")
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	p.metrics.RecordCheckout(ctx, method, "created")
	return &domain.CheckoutResult{Payment: payment, Checkout: *checkout}, nil
}

func (p *Processor) allowCheckout(ctx context.Context, req domain.InitiateRequest) error {
	if p.limiter == nil {
		return nil
	}
	key := "enrollment:" + req.EnrollmentID.String()
	if req.UserID != 0 {
		key = "user:" + req.UserID.String()
	}
	allowed, err := p.limiter.AllowCheckout(ctx, key)
	if err != nil {
		p.log.Warn("checkout limiter unavailable", zap.Error(err))
		return nil
	}
	if !allowed {
		return domain.ErrCheckoutThrottled
	}
	return nil
}

func checkoutDescription(title, transactionID string) string {
	if title == "" {
		return "Payment " + transactionID
	}
	return "Course " + title
}

// Apply settles a payment at most once. Only verified events with an outcome
// reach the database; a duplicate or losing concurrent delivery reports
// ResultDuplicate. ResultRetry means nothing was committed.
func (p *Processor) Apply(ctx context.Context, event domain.SettlementEvent) (domain.SettlementResult, error) {
	if !event.SignatureValid {
		return domain.ResultSignatureInvalid, nil
	}
	if event.Outcome != domain.OutcomeSuccess && event.Outcome != domain.OutcomeFailure {
		return domain.ResultMalformed, nil
	}

	payment, err := p.ledger.Find(ctx, p.db, event.TransactionID)
	if err != nil {
		return domain.ResultRetry, err
	}
	if payment == nil || payment.Method != event.Method {
		return domain.ResultOrderNotFound, nil
	}
	// A checkout the sweeper abandoned was never settled by the gateway, so a
	// verified SUCCESS arriving after the expiry still counts.
	lateSuccess := payment.Status == domain.StatusCanceled && event.Outcome == domain.OutcomeSuccess
	if payment.Status.IsTerminal() && !lateSuccess {
		if event.Outcome == domain.OutcomeSuccess && payment.Status != domain.StatusCompleted {
			p.log.Warn("successful payment reported for settled transaction",
				zap.String("transaction_id", payment.TransactionID),
				zap.String("status", string(payment.Status)),
				zap.String("provider_ref", event.ProviderRef),
			)
		}
		return domain.ResultDuplicate, nil
	}
	if event.Amount != nil && !event.Amount.Equal(payment.Amount) {
		p.log.Warn("settlement amount mismatch",
			zap.String("transaction_id", payment.TransactionID),
			zap.String("expected", payment.Amount.String()),
			zap.String("received", event.Amount.String()),
		)
		return domain.ResultInvalidAmount, nil
	}

	result := domain.ResultApplied
	var transition enrollmentdomain.Transition
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Enrollment before payment, the same order Initiate takes them in.
		if _, err := p.enrollments.Lock(ctx, tx, payment.EnrollmentID); err != nil && !errors.Is(err, enrollmentdomain.ErrNotFound) {
			return err
		}

		switch event.Outcome {
		case domain.OutcomeSuccess:
			won, err := p.ledger.MarkCompleted(ctx, tx, payment.TransactionID, event.ProviderRef)
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Swept before or after the read above; the gateway still took the money.
				won, err = p.ledger.CompleteExpired(ctx, tx, payment.TransactionID, event.ProviderRef)
				if won {
					p.log.Warn("expired payment settled by gateway",
						zap.String("transaction_id", payment.TransactionID),
						zap.String("provider_ref", event.ProviderRef),
					)
				}
			}
			if errors.Is(err, domain.ErrInvalidTransition) {
				result = domain.ResultDuplicate
				return nil
			}
			if err != nil {
				return err
			}
			if !won {
				result = domain.ResultDuplicate
				return nil
			}
			transition, err = p.enrollments.Activate(ctx, tx, payment.EnrollmentID)
			if errors.Is(err, enrollmentdomain.ErrInvalidTransition) || errors.Is(err, enrollmentdomain.ErrNotFound) {
				p.log.Warn("payment completed but enrollment cannot be activated",
					zap.String("transaction_id", payment.TransactionID),
					zap.String("enrollment_id", payment.EnrollmentID.String()),
					zap.Error(err),
				)
				return nil
			}
			return err
		default:
			won, err := p.ledger.MarkFailed(ctx, tx, payment.TransactionID, event.ProviderRef)
			if err != nil {
				return err
			}
			if !won {
				result = domain.ResultDuplicate
				return nil
			}
			pending, err := p.ledger.CountPending(ctx, tx, payment.EnrollmentID)
			if err != nil {
				return err
			}
			// Another checkout for this enrollment is still in flight.
			if pending > 0 {
				return nil
			}
			transition, err = p.enrollments.Cancel(ctx, tx, payment.EnrollmentID)
			if errors.Is(err, enrollmentdomain.ErrNotFound) {
				return nil
			}
			return err
		}
	})
	if err != nil {
		p.log.Error("settlement rolled back",
			zap.String("transaction_id", payment.TransactionID),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
		return domain.ResultRetry, err
	}

	p.enrollments.Notify(ctx, transition)
	return result, nil
}

// HandleCallback always produces the gateway's acknowledgement; errors stop here.
func (p *Processor) HandleCallback(ctx context.Context, method domain.Method, req domain.CallbackRequest) domain.Acknowledgement {
	ctx, span := tracer.Start(ctx, "payment.callback", trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("payment.method", string(method)))...,
	))
	defer span.End()

	adapter, err := p.adapter(method)
	if err != nil {
		p.log.Error("callback received for unavailable gateway", zap.String("method", string(method)), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrUnsupportedMethod) {
			return p.registry.Acknowledge(method, domain.ResultOrderNotFound)
		}
		return p.registry.Acknowledge(method, domain.ResultRetry)
	}

	var result domain.SettlementResult
	event, err := adapter.ParseCallback(ctx, req)
	if err != nil || event == nil {
		result = domain.ResultMalformed
		event = &domain.SettlementEvent{Method: method, RawPayload: req.Body}
	} else {
		event.Method = method
		result, err = p.Apply(ctx, *event)
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "settlement failed")
		}
	}

	ctx = obscontext.WithTransactionID(ctx, event.TransactionID)
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("payment.transaction_id", event.TransactionID),
		attribute.String("payment.settlement_result", string(result)),
	)...)

	p.recordCallback(ctx, *event, result)
	p.metrics.RecordCallback(ctx, method.Provider(), event.SignatureValid)
	p.metrics.RecordSettlement(ctx, method.Provider(), string(result))

	logger.WithContext(ctx, p.log).Info("payment callback handled",
		zap.String("method", string(method)),
		zap.Bool("signature_valid", event.SignatureValid),
		zap.String("outcome", string(event.Outcome)),
		zap.String("result", string(result)),
	)
	ack := adapter.Acknowledge(result)
	ack.TransactionID = event.TransactionID
	ack.Result = result
	return ack
}

func (p *Processor) recordCallback(ctx context.Context, event domain.SettlementEvent, result domain.SettlementResult) {
	record := domain.CallbackRecord{
		ID:             p.genID.Generate(),
		Method:         event.Method,
		TransactionID:  truncate(event.TransactionID, domain.MaxTransactionIDLength),
		SignatureValid: event.SignatureValid,
		Result:         string(result),
		Payload:        payloadJSON(event.RawPayload),
		ReceivedAt:     p.clock.Now(),
	}
	if err := p.repo.InsertCallback(context.WithoutCancel(ctx), p.db, &record); err != nil {
		p.log.Warn("failed to record payment callback",
			zap.String("transaction_id", event.TransactionID),
			zap.Error(err),
		)
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// payloadJSON stores form and query payloads as a JSON string. Signatures
// and other credential fields are dropped first.
func payloadJSON(raw []byte) datatypes.JSON {
	if len(raw) > 0 && json.Valid(raw) {
		return datatypes.JSON(stripJSONCredentials(raw))
	}
	encoded, err := json.Marshal(stripFormCredentials(string(raw)))
	if err != nil {
		return datatypes.JSON(`""`)
	}
	return datatypes.JSON(encoded)
}

func stripJSONCredentials(raw []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	removed := false
	for key := range fields {
		if logger.IsSensitiveKey(key) {
			delete(fields, key)
			removed = true
		}
	}
	if !removed {
		return raw
	}
	stripped, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return stripped
}

func stripFormCredentials(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	removed := false
	for key := range values {
		if logger.IsSensitiveKey(key) {
			values.Del(key)
			removed = true
		}
	}
	if !removed {
		return raw
	}
	return values.Encode()
}

// ConfirmCash settles a CASH payment on staff confirmation.
func (p *Processor) ConfirmCash(ctx context.Context, transactionID string) (domain.Payment, error) {
	payment, err := p.ledger.Find(ctx, p.db, transactionID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment == nil {
		return domain.Payment{}, domain.ErrOrderNotFound
	}
	if payment.Method != domain.MethodCash {
		return domain.Payment{}, domain.ErrUnsupportedMethod
	}

	amount := payment.Amount
	result, err := p.Apply(ctx, domain.SettlementEvent{
		TransactionID:  payment.TransactionID,
		Method:         domain.MethodCash,
		Outcome:        domain.OutcomeSuccess,
		Amount:         &amount,
		SignatureValid: true,
	})
	p.metrics.RecordSettlement(ctx, domain.MethodCash.Provider(), string(result))
	if err != nil {
		return domain.Payment{}, err
	}

	settled, err := p.ledger.Find(ctx, p.db, transactionID)
	if err != nil {
		return domain.Payment{}, err
	}
	if settled == nil {
		return domain.Payment{}, domain.ErrOrderNotFound
	}
	if settled.Status != domain.StatusCompleted {
		return *settled, domain.ErrInvalidTransition
	}
	return *settled, nil
}

// VerifyReturn checks a browser redirect and reports the stored status. It
// never settles: the server-to-server notification is authoritative.
func (p *Processor) VerifyReturn(ctx context.Context, method domain.Method, req domain.CallbackRequest) (domain.ReturnStatus, error) {
	adapter, err := p.adapter(method)
	if err != nil {
		return domain.ReturnStatus{}, err
	}
	event, err := adapter.ParseReturn(ctx, req)
	if err != nil {
		return domain.ReturnStatus{}, err
	}
	if !event.SignatureValid {
		return domain.ReturnStatus{}, domain.ErrSignatureInvalid
	}

	payment, err := p.ledger.Find(ctx, p.db, event.TransactionID)
	if err != nil {
		return domain.ReturnStatus{}, err
	}
	if payment == nil || payment.Method != method {
		return domain.ReturnStatus{}, domain.ErrOrderNotFound
	}
	return domain.ReturnStatus{
		TransactionID:  payment.TransactionID,
		GatewayOutcome: event.Outcome,
		PaymentStatus:  payment.Status,
	}, nil
}

func (p *Processor) GetPayment(ctx context.Context, transactionID string) (domain.Payment, error) {
	payment, err := p.ledger.Find(ctx, p.db, transactionID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment == nil {
		return domain.Payment{}, domain.ErrOrderNotFound
	}
	return *payment, nil
}

func (p *Processor) ListPayments(ctx context.Context, enrollmentID snowflake.ID) ([]domain.Payment, error) {
	return p.ledger.ListByEnrollment(ctx, p.db, enrollmentID)
}

// ExpireStale cancels PENDING payments last touched before olderThan.
// Enrollments are left PENDING so the learner can check out again.
func (p *Processor) ExpireStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	payments, err := p.ledger.ListStalePending(ctx, p.db, olderThan, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	perMethod := map[domain.Method]int{}
	for _, payment := range payments {
		won, err := p.ledger.MarkCanceled(ctx, p.db, payment.TransactionID)
		if err != nil {
			p.recordExpired(ctx, perMethod)
			return expired, err
		}
		if won {
			expired++
			perMethod[payment.Method]++
		}
	}
	p.recordExpired(ctx, perMethod)
	return expired, nil
}

func (p *Processor) recordExpired(ctx context.Context, perMethod map[domain.Method]int) {
	for method, count := range perMethod {
		p.metrics.RecordExpiredPayments(ctx, method.Provider(), count)
	}
}
