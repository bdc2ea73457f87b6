package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
	// WarnResults lists settlement results that are logged at warn level,
	// typically forged or tampered gateway callbacks.
	WarnResults []string
}

// GinMiddleware logs one line per request. Gateway routes also carry the
// provider, the transaction and the settlement result tagged by the handler.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	warn := make(map[string]struct{}, len(cfg.WarnResults))
	for _, result := range cfg.WarnResults {
		warn[result] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		ctx := c.Request.Context()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if gateway := strings.ToLower(strings.TrimSpace(c.Param("provider"))); gateway != "" {
			fields = append(fields, zap.String("gateway", gateway))
		}
		result := obscontext.SettlementResultFromContext(ctx)
		if result != "" {
			fields = append(fields, zap.String("settlement_result", result))
		}

		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			errorType, errorCode := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		_, suspicious := warn[result]
		level := requestLevel(route, status, suspicious)
		// WithContext adds request_id, transaction_id and trace ids.
		if ce := FromContext(ctx).Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// TagTransaction attaches the payment transaction a handler worked on to the
// request, so the access log and any service logs downstream carry it.
func TagTransaction(c *gin.Context, transactionID string) {
	transactionID = strings.TrimSpace(transactionID)
	if c == nil || c.Request == nil || transactionID == "" {
		return
	}
	c.Request = c.Request.WithContext(obscontext.WithTransactionID(c.Request.Context(), transactionID))
}

// TagSettlement records the outcome of a gateway callback on the request.
func TagSettlement(c *gin.Context, transactionID, result string) {
	TagTransaction(c, transactionID)
	if c == nil || c.Request == nil || result == "" {
		return
	}
	c.Request = c.Request.WithContext(obscontext.WithSettlementResult(c.Request.Context(), result))
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}

func requestLevel(route string, status int, suspicious bool) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case suspicious:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
