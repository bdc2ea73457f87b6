package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type checkoutRequest struct {
	EnrollmentID snowflake.ID `json:"enrollment_id"`
	Method       string       `json:"method"`
}

type checkoutResponse struct {
	TransactionID string               `json:"transaction_id"`
	Status        paymentdomain.Status `json:"status"`
	Method        paymentdomain.Method `json:"method"`
	Amount        decimal.Decimal      `json:"amount"`
	RedirectURL   string               `json:"redirect_url,omitempty"`
	Deeplink      string               `json:"deeplink,omitempty"`
	QRCodeURL     string               `json:"qr_code_url,omitempty"`
}

func (s *Server) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.EnrollmentID == 0 {
		AbortWithError(c, newValidationError("enrollment_id", "required", "enrollment_id is required"))
		return
	}
	method, err := paymentdomain.ParseMethod(req.Method)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	userID, _ := optionalUserID(c)
	result, err := s.paymentSvc.Initiate(c.Request.Context(), paymentdomain.InitiateRequest{
		EnrollmentID: req.EnrollmentID,
		UserID:       userID,
		Method:       method,
		ClientIP:     c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	obslogger.TagTransaction(c, result.Payment.TransactionID)

	c.JSON(http.StatusCreated, gin.H{"data": checkoutResponse{
		TransactionID: result.Payment.TransactionID,
		Status:        result.Payment.Status,
		Method:        result.Payment.Method,
		Amount:        result.Payment.Amount,
		RedirectURL:   result.Checkout.RedirectURL,
		Deeplink:      result.Checkout.Deeplink,
		QRCodeURL:     result.Checkout.QRCodeURL,
	}})
}

func (s *Server) GetPayment(c *gin.Context) {
	transactionID := strings.TrimSpace(c.Param("transaction_id"))
	if transactionID == "" {
		AbortWithError(c, ErrNotFound)
		return
	}
	obslogger.TagTransaction(c, transactionID)

	payment, err := s.paymentSvc.GetPayment(c.Request.Context(), transactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// ConfirmCash is the staff action for counter payments. StaffRequired guards it.
func (s *Server) ConfirmCash(c *gin.Context) {
	transactionID := strings.TrimSpace(c.Param("transaction_id"))
	if transactionID == "" {
		AbortWithError(c, ErrNotFound)
		return
	}
	obslogger.TagTransaction(c, transactionID)

	payment, err := s.paymentSvc.ConfirmCash(c.Request.Context(), transactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}
