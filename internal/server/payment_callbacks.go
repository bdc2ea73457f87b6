package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const maxCallbackBody = 1 << 20

func callbackMethod(c *gin.Context) paymentdomain.Method {
	return paymentdomain.Method(strings.ToUpper(strings.TrimSpace(c.Param("provider"))))
}

func readCallback(c *gin.Context) (paymentdomain.CallbackRequest, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		return paymentdomain.CallbackRequest{}, err
	}
	return paymentdomain.CallbackRequest{
		Body:   body,
		Query:  c.Request.URL.Query(),
		Header: c.Request.Header.Clone(),
	}, nil
}

// HandleGatewayCallback always answers with the gateway's own acknowledgement
// format; settlement errors never reach the error middleware.
func (s *Server) HandleGatewayCallback(c *gin.Context) {
	method := callbackMethod(c)
	req, err := readCallback(c)
	if err != nil {
		req = paymentdomain.CallbackRequest{Query: c.Request.URL.Query()}
	}

	ack := s.paymentSvc.HandleCallback(c.Request.Context(), method, req)
	obslogger.TagSettlement(c, ack.TransactionID, string(ack.Result))
	writeAcknowledgement(c, ack)
}

func writeAcknowledgement(c *gin.Context, ack paymentdomain.Acknowledgement) {
	status := ack.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if ack.Body == nil {
		c.Status(status)
		return
	}
	c.JSON(status, ack.Body)
}

// HandleGatewayReturn reports what the browser redirect claims. It never settles.
func (s *Server) HandleGatewayReturn(c *gin.Context) {
	req, err := readCallback(c)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status, err := s.paymentSvc.VerifyReturn(c.Request.Context(), callbackMethod(c), req)
	obslogger.TagTransaction(c, status.TransactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}
