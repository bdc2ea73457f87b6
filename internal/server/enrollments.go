package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	enrollmentdomain "github.com/smallbiznis/coursepay/internal/enrollment/domain"
)

// HeaderUserID carries the authenticated learner, set by the upstream gateway.
const HeaderUserID = "X-User-ID"

type createEnrollmentRequest struct {
	CourseID snowflake.ID `json:"course_id"`
}

func (s *Server) CreateEnrollment(c *gin.Context) {
	userID, err := userIDFromHeader(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	enrollment, err := s.enrollmentSvc.Enroll(c.Request.Context(), enrollmentdomain.EnrollRequest{
		UserID:   userID,
		CourseID: req.CourseID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": enrollment})
}

func (s *Server) GetEnrollment(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	enrollment, err := s.enrollmentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if userID, ok := optionalUserID(c); ok && userID != enrollment.UserID {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": enrollment})
}

func (s *Server) ListEnrollmentPayments(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	payments, err := s.paymentSvc.ListPayments(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payments})
}

func userIDFromHeader(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if raw == "" {
		return 0, ErrUnauthorized
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, ErrUnauthorized
	}
	return id, nil
}

func optionalUserID(c *gin.Context) (snowflake.ID, bool) {
	id, err := userIDFromHeader(c)
	if err != nil {
		return 0, false
	}
	return id, true
}
