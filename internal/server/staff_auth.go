package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const HeaderStaffToken = "X-Staff-Token"

// StaffRequired admits requests carrying the configured staff token. With no
// token configured every request is refused.
func (s *Server) StaffRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.Payment.StaffToken)
	return func(c *gin.Context) {
		presented := strings.TrimSpace(c.GetHeader(HeaderStaffToken))
		if expected == "" || presented == "" || !sameToken(presented, expected) {
			s.log.Warn("staff credential rejected",
				zap.String("path", c.FullPath()),
				zap.Bool("configured", expected != ""),
				zap.Bool("presented", presented != ""),
			)
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// sameToken compares digests so the length of the secret does not leak.
func sameToken(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
