package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerAdminToken = "X-Admin-Token"

// AdminRequired accepts requests carrying the configured admin token, either
// as a bearer token or in X-Admin-Token. Without a configured token every
// admin request is rejected.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminToken)
		if expected == "" {
			AbortWithError(c, ErrNotFound)
			return
		}

		token := strings.TrimSpace(c.GetHeader(headerAdminToken))
		if token == "" {
			parts := strings.Fields(c.GetHeader("Authorization"))
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
