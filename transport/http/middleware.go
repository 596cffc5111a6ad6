package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/sentinel/service"
)

const (
	ctxToken       = "token"
	ctxPrincipalID = "principalID"
)

// AuthMiddleware rejects requests without a current session token
func (h *Handlers) AuthMiddleware(auth service.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")

		// Check if the Authorization header is present and in correct format
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		principal, _, err := auth.VerifyToken(c.Request.Context(), token)
		if err != nil {
			h.fail(c, err)
			return
		}

		c.Set(ctxToken, token)
		c.Set(ctxPrincipalID, principal.ID)

		c.Next()
	}
}

// RequestLogger logs one line per request
func (h *Handlers) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		ev := h.log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = h.log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("principal_id", c.GetString(ctxPrincipalID)).
			Msg("request")
	}
}

func bearer(c *gin.Context) string {
	return c.GetString(ctxToken)
}
