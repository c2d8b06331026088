package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/medipass/sync-api/internal/handler"
	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/internal/service/session"
	"github.com/medipass/sync-api/pkg/apperror"
)

// AuthMiddleware gates record routes on the process's active session. The
// daemon serves one user context at a time, so the bearer token must match
// the session the manager currently holds.
type AuthMiddleware struct {
	sessions *session.Service
}

func NewAuthMiddleware(sessions *session.Service) *AuthMiddleware {
	return &AuthMiddleware{sessions: sessions}
}

func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, current := m.sessions.State()
		if current == nil {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse(apperror.Unauthorized("no active session")))
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse(apperror.Unauthorized("missing authorization header")))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse(apperror.Unauthorized("invalid authorization format")))
			c.Abort()
			return
		}

		if parts[1] != current.Token {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse(apperror.Unauthorized("token does not match the active session")))
			c.Abort()
			return
		}

		c.Set("identityID", current.IdentityID)
		c.Set("role", string(current.Role))
		c.Next()
	}
}

// RequireRole restricts a route to one role.
func (m *AuthMiddleware) RequireRole(role model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != string(role) {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse(apperror.Unauthorized("insufficient role")))
			c.Abort()
			return
		}
		c.Next()
	}
}
