package middleware

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/dcastella/matcha/internal/auth"
	"github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/response"
)

const (
	CtxIdentityKey = "authIdentity"
	CtxUserIDKey   = "userID"
	CtxRoleKey     = "userRole"
)

// Auth enforces JWT authentication using the supplied JWT service. The token
// is read from the Authorization header or, for websocket endpoints where
// browsers cannot set headers, from the `token` query parameter.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := iauth.BearerFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		identity, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		// Propagate identity into request context
		c.Set(CtxIdentityKey, identity)
		c.Set(CtxUserIDKey, identity.UserID)
		c.Set(CtxRoleKey, identity.Role)

		c.Next()
	}
}

// UserID extracts the verified user id from the request context.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
