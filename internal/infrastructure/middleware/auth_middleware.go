package middleware

import (
	"crypto/subtle"
	"strings"

	"undercover/pkg/errors"
	"undercover/pkg/logger"

	"github.com/gin-gonic/gin"
)

const adminPrincipal = "admin"

// AdminAuthMiddleware admits requests carrying "Authorization: Bearer <token>".
// An empty token keeps the admin surface closed.
func AdminAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			abortWithAppError(c, errors.NewServiceUnavailableError("admin api disabled"))
			return
		}

		got, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithAppError(c, errors.NewAuthFailedError("authorization header required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			abortWithAppError(c, errors.NewAuthFailedError("invalid admin token"))
			return
		}

		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), adminPrincipal))
		c.Set("user_id", adminPrincipal)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func abortWithAppError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
