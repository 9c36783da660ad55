package httpmw

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeplane/codeplane/internal/common/errors"
)

// BearerAuth enforces the shared worker token on every request.
// An empty token disables authentication entirely.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			appErr := errors.Unauthenticated("missing or invalid bearer token")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}
