package interceptors

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/global"
)

// AdminMiddleware guards the administration surface with the static bearer
// token from the configuration.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Authorization header is missing"})
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		expected := global.Conf.Admin.Token
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Invalid administration token"})
			return
		}
		c.Next()
	}
}
