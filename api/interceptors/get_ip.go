package interceptors

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// clientIP resolves the caller address, preferring proxy headers over the
// socket peer. Returns "unknown" when nothing usable is present.
func clientIP(c *gin.Context) string {
	if ip := c.Request.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil || ip == "" {
		return "unknown"
	}
	return ip
}
