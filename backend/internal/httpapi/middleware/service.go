package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderServiceToken = "X-Service-Token"

// ServiceAuth 只放行携带共享服务令牌的内部调用，用户 JWT 在这里无效
func ServiceAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimSpace(c.GetHeader(HeaderServiceToken))
		if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "service token required",
			})
			return
		}
		c.Next()
	}
}
