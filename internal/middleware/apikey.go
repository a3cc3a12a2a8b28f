package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth API Key 认证中间件。
//
// 管理面接口（webhook 端点管理、账号配置）用单个运维密钥保护，
// 配置里只存 bcrypt 哈希，进程内不出现明文。
type APIKeyAuth struct {
	keyHash string
}

// NewAPIKeyAuth 创建 API Key 认证中间件。keyHash 为空表示关闭认证。
func NewAPIKeyAuth(keyHash string) *APIKeyAuth {
	return &APIKeyAuth{keyHash: keyHash}
}

// RequireAPIKey 要求请求携带有效的 X-API-Key。
func (m *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.keyHash == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			c.Abort()
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(m.keyHash), []byte(apiKey)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
