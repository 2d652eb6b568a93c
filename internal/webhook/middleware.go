package webhook

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// HookSecretHeader carries the activation handshake secret. The CRM
	// expects it echoed back verbatim before it enables the subscription.
	HookSecretHeader = "X-Hook-Secret"
	// SharedSecretHeader authenticates normal deliveries.
	SharedSecretHeader = "X-Webhook-Secret"
)

// HandshakeEcho short-circuits activation handshakes: when the hook-secret
// header is present the delivery is not a business event, just a liveness
// probe that wants its secret back.
func HandshakeEcho() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(HookSecretHeader)
		if secret == "" {
			c.Next()
			return
		}
		c.Header(HookSecretHeader, secret)
		c.AbortWithStatus(http.StatusOK)
	}
}

// SharedSecretAuth rejects deliveries that do not carry the configured
// shared secret. An empty configured secret disables the check for local
// development.
func SharedSecretAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(SharedSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
		c.Next()
	}
}
