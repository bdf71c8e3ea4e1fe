package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragserve/services"
)

// writeServiceError maps a service failure to its HTTP shape. Quota
// and rate denials both answer 429 but carry different hints: quota
// includes the daily reset time, rate includes a retry delay and a
// Retry-After header. Cross-tenant lookups surface as 404, never 403,
// so resource existence does not leak across tenants.
func writeServiceError(c *gin.Context, err error) {
	var se *services.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case services.KindQuotaExceeded:
			body := gin.H{"error": se.Message, "kind": se.Kind}
			if se.ResetAt != nil {
				body["reset_at"] = se.ResetAt.UTC().Format(time.RFC3339)
			}
			c.JSON(http.StatusTooManyRequests, body)
		case services.KindRateLimited:
			retryAfter := int(math.Ceil(se.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": se.Message, "kind": se.Kind, "retry_after": retryAfter})
		case services.KindUnsupportedFormat, services.KindCorruptInput:
			c.JSON(http.StatusBadRequest, gin.H{"error": se.Message, "kind": se.Kind})
		case services.KindNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": se.Message, "kind": se.Kind})
		case services.KindUnavailable:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": se.Message, "kind": se.Kind})
		case services.KindDeadlineExceeded:
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": se.Message, "kind": se.Kind})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// requestIdentity reads the identity the auth middleware stamped into
// the context. A missing tenant means the middleware never ran.
func requestIdentity(c *gin.Context) (tenantID, userID string, ok bool) {
	tenantID = c.GetString("tenant_id")
	userID = c.GetString("user_id")
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Tenant ID not found in context"})
		return "", "", false
	}
	return tenantID, userID, true
}
