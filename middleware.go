package dealroom

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/dealroom/internal/auth"
	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/httperrors"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/ratelimit"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
)

const claimsKey = "claims"

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(start).Seconds())
	}
}

// adminAuthMiddleware requires a valid bearer token carrying the admin or
// realtime operator role
func adminAuthMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
		if err != nil {
			httperrors.RespondUnauthorized(c, httperrors.MsgInvalidAuthHeader)
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			logger.Warn("Token validation failed",
				"error", err,
				"component", "auth")
			httperrors.RespondInvalidToken(c)
			return
		}

		if !util.HasRole(claims.Roles, constants.RoleAdmin, constants.RoleOperator) {
			logger.Warn("Insufficient permissions for admin endpoint",
				"user_id", claims.UserID,
				"roles", claims.Roles,
				"component", "auth")
			httperrors.RespondForbidden(c)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// retryAfterSeconds converts a limiter hint in milliseconds to whole seconds, rounding up
func retryAfterSeconds(retryAfterMs int) int {
	seconds := (retryAfterMs + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
	if seconds < constants.MinRetryAfterSeconds {
		seconds = constants.MinRetryAfterSeconds
	}
	return seconds
}

// adminRateLimitMiddleware limits admin requests per operator
func adminRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsInterface, exists := c.Get(claimsKey)
		if !exists {
			c.Next()
			return
		}
		claims, ok := claimsInterface.(*auth.Claims)
		if !ok {
			util.LogError(logger, "admin_rate_limit", "validate claims type", fmt.Errorf("invalid claims type in context"))
			httperrors.RespondInternalError(c)
			return
		}

		if !limiter.Allow(claims.UserID) {
			retryAfter := limiter.GetRetryAfter(claims.UserID)
			logger.Warn("Admin rate limit exceeded",
				"user_id", claims.UserID,
				"endpoint", c.Request.URL.Path,
				"retry_after_ms", retryAfter,
				"component", "admin_rate_limit")

			httperrors.RespondTooManyRequests(c, retryAfterSeconds(retryAfter), retryAfter)
			return
		}
		c.Next()
	}
}

// publicRateLimitMiddleware limits the unauthenticated endpoints per client IP
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			retryAfter := limiter.GetRetryAfter(clientIP)
			logger.Debug("Public rate limit exceeded", "client_ip", clientIP, "path", c.Request.URL.Path)
			httperrors.RespondTooManyRequests(c, retryAfterSeconds(retryAfter), retryAfter)
			return
		}
		c.Next()
	}
}

// parseNetworks parses CIDR strings, skipping invalid entries
func parseNetworks(cidrs []string, logger *golog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
// With no networks configured every client is allowed.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP != nil {
			for _, ipNet := range allowedNets {
				if ipNet.Contains(clientIP) {
					c.Next()
					return
				}
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
	}
}
