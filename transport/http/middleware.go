package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/core"
	"github.com/chainpass/wcsap/dpop"
	"github.com/chainpass/wcsap/service"
)

// Context keys populated by the auth middleware.
const (
	contextAddress   = "walletAddress"
	contextScope     = "sessionScope"
	contextSessionID = "sessionID"
	contextFamilyID  = "sessionFamilyID"
)

// headerDPoP carries the per-request possession proof for bound sessions.
const headerDPoP = "DPoP"

// AuthMiddleware validates bearer access tokens on protected routes. When
// the session is bound to a client key the request must also carry a valid
// DPoP proof for this exact method and URI; a bare bearer token is rejected.
// Every rejection uses the same response body.
func AuthMiddleware(auth *service.AuthService, binder *dpop.Binder, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authFailedMessage})
			return
		}

		session, err := auth.Authenticate(
			c.Request.Context(),
			token,
			c.GetHeader(headerDPoP),
			c.Request.Method,
			requestURI(c),
			binder,
			originFrom(c),
		)
		if err != nil {
			logger.Debug("access rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authFailedMessage})
			return
		}

		c.Set(contextAddress, session.Address)
		c.Set(contextScope, session.Scope)
		c.Set(contextSessionID, session.ID)
		c.Set(contextFamilyID, session.FamilyID)

		c.Next()
	}
}

// RequireScope rejects sessions lacking the given scope. It must run after
// AuthMiddleware.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, _ := c.Get(contextScope)
		if got != scope {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
			return
		}
		c.Next()
	}
}

// requestURI reconstructs the absolute URI the client signed into its DPoP
// proof. TLS termination upstream is the common case, so the forwarded
// proto header wins over the direct connection.
func requestURI(c *gin.Context) string {
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}

// originFrom collects the request metadata consumed by the rate limiter,
// the risk engine and the audit trail.
func originFrom(c *gin.Context) core.Origin {
	return core.Origin{
		IP:          c.ClientIP(),
		UserAgent:   c.GetHeader("User-Agent"),
		Fingerprint: c.GetHeader("X-Device-Fingerprint"),
		Country:     c.GetHeader("X-Geo-Country"),
		Latitude:    headerFloat(c, "X-Geo-Latitude"),
		Longitude:   headerFloat(c, "X-Geo-Longitude"),
	}
}

func headerFloat(c *gin.Context, name string) float64 {
	v, err := strconv.ParseFloat(c.GetHeader(name), 64)
	if err != nil {
		return 0
	}
	return v
}
