package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/dpop"
	"github.com/chainpass/wcsap/service"
)

// SetupRouter wires the auth endpoints and the protected API group.
func SetupRouter(auth *service.AuthService, binder *dpop.Binder, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	handlers := NewAuthHandlers(auth, logger)

	group := router.Group("/auth")
	{
		group.GET("/puzzle", handlers.Puzzle)
		group.POST("/challenge", handlers.Challenge)
		group.POST("/verify", handlers.Verify)
		group.POST("/refresh", handlers.Refresh)
		group.POST("/logout", handlers.Logout)
	}

	api := router.Group("/api")
	api.Use(AuthMiddleware(auth, binder, logger))
	{
		api.GET("/me", handlers.Me)

		sensitive := api.Group("/sessions")
		sensitive.Use(RequireScope(service.ScopeSensitive))
		sensitive.POST("/revoke_all", handlers.RevokeAll)
	}

	return router
}
