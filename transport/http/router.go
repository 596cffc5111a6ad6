package http

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter sets up the Gin router
func SetupRouter(handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger())

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/register", handlers.Register)
		auth.POST("/login", handlers.Login)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(handlers.AuthMiddleware(handlers.auth))
	{
		api.GET("/me", handlers.Me)
		api.GET("/principals", handlers.Principals)

		api.POST("/transactions", handlers.CreateTransaction)
		api.GET("/transactions", handlers.ListTransactions)
		api.GET("/transactions/:id", handlers.GetTransaction)
		api.POST("/transactions/:id/sign", handlers.SignTransaction)
		api.POST("/transactions/:id/approve", handlers.ApproveTransaction)
		api.POST("/transactions/:id/execute", handlers.ExecuteTransaction)

		api.POST("/messages", handlers.SendMessage)
		api.GET("/messages", handlers.Inbox)
		api.POST("/messages/:id/read", handlers.ReadMessage)
	}

	return router
}
