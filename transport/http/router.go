package http

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter sets up the Gin router. An empty apiToken leaves the routes unguarded.
func SetupRouter(handlers *Handlers, apiToken string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	api := router.Group("/")
	if apiToken != "" {
		api.Use(AuthMiddleware(apiToken))
	}

	unlock := api.Group("/unlock")
	{
		unlock.GET("/state", handlers.UnlockState)
		unlock.POST("/setup", handlers.Setup)
		unlock.POST("/pin", handlers.UnlockUsingPin)
		unlock.POST("/biometrics", handlers.UnlockUsingBiometrics)
		unlock.POST("/lock", handlers.Lock)
		unlock.POST("/reinitialize", handlers.Reinitialize)
		unlock.POST("/reset", handlers.Reset)
	}

	pid := api.Group("/pid")
	{
		pid.GET("/state", handlers.PidState)
		pid.POST("/initialize", handlers.PidInitialize)
		pid.POST("/authenticate", handlers.PidAuthenticate)
		pid.POST("/pin", handlers.PidPin)
		pid.POST("/token", handlers.PidAcquireAccessToken)
		pid.POST("/credential", handlers.PidRetrieveCredential)
		pid.POST("/cancel", handlers.PidCancel)
		pid.POST("/reset", handlers.PidReset)
	}

	return router
}
