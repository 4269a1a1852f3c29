package app

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"herald.io/herald/internal/api/handlers"
	"herald.io/herald/internal/api/middleware"
	"herald.io/herald/internal/config"
	"herald.io/herald/internal/pkg/logger"
)

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), cors.New(buildCORSConfig(cfg)), middleware.ErrorHandler())

	// Runtime log level: GET returns it, PUT {"level":"debug"} changes it.
	level := gin.WrapH(logger.Level())
	router.GET("/log/level", level)
	router.PUT("/log/level", level)

	server.Register(router.Group("/api/v1"))
	return router
}

// buildCORSConfig allows every origin when none (or "*") is configured.
// Identity travels in a header, never a cookie, so credentials stay off.
func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", middleware.UserIDHeader, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}
