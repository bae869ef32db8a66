package api

import (
	"github.com/Zynh0722/nyazoom/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & operations
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/stats", handler.HandleStats)

	// Upload (rate-limited)
	e.POST("/upload", handler.HandleUpload, uploadLimiter.Middleware())

	// Download
	e.GET("/download/:token", handler.HandleDownload)

	// Record metadata & management
	e.GET("/api/info/:token", handler.HandleInfo)
	e.GET("/api/records", handler.HandleListRecords)
	e.DELETE("/api/records/:token", handler.HandleDelete)

	// Frontend assets (upload form, share link page)
	e.Static("/", cfg.StaticDir)

	return e
}
