package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smarties/backend/config"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(cfg *config.Config, handler *Handler, logger *zap.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(TimeoutMiddleware(cfg.Server.RequestTimeout))

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		products := v1.Group("/products")
		{
			products.GET("/:code", handler.GetProduct)
			products.POST("/search", handler.SearchProducts)
		}

		analysis := v1.Group("/analysis")
		{
			analysis.POST("/allergens", handler.AnalyzeAllergens)
			analysis.POST("/compliance", handler.EvaluateCompliance)
			analysis.POST("/ai", handler.AnalyzeWithAI)
		}

		v1.POST("/scan", handler.Scan)

		recommendations := v1.Group("/recommendations")
		{
			recommendations.POST("/alternatives", handler.RecommendAlternatives)
			recommendations.POST("/personalized", handler.RecommendPersonalized)
		}

		v1.GET("/monitor/stats", handler.MonitorStats)
		v1.POST("/providers/test", handler.TestProviders)
	}

	return router
}
