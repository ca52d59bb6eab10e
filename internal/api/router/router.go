package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hitenvats16/jasper/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint reports dependency status
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		database := "up"
		if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			database = "down"
		}

		queue := "up"
		if !deps.RabbitClient.IsConnected() {
			status = http.StatusServiceUnavailable
			queue = "down"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "degraded"
		}

		c.JSON(status, gin.H{
			"status":   overall,
			"service":  "voice-api-service",
			"database": database,
			"queue":    queue,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a voice processing job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
