package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/medipass/sync-api/internal/middleware"
)

// Handler registers a route group's endpoints.
type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// MetricsProvider contributes the /metrics endpoint and the per-request
// observation middleware.
type MetricsProvider interface {
	Middleware() gin.HandlerFunc
	Handler() gin.HandlerFunc
}

type Config struct {
	RateLimit rate.Limit
	RateBurst int
}

type Router struct {
	engine *gin.Engine
}

// NewRouter wires the public auth surface, the authenticated record
// surface, and the operational endpoints.
func NewRouter(
	cfg Config,
	auth *middleware.AuthMiddleware,
	authH Handler,
	recordH Handler,
	healthH Handler,
	metrics MetricsProvider,
) *Router {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.Middleware())

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  cfg.RateLimit,
		Burst: cfg.RateBurst,
	})
	engine.Use(limiter.RateLimit())

	root := engine.Group("/")
	healthH.RegisterRoutes(root)
	engine.GET("/metrics", metrics.Handler())

	v1 := engine.Group("/api/v1")
	authH.RegisterRoutes(v1)

	protected := v1.Group("/")
	protected.Use(auth.Authenticate())
	recordH.RegisterRoutes(protected)

	return &Router{engine: engine}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
