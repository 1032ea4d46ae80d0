package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloudfabric/provision-core/internal/config"
)

func NewRouter(deps Deps, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, deps)
	return r
}
