package orchestrator

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/gpudispatch/internal/http/middleware"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
)

// NewRouter wires Handlers onto a gin.Engine the way the teacher's
// internal/app.wireRouter composes its own handlers: CORS, trace
// attachment, and request logging as global middleware, then the
// routes §6 names.
func NewRouter(h *Handlers, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.RequestLogger(log))

	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/:job_type/jobs", h.Submit)
		v1.GET("/jobs/:job_id", h.GetStatus)
		v1.GET("/jobs", h.List)
	}

	return r
}
