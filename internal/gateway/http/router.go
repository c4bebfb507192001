// Package http is the Port Adapter that exposes the Session Manager and
// Draft & Repository Catalog over the wire shapes of spec section 6: JSON
// request/response bodies, Problem+JSON errors, and an SSE event stream.
package http

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/sessiond/internal/catalog"
	"github.com/kandev/sessiond/internal/common/httpmw"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/gateway/websocket"
	"github.com/kandev/sessiond/internal/session/service"
)

// Router builds the Gin engine that fronts the session orchestration core.
type Router struct {
	sessions *service.Manager
	catalog  *catalog.Catalog
	log      *logger.Logger
}

// NewRouter constructs a Router. wsGateway is optional: when non-nil its
// route is mounted alongside SSE as an alternate duplex transport.
func NewRouter(sessions *service.Manager, cat *catalog.Catalog, wsGateway *websocket.Gateway, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	r := &Router{sessions: sessions, catalog: cat, log: log.WithFields()}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.OtelTracing("sessiond"))
	engine.Use(httpmw.RequestLogger(log, "sessiond"))

	v1 := engine.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		sessions.POST("", r.createTask)
		sessions.GET("", r.listSessions)
		sessions.GET("/:id", r.getSession)
		sessions.GET("/:id/events", r.subscribeEvents)
		sessions.POST("/:id/pause", r.pauseSession)
		sessions.POST("/:id/resume", r.resumeSession)
		sessions.POST("/:id/stop", r.stopSession)
		sessions.DELETE("/:id", r.cancelSession)
		sessions.GET("/queue", r.queueStatus)

		drafts := v1.Group("/drafts")
		drafts.POST("", r.saveDraft)
		drafts.GET("", r.listDrafts)
		drafts.GET("/:id", r.getDraft)
		drafts.DELETE("/:id", r.deleteDraft)

		repos := v1.Group("/repositories")
		repos.POST("", r.importRepository)
		repos.GET("", r.listRepositories)
		repos.GET("/discover", r.discoverRepositories)
		repos.GET("/:id", r.getRepository)
	}
	engine.GET("/healthz", r.healthz)

	if wsGateway != nil {
		wsGateway.SetupRoutes(engine)
	}

	return engine
}
