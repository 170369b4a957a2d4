package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the view routes. The job id only travels between
// screens as the jobId query parameter.
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()
	cfg := deps.Config.withDefaults()

	r.SetHTMLTemplate(loadTemplates())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	r.Use(gin.Recovery())
	r.Use(SessionMiddleware(deps.Sessions, cfg.SessionTTL, cfg.SecureCookies))
	r.Use(LoggerMiddleware(deps.Logger))

	h := NewHandler(deps)

	r.GET("/", h.Home)
	r.POST("/upload", h.Upload)

	r.GET("/processing", h.Processing)
	r.GET("/processing/events", h.Events)
	r.POST("/processing/cancel", h.Cancel)

	r.GET("/results", h.Results)
	r.GET("/results/download", h.Download)

	r.GET("/history", h.History)
	r.GET("/health", h.Health)

	r.NoRoute(h.NotFound)

	return r
}
