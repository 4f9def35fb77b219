package http

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pkaminsk/Anchor/internal/app"
	"github.com/pkaminsk/Anchor/internal/config"
)

// RequestIDMiddleware tags every request for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	ctl := &Controller{Orch: orch}

	r.GET("/healthz", ctl.Health)
	r.POST("/ai-join", ctl.AIJoin)
	r.POST("/ai-leave", ctl.AILeave)
	r.GET("/rooms/:roomId", ctl.RoomStatus)
	r.POST("/generate-questions", ctl.GenerateQuestions)
	r.POST("/score", ctl.Score)
	r.POST("/transcribe", ctl.Transcribe)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
