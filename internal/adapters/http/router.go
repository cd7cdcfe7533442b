// Package http is the REST surface of the backend: guild and channel
// management, the event stream upgrade and voice signalling.
package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/adapters/events"
	"github.com/zling/backend/internal/auth"
	"github.com/zling/backend/internal/config"
	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/pubsub"
	"github.com/zling/backend/internal/voice"
)

// API bundles the dependencies of the request handlers.
type API struct {
	Store  core.Store
	Auth   core.Authenticator
	Events *pubsub.Manager
	Voice  *voice.Server
	Stream *events.Controller
}

func SetupRouter(ctx context.Context, cfg *config.Config, api *API) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	r.POST("/api/auth/token", api.mintToken)

	authed := r.Group("/api", auth.Middleware(api.Auth))

	authed.GET("/events/ws", func(c *gin.Context) {
		api.Stream.HandleEvents(ctx, c)
	})

	authed.POST("/guilds", api.createGuild)
	authed.POST("/guilds/:guild_id/join", api.joinGuild)
	authed.GET("/guilds/:guild_id/channels", api.listChannels)
	authed.POST("/guilds/:guild_id/channels", api.createChannel)
	authed.POST("/guilds/:guild_id/channels/:channel_id/typing", api.typing)
	authed.POST("/guilds/:guild_id/channels/:channel_id/voice/join", api.joinVoice)

	authed.POST("/voice/leave", api.leaveVoice)
	authed.POST("/voice/transports", api.createTransport)
	authed.POST("/voice/transports/:direction/connect", api.connectTransport)
	authed.POST("/voice/produce", api.produce)
	authed.POST("/voice/consume", api.consume)
	authed.DELETE("/voice/producers/:id", api.removeProducer)
	authed.POST("/voice/consumers/:id/mute", api.muteConsumer)

	return r
}
