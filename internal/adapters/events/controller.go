package events

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/auth"
	"github.com/zling/backend/internal/config"
	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
	"github.com/zling/backend/internal/pubsub"
	"github.com/zling/backend/internal/voice"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Events *pubsub.Manager
	Voice  *voice.Server
	Store  core.Store

	ReadLimit  int64
	PingPeriod time.Duration
	QueueSize  int
}

func NewController(cfg *config.Config, events *pubsub.Manager, vs *voice.Server, store core.Store) *Controller {
	return &Controller{
		Events:     events,
		Voice:      vs,
		Store:      store,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		QueueSize:  cfg.EventQueueSize,
	}
}

// HandleEvents upgrades the connection, registers the subscriber and
// bootstraps its topic set: the user's own topic plus one per guild the
// user belongs to. Channel topics come and go with voice membership.
func (ctl *Controller) HandleEvents(ctx context.Context, c *gin.Context) {
	user := domain.UserID(c.GetString(auth.ContextUserKey))
	log.Info().Str("module", "events").Str("user", string(user)).Msg("new event stream")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "events").Msg("ws upgrade")
		return
	}

	sink := newSink(ws, ctl.QueueSize)
	sub := ctl.Events.Register(string(user), sink)
	ctl.Events.Subscribe(sub, pubsub.UserTopic(user))

	guilds, err := ctl.Store.GuildsOfUser(c.Request.Context(), user)
	if err != nil {
		log.Error().Err(err).Str("module", "events").Str("user", string(user)).Msg("guild lookup failed")
	}
	for _, g := range guilds {
		ctl.Events.Subscribe(sub, pubsub.GuildTopic(g))
	}

	if prev := ctl.Voice.AttachStream(user, sub); prev != nil {
		// Reconnect: the replaced connection's subscriber must leave the
		// index now, its own read pump no longer owns the session.
		ctl.Events.Unregister(prev)
	}

	connCtx, cancel := context.WithCancel(ctx)
	go ctl.writePump(connCtx, sink)
	go ctl.readPump(connCtx, cancel, user, sub, sink)
}

func (ctl *Controller) writePump(ctx context.Context, s *wsSink) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	// Closing the sink unblocks the read pump, which owns teardown.
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "events").Msg("writePump set deadline")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "events").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection to process control frames and detect
// disconnect; clients send nothing meaningful over this socket. Its exit —
// clean close, idle timeout or protocol error — is the single trigger for
// session teardown.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, user domain.UserID, sub *pubsub.Subscriber, s *wsSink) {
	pongWait := ctl.PingPeriod * 10 / 9
	defer func() {
		log.Info().Str("module", "events").Str("user", string(user)).Msg("event stream closing")
		cancel()
		ctl.Events.Unregister(sub)
		// Tear the voice session down only while this connection still owns
		// it; a reconnected client's fresh session must survive the old
		// socket's exit.
		if ctl.Voice.DetachStream(user, sub) {
			ctl.Voice.Teardown(user)
		}
		s.Close()
	}()

	s.conn.SetReadLimit(ctl.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := s.conn.ReadMessage(); err != nil {
				log.Info().Err(err).Str("module", "events").Str("user", string(user)).Msg("event stream read ended")
				return
			}
		}
	}
}
