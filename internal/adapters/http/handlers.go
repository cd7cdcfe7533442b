package http

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/auth"
	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
	"github.com/zling/backend/internal/pubsub"
	"github.com/zling/backend/internal/voice"
)

// Printable ASCII, 1 to 16 characters.
var channelNameRe = regexp.MustCompile(`^[\x20-\x7E]{1,16}$`)

func currentUser(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(auth.ContextUserKey))
}

// respondError maps session manager errors to stable wire codes. The error
// text is the code; engine detail never leaves the voice package.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, voice.ErrAlreadyCreated),
		errors.Is(err, voice.ErrAlreadyConnected),
		errors.Is(err, voice.ErrTransportNotCreated),
		errors.Is(err, voice.ErrTransportNotConnected),
		errors.Is(err, voice.ErrSessionClosed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, voice.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, voice.ErrProducerFailed), errors.Is(err, voice.ErrConsumerFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("unmapped handler error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// mintToken issues a token for an arbitrary user id. This is the development
// stand-in for a real account system, which sits in front of this service.
func (a *API) mintToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	token, err := a.Auth.Mint(domain.UserID(req.UserID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (a *API) createGuild(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	g, err := a.Store.CreateGuild(c.Request.Context(), req.Name, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (a *API) joinGuild(c *gin.Context) {
	guild := domain.GuildID(c.Param("guild_id"))
	user := currentUser(c)
	if err := a.Store.AddGuildMember(c.Request.Context(), guild, user); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	// A live event stream opened before joining does not yet carry the new
	// guild topic; attach it so membership events arrive without a reconnect.
	if sub := a.Voice.Session(user).Stream(); sub != nil {
		a.Events.Subscribe(sub, pubsub.GuildTopic(guild))
	}
	c.Status(http.StatusOK)
}

func (a *API) listChannels(c *gin.Context) {
	guild := domain.GuildID(c.Param("guild_id"))
	ok, err := a.Store.IsUserInGuild(c.Request.Context(), currentUser(c), guild)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}
	channels, err := a.Store.ChannelsOfGuild(c.Request.Context(), guild)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (a *API) createChannel(c *gin.Context) {
	guild := domain.GuildID(c.Param("guild_id"))
	var req struct {
		Name string             `json:"name" binding:"required"`
		Kind domain.ChannelKind `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if req.Kind == "" {
		req.Kind = domain.ChannelText
	}
	if req.Kind != domain.ChannelText && req.Kind != domain.ChannelVoice {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	ok, err := a.Store.IsUserInGuild(c.Request.Context(), currentUser(c), guild)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}
	if !channelNameRe.MatchString(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_name"})
		return
	}

	ch, err := a.Store.CreateChannel(c.Request.Context(), guild, req.Name, req.Kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	a.Events.NotifyGuildChannelListUpdate(guild)
	c.JSON(http.StatusOK, gin.H{"id": ch.ID})
}

func (a *API) typing(c *gin.Context) {
	guild := domain.GuildID(c.Param("guild_id"))
	channel := domain.ChannelID(c.Param("channel_id"))
	user := currentUser(c)

	ok, err := a.Store.CanUserSendMessageIn(c.Request.Context(), user, guild, channel)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}
	a.Events.SendTyping(channel, domain.User{ID: user, Username: string(user)})
	c.Status(http.StatusOK)
}

func (a *API) joinVoice(c *gin.Context) {
	guild := domain.GuildID(c.Param("guild_id"))
	channel := domain.ChannelID(c.Param("channel_id"))
	user := currentUser(c)

	ok, err := a.Store.IsUserInGuild(c.Request.Context(), user, guild)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}
	if err := a.Voice.Join(user, channel); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (a *API) leaveVoice(c *gin.Context) {
	a.Voice.Leave(currentUser(c))
	c.Status(http.StatusOK)
}

func (a *API) createTransport(c *gin.Context) {
	var req struct {
		Direction core.TransportDirection `json:"direction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !req.Direction.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	offer, err := a.Voice.CreateTransport(c.Request.Context(), currentUser(c), req.Direction)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func (a *API) connectTransport(c *gin.Context) {
	dir := core.TransportDirection(c.Param("direction"))
	if !dir.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	var req struct {
		Answer     webrtc.SessionDescription `json:"answer" binding:"required"`
		Candidates []webrtc.ICECandidateInit `json:"candidates"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	err := a.Voice.ConnectTransport(c.Request.Context(), currentUser(c), dir, core.ConnectParams{
		Answer:     req.Answer,
		Candidates: req.Candidates,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (a *API) produce(c *gin.Context) {
	var req struct {
		Kind     domain.MediaKind `json:"kind" binding:"required"`
		TrackID  string           `json:"track_id"`
		StreamID string           `json:"stream_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	id, err := a.Voice.Produce(c.Request.Context(), currentUser(c), req.Kind, core.ProduceParams{
		TrackID:  req.TrackID,
		StreamID: req.StreamID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (a *API) consume(c *gin.Context) {
	var req struct {
		ProducerID string `json:"producer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	id, err := a.Voice.Consume(c.Request.Context(), currentUser(c), req.ProducerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (a *API) removeProducer(c *gin.Context) {
	if err := a.Voice.RemoveProducer(currentUser(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (a *API) muteConsumer(c *gin.Context) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if err := a.Voice.SetConsumerMuted(currentUser(c), c.Param("id"), req.Muted); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}
