package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zling/backend/internal/adapters/events"
	"github.com/zling/backend/internal/auth"
	"github.com/zling/backend/internal/config"
	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
	"github.com/zling/backend/internal/pubsub"
	"github.com/zling/backend/internal/storage"
	"github.com/zling/backend/internal/voice"
)

// stubEngine satisfies core.MediaEngine for routes that never negotiate.
type stubEngine struct{}

func (stubEngine) CreateTransport(context.Context, string, core.TransportDirection) (core.MediaTransport, error) {
	return nil, errors.New("not negotiating in tests")
}

type fixture struct {
	router *gin.Engine
	api    *API
	authn  *auth.TokenAuthenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Mode:           "release",
		ReadLimit:      32768,
		PingPeriod:     time.Minute,
		EventQueueSize: 8,
	}
	authn, err := auth.New("")
	require.NoError(t, err)

	store := storage.NewMemory()
	manager := pubsub.NewManager()
	sessions := voice.NewServer(context.Background(), stubEngine{}, manager)

	api := &API{
		Store:  store,
		Auth:   authn,
		Events: manager,
		Voice:  sessions,
		Stream: events.NewController(cfg, manager, sessions, store),
	}
	return &fixture{
		router: SetupRouter(context.Background(), cfg, api),
		api:    api,
		authn:  authn,
	}
}

func (f *fixture) do(t *testing.T, user domain.UserID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		token, err := f.authn.Mint(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func (f *fixture) createGuild(t *testing.T, user domain.UserID, name string) domain.GuildID {
	t.Helper()
	w := f.do(t, user, http.MethodPost, "/api/guilds", gin.H{"name": name})
	require.Equal(t, http.StatusOK, w.Code)
	var g domain.Guild
	decode(t, w, &g)
	return g.ID
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "", http.MethodPost, "/api/guilds", gin.H{"name": "g"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMintTokenAuthenticatesRequests(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "", http.MethodPost, "/api/auth/token", gin.H{"user_id": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)

	req := httptest.NewRequest(http.MethodPost, "/api/guilds", bytes.NewBufferString(`{"name":"g"}`))
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateChannelValidation(t *testing.T) {
	f := newFixture(t)
	alice := domain.UserID("alice")
	guild := f.createGuild(t, alice, "dev")

	cases := []struct {
		name     string
		user     domain.UserID
		chanName string
		code     int
		errCode  string
	}{
		{"valid", alice, "general", http.StatusOK, ""},
		{"non member", domain.UserID("mallory"), "general", http.StatusForbidden, "access_denied"},
		{"empty name", alice, "", http.StatusBadRequest, "invalid_body"},
		{"name too long", alice, "abcdefghijklmnopq", http.StatusBadRequest, "invalid_name"},
		{"non printable name", alice, "bad\tname", http.StatusBadRequest, "invalid_name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, tc.user, http.MethodPost, "/api/guilds/"+string(guild)+"/channels", gin.H{"name": tc.chanName})
			assert.Equal(t, tc.code, w.Code)
			if tc.errCode != "" {
				var resp struct {
					Error string `json:"error"`
				}
				decode(t, w, &resp)
				assert.Equal(t, tc.errCode, resp.Error)
			}
		})
	}
}

func TestCreateChannelNotifiesGuild(t *testing.T) {
	f := newFixture(t)
	alice := domain.UserID("alice")
	guild := f.createGuild(t, alice, "dev")

	sink := newRecordingSink()
	sub := f.api.Events.Register("watcher", sink)
	f.api.Events.Subscribe(sub, pubsub.GuildTopic(guild))

	w := f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels", gin.H{"name": "general"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ID domain.ChannelID `json:"id"`
	}
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.ID)

	require.Len(t, sink.frames, 1)
	var ev struct {
		Op string `json:"op"`
	}
	require.NoError(t, json.Unmarshal(<-sink.frames, &ev))
	assert.Equal(t, pubsub.OpChannelListUpdate, ev.Op)
}

func TestTypingRequiresTextChannelMembership(t *testing.T) {
	f := newFixture(t)
	alice := domain.UserID("alice")
	guild := f.createGuild(t, alice, "dev")

	w := f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels", gin.H{"name": "general"})
	require.Equal(t, http.StatusOK, w.Code)
	var text struct {
		ID domain.ChannelID `json:"id"`
	}
	decode(t, w, &text)

	w = f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels", gin.H{"name": "lounge", "type": "voice"})
	require.Equal(t, http.StatusOK, w.Code)
	var vc struct {
		ID domain.ChannelID `json:"id"`
	}
	decode(t, w, &vc)

	sink := newRecordingSink()
	sub := f.api.Events.Register("watcher", sink)
	f.api.Events.Subscribe(sub, pubsub.ChannelTopic(text.ID))

	w = f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels/"+string(text.ID)+"/typing", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, sink.frames, 1)

	// Typing is a text channel affordance.
	w = f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels/"+string(vc.ID)+"/typing", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, domain.UserID("mallory"), http.MethodPost, "/api/guilds/"+string(guild)+"/channels/"+string(text.ID)+"/typing", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListChannelsRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice := domain.UserID("alice")
	guild := f.createGuild(t, alice, "dev")
	f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels", gin.H{"name": "general"})

	w := f.do(t, alice, http.MethodGet, "/api/guilds/"+string(guild)+"/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Channels []domain.Channel `json:"channels"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Channels, 1)

	w = f.do(t, domain.UserID("mallory"), http.MethodGet, "/api/guilds/"+string(guild)+"/channels", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestJoinGuildThenVoiceChannel(t *testing.T) {
	f := newFixture(t)
	alice, bob := domain.UserID("alice"), domain.UserID("bob")
	guild := f.createGuild(t, alice, "dev")

	w := f.do(t, alice, http.MethodPost, "/api/guilds/"+string(guild)+"/channels", gin.H{"name": "lounge", "type": "voice"})
	require.Equal(t, http.StatusOK, w.Code)
	var vc struct {
		ID domain.ChannelID `json:"id"`
	}
	decode(t, w, &vc)

	// Bob cannot join voice before joining the guild.
	w = f.do(t, bob, http.MethodPost, "/api/guilds/"+string(guild)+"/channels/"+string(vc.ID)+"/voice/join", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, bob, http.MethodPost, "/api/guilds/"+string(guild)+"/join", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, bob, http.MethodPost, "/api/guilds/"+string(guild)+"/channels/"+string(vc.ID)+"/voice/join", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ch, ok := f.api.Voice.ChannelOf(bob)
	require.True(t, ok)
	assert.Equal(t, vc.ID, ch)

	w = f.do(t, bob, http.MethodPost, "/api/voice/leave", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok = f.api.Voice.ChannelOf(bob)
	assert.False(t, ok)
}

func TestVoiceErrorMapping(t *testing.T) {
	f := newFixture(t)
	alice := domain.UserID("alice")

	// No transport created yet.
	w := f.do(t, alice, http.MethodPost, "/api/voice/produce", gin.H{"kind": "audio"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp struct {
		Error string `json:"error"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "transport_not_created", resp.Error)

	w = f.do(t, alice, http.MethodPost, "/api/voice/consume", gin.H{"producer_id": "p"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, alice, http.MethodDelete, "/api/voice/producers/p", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, alice, http.MethodPost, "/api/voice/transports", gin.H{"direction": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// recordingSink buffers pubsub frames for assertions.
type recordingSink struct {
	frames chan core.Frame
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(chan core.Frame, 16)}
}

func (s *recordingSink) TrySend(f core.Frame) error {
	select {
	case s.frames <- f:
		return nil
	default:
		return errors.New("full")
	}
}

func (s *recordingSink) Close() {}
