// Package storage provides the in-memory implementation of core.Store.
// Persistence behind a real database is a deployment concern; the realtime
// core only ever sees the Store interface.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/zling/backend/internal/domain"
)

var ErrGuildNotFound = errors.New("guild not found")

type guildRec struct {
	guild    domain.Guild
	members  map[domain.UserID]struct{}
	channels map[domain.ChannelID]domain.Channel
}

type Memory struct {
	mu     sync.RWMutex
	guilds map[domain.GuildID]*guildRec
}

func NewMemory() *Memory {
	return &Memory{guilds: make(map[domain.GuildID]*guildRec)}
}

func (m *Memory) CreateGuild(_ context.Context, name string, creator domain.UserID) (domain.Guild, error) {
	g := domain.Guild{ID: domain.GuildID(uuid.NewString()), Name: name}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[g.ID] = &guildRec{
		guild:    g,
		members:  map[domain.UserID]struct{}{creator: {}},
		channels: make(map[domain.ChannelID]domain.Channel),
	}
	return g, nil
}

func (m *Memory) AddGuildMember(_ context.Context, guild domain.GuildID, user domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.guilds[guild]
	if !ok {
		return ErrGuildNotFound
	}
	rec.members[user] = struct{}{}
	return nil
}

func (m *Memory) IsUserInGuild(_ context.Context, user domain.UserID, guild domain.GuildID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.guilds[guild]
	if !ok {
		return false, nil
	}
	_, ok = rec.members[user]
	return ok, nil
}

// CanUserSendMessageIn requires guild membership and an existing text
// channel in that guild.
func (m *Memory) CanUserSendMessageIn(_ context.Context, user domain.UserID, guild domain.GuildID, channel domain.ChannelID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.guilds[guild]
	if !ok {
		return false, nil
	}
	if _, ok := rec.members[user]; !ok {
		return false, nil
	}
	ch, ok := rec.channels[channel]
	return ok && ch.Kind == domain.ChannelText, nil
}

func (m *Memory) CreateChannel(_ context.Context, guild domain.GuildID, name string, kind domain.ChannelKind) (domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.guilds[guild]
	if !ok {
		return domain.Channel{}, ErrGuildNotFound
	}
	ch := domain.Channel{
		ID:      domain.ChannelID(uuid.NewString()),
		GuildID: guild,
		Name:    name,
		Kind:    kind,
	}
	rec.channels[ch.ID] = ch
	return ch, nil
}

func (m *Memory) ChannelsOfGuild(_ context.Context, guild domain.GuildID) ([]domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.guilds[guild]
	if !ok {
		return nil, ErrGuildNotFound
	}
	out := make([]domain.Channel, 0, len(rec.channels))
	for _, ch := range rec.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (m *Memory) GuildsOfUser(_ context.Context, user domain.UserID) ([]domain.GuildID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.GuildID
	for id, rec := range m.guilds {
		if _, ok := rec.members[user]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}
