package core

import (
	"context"

	"github.com/zling/backend/internal/domain"
)

// Store is the persistence boundary. The realtime core treats the permission
// checks as opaque oracles and re-checks them per privileged operation.
type Store interface {
	CreateGuild(ctx context.Context, name string, creator domain.UserID) (domain.Guild, error)
	AddGuildMember(ctx context.Context, guild domain.GuildID, user domain.UserID) error
	IsUserInGuild(ctx context.Context, user domain.UserID, guild domain.GuildID) (bool, error)
	CanUserSendMessageIn(ctx context.Context, user domain.UserID, guild domain.GuildID, channel domain.ChannelID) (bool, error)
	CreateChannel(ctx context.Context, guild domain.GuildID, name string, kind domain.ChannelKind) (domain.Channel, error)
	ChannelsOfGuild(ctx context.Context, guild domain.GuildID) ([]domain.Channel, error)
	GuildsOfUser(ctx context.Context, user domain.UserID) ([]domain.GuildID, error)
}

// Authenticator verifies request credentials and yields the user identity.
type Authenticator interface {
	Mint(user domain.UserID) (string, error)
	Verify(token string) (domain.UserID, error)
}
