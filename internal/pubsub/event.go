package pubsub

import "github.com/zling/backend/internal/domain"

// Event is the envelope delivered over a live connection.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
}

// Server -> client operations.
const (
	OpChannelListUpdate = "channel_list_update"
	OpTyping            = "typing"
	OpProducerAdded     = "producer_added"
	OpProducerRemoved   = "producer_removed"
	OpVoiceJoined       = "voice_joined"
	OpVoiceLeft         = "voice_left"
)

type ChannelListUpdateData struct {
	GuildID domain.GuildID `json:"guild_id"`
}

type TypingData struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	User      domain.User      `json:"user"`
}

type ProducerAddedData struct {
	ChannelID  domain.ChannelID `json:"channel_id"`
	ProducerID string           `json:"producer_id"`
	UserID     domain.UserID    `json:"user_id"`
	Kind       domain.MediaKind `json:"kind"`
}

type ProducerRemovedData struct {
	ChannelID  domain.ChannelID `json:"channel_id"`
	ProducerID string           `json:"producer_id"`
}

type VoiceStateData struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	UserID    domain.UserID    `json:"user_id"`
}
