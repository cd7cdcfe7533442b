package domain

type ChannelID string

type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
)

type Channel struct {
	ID      ChannelID   `json:"id"`
	GuildID GuildID     `json:"guild_id"`
	Name    string      `json:"name"`
	Kind    ChannelKind `json:"type"`
}

// MediaKind is the kind of a single media stream within a voice channel.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}
