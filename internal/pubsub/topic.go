// Package pubsub is the in-process fan-out engine for live events.
//
// A Topic is an addressable broadcast scope; a Subscriber is one live
// connection with its own topic set and a bounded outbound queue. The Manager
// owns the reverse topic->subscriber index and delivers published events
// best-effort: a slow or closed subscriber never fails a publish.
package pubsub

import "github.com/zling/backend/internal/domain"

type topicKind uint8

const (
	topicGuild topicKind = iota
	topicChannel
	topicUser
)

// Topic is an opaque comparable broadcast key. Topics have no lifecycle of
// their own; one with no subscribers simply has no index entry.
type Topic struct {
	kind topicKind
	id   string
}

func GuildTopic(id domain.GuildID) Topic     { return Topic{kind: topicGuild, id: string(id)} }
func ChannelTopic(id domain.ChannelID) Topic { return Topic{kind: topicChannel, id: string(id)} }
func UserTopic(id domain.UserID) Topic       { return Topic{kind: topicUser, id: string(id)} }

func (t Topic) String() string {
	switch t.kind {
	case topicGuild:
		return "guild:" + t.id
	case topicChannel:
		return "channel:" + t.id
	default:
		return "user:" + t.id
	}
}
