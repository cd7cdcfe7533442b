package domain

type GuildID string

type Guild struct {
	ID   GuildID `json:"id"`
	Name string  `json:"name"`
}
