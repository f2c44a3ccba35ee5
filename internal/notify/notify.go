package notify

import (
	"context"
	"errors"
	"time"

	"sentinel-modlog/internal/storage"

	"github.com/bwmarrin/discordgo"
)

var ErrNoSession = errors.New("notify: no discord session")

// SettingsFunc returns the settings of a guild, falling back to defaults.
type SettingsFunc func(ctx context.Context, guildID string) storage.GuildSettings

// Poster is the part of the Discord REST API the feature modules post through.
type Poster interface {
	SendEmbed(channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error)
	SendFiles(channelID string, embed *discordgo.MessageEmbed, files []*discordgo.File) (*discordgo.Message, error)
	EditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed) error
}

type SessionPoster struct {
	session *discordgo.Session
}

func NewSessionPoster(session *discordgo.Session) *SessionPoster {
	return &SessionPoster{session: session}
}

func (p *SessionPoster) SendEmbed(channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	if p.session == nil {
		return nil, ErrNoSession
	}
	return p.session.ChannelMessageSendEmbed(channelID, embed)
}

func (p *SessionPoster) SendFiles(channelID string, embed *discordgo.MessageEmbed, files []*discordgo.File) (*discordgo.Message, error) {
	if p.session == nil {
		return nil, ErrNoSession
	}
	send := &discordgo.MessageSend{Files: files}
	if embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{embed}
	}
	return p.session.ChannelMessageSendComplex(channelID, send)
}

func (p *SessionPoster) EditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed) error {
	if p.session == nil {
		return ErrNoSession
	}
	_, err := p.session.ChannelMessageEditEmbed(channelID, messageID, embed)
	return err
}

// Embed builds the embed shape every log message shares.
func Embed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

// Truncate cuts value to max runes, marking the cut with an ellipsis.
func Truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func UserMention(id string) string {
	if id == "" {
		return "Unknown"
	}
	return "<@" + id + ">"
}

func ChannelMention(id string) string {
	if id == "" {
		return "Unknown"
	}
	return "<#" + id + ">"
}
