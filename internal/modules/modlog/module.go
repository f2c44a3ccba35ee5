package modlog

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"sentinel-modlog/internal/auditlog"
	"sentinel-modlog/internal/config"
	"sentinel-modlog/internal/notify"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	ArchiveName    = "deleted-messages.json"
	maxContentSize = 1024
)

// Module posts message delete and bulk delete logs, attributed through the
// audit-log correlators when the guild has a message log channel.
type Module struct {
	mu       sync.Mutex
	registry *auditlog.Registry
	settings notify.SettingsFunc
	poster   notify.Poster
	colors   config.EmbedColors
	logger   *zap.Logger
	subs     []subscription
}

type subscription struct {
	id       auditlog.Subscription
	listener bool
	bulk     bool
}

func New(registry *auditlog.Registry, settings notify.SettingsFunc, poster notify.Poster, colors config.EmbedColors, logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{
		registry: registry,
		settings: settings,
		poster:   poster,
		colors:   colors,
		logger:   logger,
	}
}

func (m *Module) Register() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) > 0 {
		return
	}
	m.subs = append(m.subs,
		subscription{id: m.registry.RegisterSingle(m.wantsSingle)},
		subscription{id: m.registry.RegisterBulk(m.wantsBulk), bulk: true},
		subscription{id: m.registry.OnMessageDelete(m.onMessageDelete), listener: true},
		subscription{id: m.registry.OnMessageBulkDelete(m.onMessageBulkDelete), listener: true},
	)
}

func (m *Module) Unregister() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		switch {
		case sub.listener:
			m.registry.RemoveListener(sub.id)
		case sub.bulk:
			m.registry.UnregisterBulk(sub.id)
		default:
			m.registry.UnregisterSingle(sub.id)
		}
	}
	m.subs = nil
}

func (m *Module) wantsSingle(ctx context.Context, msg auditlog.DeletedMessage) bool {
	_, ok := m.logChannel(ctx, msg.GuildID, false)
	return ok
}

func (m *Module) wantsBulk(ctx context.Context, msgs []auditlog.DeletedMessage, channelID string) bool {
	if len(msgs) == 0 {
		return false
	}
	_, ok := m.logChannel(ctx, msgs[0].GuildID, true)
	return ok
}

func (m *Module) logChannel(ctx context.Context, guildID string, bulk bool) (string, bool) {
	if guildID == "" {
		return "", false
	}
	settings := m.settings(ctx, guildID)
	if settings.MessageLogChannel == "" {
		return "", false
	}
	if bulk && !settings.LogBulkDelete {
		return "", false
	}
	if !bulk && !settings.LogMessageDelete {
		return "", false
	}
	return settings.MessageLogChannel, true
}

func (m *Module) onMessageDelete(ctx context.Context, res auditlog.ResolvedDeletion) {
	msg := res.Message
	channelID, ok := m.logChannel(ctx, msg.GuildID, false)
	if !ok || msg.ChannelID == channelID {
		return
	}
	if msg.Message != nil && msg.Message.Author != nil && msg.Message.Author.Bot {
		return
	}

	embed := m.deleteEmbed(res)
	if _, err := m.poster.SendEmbed(channelID, embed); err != nil {
		m.logger.Warn("message delete log failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
	}
}

func (m *Module) deleteEmbed(res auditlog.ResolvedDeletion) *discordgo.MessageEmbed {
	msg := res.Message
	fields := []*discordgo.MessageEmbedField{
		{Name: "Author", Value: notify.UserMention(msg.AuthorID), Inline: true},
		{Name: "Channel", Value: notify.ChannelMention(msg.ChannelID), Inline: true},
	}
	if res.Entry != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Deleted by", Value: notify.UserMention(res.Entry.ExecutorID), Inline: true})
		if res.Entry.Reason != "" {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: notify.Truncate(res.Entry.Reason, maxContentSize)})
		}
	}

	var description string
	switch msg.Kind() {
	case auditlog.MessageFull:
		description = msg.Message.Content
		if description == "" {
			description = "No text content."
		}
		if count := len(msg.Message.Attachments); count > 0 {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Attachments", Value: fmt.Sprintf("%d", count), Inline: true})
		}
	default:
		description = "Message content was not cached."
	}

	embed := notify.Embed("Message deleted", notify.Truncate(description, maxContentSize), m.colors.Warning, fields)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Message " + msg.ID}
	return embed
}

func (m *Module) onMessageBulkDelete(ctx context.Context, res auditlog.ResolvedBulkDeletion) {
	channelID, ok := m.logChannel(ctx, res.GuildID, true)
	if !ok || (!res.ChannelDeleted && res.ChannelID == channelID) {
		return
	}

	data, err := BuildArchive(res)
	if err != nil {
		m.logger.Warn("bulk delete archive failed", zap.String("guild_id", res.GuildID), zap.Error(err))
		return
	}
	files := []*discordgo.File{{
		Name:        ArchiveName,
		ContentType: "application/json",
		Reader:      bytes.NewReader(data),
	}}
	if _, err := m.poster.SendFiles(channelID, m.bulkEmbed(res), files); err != nil {
		m.logger.Warn("bulk delete log failed", zap.String("guild_id", res.GuildID), zap.Error(err))
	}
}

func (m *Module) bulkEmbed(res auditlog.ResolvedBulkDeletion) *discordgo.MessageEmbed {
	title := fmt.Sprintf("%d messages deleted", len(res.Messages))
	if res.ChannelDeleted {
		title = "Channel deleted"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Channel", Value: notify.ChannelMention(res.ChannelID), Inline: true},
		{Name: "Messages", Value: fmt.Sprintf("%d", len(res.Messages)), Inline: true},
	}
	if res.Entry != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Deleted by", Value: notify.UserMention(res.Entry.ExecutorID), Inline: true})
		if res.Entry.Reason != "" {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: notify.Truncate(res.Entry.Reason, maxContentSize)})
		}
	}
	return notify.Embed(title, "The deleted messages are attached.", m.colors.Warning, fields)
}
