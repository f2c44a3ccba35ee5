package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinel-modlog/internal/actionlog"
	"sentinel-modlog/internal/auditlog"
	"sentinel-modlog/internal/config"
	"sentinel-modlog/internal/notify"
	"sentinel-modlog/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	actorFreshness = 30 * time.Second
	actorLookup    = 5
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Module records moderation actions seen on the gateway as new cases and
// keeps their modlog messages in sync with the live version.
type Module struct {
	actions  *actionlog.Service
	audit    auditlog.Fetcher
	settings notify.SettingsFunc
	poster   notify.Poster
	colors   config.EmbedColors
	clock    Clock
	logger   *zap.Logger
}

func New(actions *actionlog.Service, audit auditlog.Fetcher, settings notify.SettingsFunc, poster notify.Poster, colors config.EmbedColors, logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Module{
		actions:  actions,
		audit:    audit,
		settings: settings,
		poster:   poster,
		colors:   colors,
		clock:    realClock{},
		logger:   logger,
	}
	actions.WithEditor(m)
	return m
}

func (m *Module) WithClock(clock Clock) {
	m.clock = clock
}

func (m *Module) HandleBan(ctx context.Context, guildID string, user *discordgo.User) (storage.ActionLogEntry, bool) {
	if guildID == "" || user == nil {
		return storage.ActionLogEntry{}, false
	}
	actor, _ := m.resolveActor(ctx, guildID, discordgo.AuditLogActionMemberBanAdd, user.ID)
	return m.record(ctx, guildID, storage.ActionBan, user.ID, actor)
}

func (m *Module) HandleUnban(ctx context.Context, guildID string, user *discordgo.User) (storage.ActionLogEntry, bool) {
	if guildID == "" || user == nil {
		return storage.ActionLogEntry{}, false
	}
	actor, _ := m.resolveActor(ctx, guildID, discordgo.AuditLogActionMemberBanRemove, user.ID)
	return m.record(ctx, guildID, storage.ActionUnban, user.ID, actor)
}

// HandleMemberRemove records a kick when a fresh kick entry targets the member.
// Plain leaves and bans produce no kick entry.
func (m *Module) HandleMemberRemove(ctx context.Context, guildID string, user *discordgo.User) (storage.ActionLogEntry, bool) {
	if guildID == "" || user == nil {
		return storage.ActionLogEntry{}, false
	}
	actor, ok := m.resolveActor(ctx, guildID, discordgo.AuditLogActionMemberKick, user.ID)
	if !ok {
		return storage.ActionLogEntry{}, false
	}
	return m.record(ctx, guildID, storage.ActionKick, user.ID, actor)
}

// HandleMemberUpdate records timeouts by comparing the communication disabled
// deadline before and after the update.
func (m *Module) HandleMemberUpdate(ctx context.Context, guildID string, before, after *discordgo.Member) (storage.ActionLogEntry, bool) {
	if guildID == "" || before == nil || after == nil || after.User == nil {
		return storage.ActionLogEntry{}, false
	}
	now := m.clock.Now()
	wasTimedOut := timedOut(before, now)
	isTimedOut := timedOut(after, now)

	var action storage.Action
	switch {
	case isTimedOut && !wasTimedOut:
		action = storage.ActionTimeout
	case isTimedOut && wasTimedOut && !before.CommunicationDisabledUntil.Equal(*after.CommunicationDisabledUntil):
		action = storage.ActionTimeout
	case wasTimedOut && !isTimedOut:
		action = storage.ActionTimeoutRemoved
	default:
		return storage.ActionLogEntry{}, false
	}

	actor, _ := m.resolveActor(ctx, guildID, discordgo.AuditLogActionMemberUpdate, after.User.ID)
	return m.record(ctx, guildID, action, after.User.ID, actor)
}

func timedOut(member *discordgo.Member, now time.Time) bool {
	return member.CommunicationDisabledUntil != nil && member.CommunicationDisabledUntil.After(now)
}

type actor struct {
	id     string
	reason string
}

func (m *Module) resolveActor(ctx context.Context, guildID string, action discordgo.AuditLogAction, targetID string) (actor, bool) {
	if m.audit == nil {
		return actor{}, false
	}
	entries, err := m.audit.FetchAuditLog(ctx, guildID, action, actorLookup)
	if err != nil {
		m.logger.Debug("moderation audit fetch failed", zap.String("guild_id", guildID), zap.Error(err))
		return actor{}, false
	}
	now := m.clock.Now()
	for _, entry := range entries {
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		if now.Sub(entry.CreatedAt) > actorFreshness {
			continue
		}
		return actor{id: entry.ExecutorID, reason: entry.Reason}, true
	}
	return actor{}, false
}

func (m *Module) record(ctx context.Context, guildID string, action storage.Action, userID string, by actor) (storage.ActionLogEntry, bool) {
	entry, err := m.actions.Record(ctx, storage.ActionLogEntry{
		GuildID:     guildID,
		Action:      action,
		UserID:      userID,
		ModeratorID: by.id,
		Reason:      by.reason,
	})
	if err != nil {
		m.logger.Warn("failed to record moderation action", zap.String("guild_id", guildID), zap.String("action", string(action)), zap.Error(err))
		return storage.ActionLogEntry{}, false
	}

	channelID := m.settings(ctx, guildID).ModlogChannel
	if channelID == "" {
		return entry, true
	}
	msg, err := m.poster.SendEmbed(channelID, m.CaseEmbed(entry))
	if err != nil || msg == nil {
		m.logger.Warn("failed to log action to channel", zap.String("guild_id", guildID), zap.Int64("action_id", entry.ActionID), zap.Error(err))
		return entry, true
	}
	if err := m.actions.AttachMessage(ctx, guildID, entry.ActionID, channelID, msg.ID); err != nil {
		m.logger.Warn("failed to store case message", zap.String("guild_id", guildID), zap.Int64("action_id", entry.ActionID), zap.Error(err))
		return entry, true
	}
	entry.ChannelID = channelID
	entry.MessageID = msg.ID
	return entry, true
}

// EditActionMessage refreshes a posted case message after a new version.
func (m *Module) EditActionMessage(ctx context.Context, entry storage.ActionLogEntry) error {
	if entry.ChannelID == "" || entry.MessageID == "" {
		return errors.New("moderation: case has no posted message")
	}
	return m.poster.EditEmbed(entry.ChannelID, entry.MessageID, m.CaseEmbed(entry))
}

func (m *Module) CaseEmbed(entry storage.ActionLogEntry) *discordgo.MessageEmbed {
	reason := entry.Reason
	if reason == "" {
		reason = "No reason provided. Use /reason to set one."
	}
	moderator := "Unknown"
	if entry.ModeratorID != "" {
		moderator = notify.UserMention(entry.ModeratorID)
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: notify.UserMention(entry.UserID), Inline: true},
		{Name: "Moderator", Value: moderator, Inline: true},
		{Name: "Reason", Value: notify.Truncate(reason, 1024)},
	}
	if entry.ReasonByID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason set by", Value: notify.UserMention(entry.ReasonByID), Inline: true})
	}

	color := m.colors.Action
	if entry.Action == storage.ActionBan || entry.Action == storage.ActionKick {
		color = m.colors.Warning
	}
	embed := notify.Embed(fmt.Sprintf("Case #%d | %s", entry.ActionID, ActionLabel(entry.Action)), "", color, fields)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Version %d", entry.Version)}
	if !entry.CreatedAt.IsZero() {
		embed.Timestamp = entry.CreatedAt.UTC().Format(time.RFC3339)
	}
	return embed
}

func ActionLabel(action storage.Action) string {
	switch action {
	case storage.ActionTimeoutRemoved:
		return "Timeout removed"
	case "":
		return "Unknown"
	default:
		value := string(action)
		return strings.ToUpper(value[:1]) + value[1:]
	}
}
