package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinel-modlog/internal/actionlog"
	"sentinel-modlog/internal/modules/moderation"
	"sentinel-modlog/internal/notify"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

func options(opts []*discordgo.ApplicationCommandInteractionDataOption) optionMap {
	out := make(optionMap, len(opts))
	for _, opt := range opts {
		out[opt.Name] = opt
	}
	return out
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()
	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.errorEmbed(data.Name, "This command only works in a server."), true)
		return
	}

	switch data.Name {
	case "modlog":
		b.handleModlogCommand(ctx, session, interaction, data.Options)
	case "reason":
		b.handleReasonCommand(ctx, session, interaction, options(data.Options))
	case "history":
		b.handleHistoryCommand(ctx, session, interaction, options(data.Options))
	case "revert":
		b.handleRevertCommand(ctx, session, interaction, options(data.Options))
	case "modstats":
		b.handleStatsCommand(ctx, session, interaction, options(data.Options))
	}
}

func (b *Bot) handleModlogCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(opts) == 0 {
		b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "Choose a subcommand."), true)
		return
	}
	sub := opts[0]
	args := options(sub.Options)
	settings := b.guildSettings(ctx, interaction.GuildID)

	var fields []*discordgo.MessageEmbedField
	switch sub.Name {
	case "channel", "messages":
		opt := args["channel"]
		if opt == nil {
			b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "A channel is required."), true)
			return
		}
		channel := opt.ChannelValue(session)
		if channel == nil {
			b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "Unknown channel."), true)
			return
		}
		name := "Modlog channel"
		if sub.Name == "channel" {
			settings.ModlogChannel = channel.ID
		} else {
			settings.MessageLogChannel = channel.ID
			name = "Message log channel"
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: notify.ChannelMention(channel.ID), Inline: true})
	case "toggle":
		event, enabled := args["event"], args["enabled"]
		if event == nil || enabled == nil {
			b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "Both event and enabled are required."), true)
			return
		}
		switch event.StringValue() {
		case "message_delete":
			settings.LogMessageDelete = enabled.BoolValue()
		case "bulk_delete":
			settings.LogBulkDelete = enabled.BoolValue()
		default:
			b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "Unknown event."), true)
			return
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: event.StringValue(), Value: fmt.Sprintf("%t", enabled.BoolValue()), Inline: true})
	default:
		b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "Unknown subcommand."), true)
		return
	}

	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		b.logger.Warn("modlog settings update failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Modlog", "Failed to save settings."), true)
		return
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Modlog", "Settings updated.", b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) handleReasonCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, args optionMap) {
	ids, reason := args["ids"], args["reason"]
	if ids == nil || reason == nil {
		b.respondEmbed(session, interaction, b.errorEmbed("Reason", "Both ids and reason are required."), true)
		return
	}

	if !b.deferResponse(session, interaction, true) {
		return
	}
	embed := b.editReasons(ctx, interaction.GuildID, ids.StringValue(), reason.StringValue(), interactionUserID(interaction))
	b.editResponse(session, interaction, embed)
}

// editReasons runs a mass reason edit and builds the reply. It may issue one
// Discord message edit per case, so callers defer the interaction first.
func (b *Bot) editReasons(ctx context.Context, guildID, expr, reason, editorID string) *discordgo.MessageEmbed {
	results, err := b.actions.EditReasons(ctx, guildID, expr, reason, editorID)
	if err != nil {
		return b.errorEmbed("Reason", describeError(err))
	}
	return b.reasonReport(results)
}

func (b *Bot) reasonReport(results []actionlog.EditResult) *discordgo.MessageEmbed {
	var updated []int64
	var recordFailures, messageFailures []string
	for _, result := range results {
		if result.RecordErr != nil {
			recordFailures = append(recordFailures, fmt.Sprintf("#%d: %s", result.ActionID, describeError(result.RecordErr)))
			continue
		}
		updated = append(updated, result.ActionID)
		if result.MessageErr != nil {
			messageFailures = append(messageFailures, fmt.Sprintf("#%d: %v", result.ActionID, result.MessageErr))
		}
	}

	var fields []*discordgo.MessageEmbedField
	if len(updated) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Updated", Value: actionlog.CollapseSequence(updated)})
	}
	if len(recordFailures) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Failed to update the record", Value: notify.Truncate(strings.Join(recordFailures, "\n"), 1024)})
	}
	if len(messageFailures) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Failed to update the log message", Value: notify.Truncate(strings.Join(messageFailures, "\n"), 1024)})
	}

	color := b.cfg.Notifications.EmbedColors.Action
	if len(recordFailures) > 0 || len(messageFailures) > 0 {
		color = b.cfg.Notifications.EmbedColors.Warning
	}
	return b.commandEmbed("Reason", fmt.Sprintf("%d of %d cases updated.", len(updated), len(results)), color, fields)
}

func (b *Bot) handleHistoryCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, args optionMap) {
	actionID, ok := b.singleID(ctx, session, interaction, "History", args["id"])
	if !ok {
		return
	}
	page := 1
	if opt := args["page"]; opt != nil {
		page = int(opt.IntValue())
	}

	history, err := b.actions.History(ctx, interaction.GuildID, actionID, page)
	if err != nil {
		b.respondEmbed(session, interaction, b.errorEmbed("History", describeError(err)), true)
		return
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(history.Entries))
	for _, entry := range history.Entries {
		name := fmt.Sprintf("Version %d", entry.Version)
		if entry.Live() {
			name += " (live)"
		}
		reason := entry.Reason
		if reason == "" {
			reason = "No reason"
		}
		lines := []string{
			moderation.ActionLabel(entry.Action) + " " + notify.UserMention(entry.UserID),
			"Reason: " + notify.Truncate(reason, 200),
		}
		if entry.ReasonByID != "" {
			lines = append(lines, "Reason by "+notify.UserMention(entry.ReasonByID))
		}
		lines = append(lines, fmt.Sprintf("Written <t:%d:f>", entry.CreatedAt.Unix()))
		fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: strings.Join(lines, "\n")})
	}

	embed := b.commandEmbed(fmt.Sprintf("Case #%d history", actionID), fmt.Sprintf("%d versions", history.Total), b.cfg.Notifications.EmbedColors.Action, fields)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Page %d/%d", history.Page, history.Pages)}
	b.respondEmbed(session, interaction, embed, true)
}

func (b *Bot) handleRevertCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, args optionMap) {
	actionID, ok := b.singleID(ctx, session, interaction, "Revert", args["id"])
	if !ok {
		return
	}
	version := args["version"]
	if version == nil {
		b.respondEmbed(session, interaction, b.errorEmbed("Revert", "A version is required."), true)
		return
	}

	if !b.deferResponse(session, interaction, true) {
		return
	}
	b.editResponse(session, interaction, b.revert(ctx, interaction.GuildID, actionID, int(version.IntValue())))
}

func (b *Bot) revert(ctx context.Context, guildID string, actionID int64, version int) *discordgo.MessageEmbed {
	result, err := b.actions.Revert(ctx, guildID, actionID, version)
	if err != nil {
		b.logger.Warn("revert failed", zap.String("guild_id", guildID), zap.Int64("action_id", actionID), zap.Error(err))
		return b.errorEmbed("Revert", "Failed to update the record: "+describeError(err))
	}

	description := fmt.Sprintf("Case #%d now has the content of version %d as version %d.", actionID, version, result.Entry.Version)
	color := b.cfg.Notifications.EmbedColors.Action
	if result.MessageErr != nil {
		description += "\nFailed to update the log message."
		color = b.cfg.Notifications.EmbedColors.Warning
	}
	return b.commandEmbed("Revert", description, color, nil)
}

var statsPeriods = map[string]time.Duration{
	"day":   24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
}

func (b *Bot) handleStatsCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, args optionMap) {
	period := "week"
	if opt := args["period"]; opt != nil {
		period = opt.StringValue()
	}
	since := time.Time{}
	if window, ok := statsPeriods[period]; ok {
		since = time.Now().Add(-window)
	}

	report, err := b.analytics.Report(ctx, interaction.GuildID, since)
	if err != nil {
		b.logger.Warn("modstats failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Moderation stats", "Failed to load statistics."), true)
		return
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(report.ByAction))
	for _, action := range report.Actions() {
		fields = append(fields, &discordgo.MessageEmbedField{Name: moderation.ActionLabel(action), Value: fmt.Sprintf("%d", report.ByAction[action]), Inline: true})
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Moderation stats", fmt.Sprintf("%d cases (%s)", report.Total, period), b.cfg.Notifications.EmbedColors.Action, fields), true)
}

// singleID resolves an ID option that must select exactly one case.
func (b *Bot) singleID(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, title string, opt *discordgo.ApplicationCommandInteractionDataOption) (int64, bool) {
	if opt == nil {
		b.respondEmbed(session, interaction, b.errorEmbed(title, "A case id is required."), true)
		return 0, false
	}
	ids, err := b.actions.ResolveIDs(ctx, interaction.GuildID, opt.StringValue())
	if err != nil {
		b.respondEmbed(session, interaction, b.errorEmbed(title, describeError(err)), true)
		return 0, false
	}
	if len(ids) != 1 {
		b.respondEmbed(session, interaction, b.errorEmbed(title, "Select exactly one case."), true)
		return 0, false
	}
	return ids[0], true
}

func describeError(err error) string {
	var rangeErr *actionlog.RangeError
	switch {
	case errors.As(err, &rangeErr):
		return "Invalid IDs: " + rangeErr.Error()
	case errors.Is(err, actionlog.ErrNoLiveVersion), errors.Is(err, actionlog.ErrNotFound):
		return "Case not found."
	case errors.Is(err, actionlog.ErrVersionMissing):
		return "That version does not exist."
	default:
		return err.Error()
	}
}

func interactionUserID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return notify.Embed(title, description, color, fields)
}

func (b *Bot) errorEmbed(title, description string) *discordgo.MessageEmbed {
	return b.commandEmbed(title, description, b.cfg.Notifications.EmbedColors.Error, nil)
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

// deferResponse acknowledges the interaction so slow work can finish after
// Discord's reply window.
func (b *Bot) deferResponse(session *discordgo.Session, interaction *discordgo.InteractionCreate, ephemeral bool) bool {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	})
	if err != nil {
		b.logger.Warn("interaction defer failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		return false
	}
	return true
}

func (b *Bot) editResponse(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	embeds := []*discordgo.MessageEmbed{embed}
	if _, err := session.InteractionResponseEdit(interaction.Interaction, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		b.logger.Warn("interaction response edit failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
	}
}
