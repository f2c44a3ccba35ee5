package bot

import (
	"sentinel-modlog/internal/auditlog"

	"github.com/bwmarrin/discordgo"
)

// deletedFromEvent rebuilds a deleted message from discordgo state or the
// message cache, falling back to a partial message.
func deletedFromEvent(event, before *discordgo.Message, cache *MessageCache) auditlog.DeletedMessage {
	cached, ok := cache.Take(event.ID)
	switch {
	case before != nil && before.Author != nil:
		return withGuild(before, event.GuildID)
	case ok:
		return withGuild(cached, event.GuildID)
	default:
		return auditlog.PartialMessage(event.ID, event.ChannelID, event.GuildID, "")
	}
}

func deletedFromIDs(ids []string, channelID, guildID string, cache *MessageCache) []auditlog.DeletedMessage {
	messages := make([]auditlog.DeletedMessage, 0, len(ids))
	for _, id := range ids {
		if cached, ok := cache.Take(id); ok {
			messages = append(messages, withGuild(cached, guildID))
			continue
		}
		messages = append(messages, auditlog.PartialMessage(id, channelID, guildID, ""))
	}
	return messages
}

// withGuild fills in the guild ID that gateway payloads of cached messages may
// lack.
func withGuild(msg *discordgo.Message, guildID string) auditlog.DeletedMessage {
	if msg.GuildID == "" && guildID != "" {
		copied := *msg
		copied.GuildID = guildID
		msg = &copied
	}
	return auditlog.FullMessage(msg)
}
