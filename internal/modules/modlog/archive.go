package modlog

import (
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"sentinel-modlog/internal/auditlog"
)

type Archive struct {
	GuildID        string            `json:"guild_id"`
	ChannelID      string            `json:"channel_id"`
	ChannelDeleted bool              `json:"channel_deleted"`
	DeletedBy      string            `json:"deleted_by,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Count          int               `json:"count"`
	Messages       []ArchivedMessage `json:"messages"`
	Users          []ArchivedUser    `json:"users"`
	Roles          []string          `json:"roles"`
	Channels       []ArchivedChannel `json:"channels"`
}

type ArchivedMessage struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	AuthorID    string    `json:"author_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Content     string    `json:"content,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Mentions    []string  `json:"mentions,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Channels    []string  `json:"channels,omitempty"`
}

type ArchivedChannel struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// channelMention matches <#id> in message content. Discord only fills
// mention_channels for crossposted messages.
var channelMention = regexp.MustCompile(`<#(\d+)>`)

type ArchivedUser struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

// NewArchive orders the batch oldest first and collects every author,
// mentioned user, role and channel that was cached. The channel the batch was
// deleted from is always listed.
func NewArchive(res auditlog.ResolvedBulkDeletion) Archive {
	archive := Archive{
		GuildID:        res.GuildID,
		ChannelID:      res.ChannelID,
		ChannelDeleted: res.ChannelDeleted,
		Count:          len(res.Messages),
		Messages:       make([]ArchivedMessage, 0, len(res.Messages)),
		Users:          []ArchivedUser{},
		Roles:          []string{},
		Channels:       []ArchivedChannel{},
	}
	if res.Entry != nil {
		archive.DeletedBy = res.Entry.ExecutorID
		archive.Reason = res.Entry.Reason
	}

	users := make(map[string]ArchivedUser)
	addUser := func(id, username string, bot bool) {
		if id == "" {
			return
		}
		if existing, ok := users[id]; ok && existing.Username != "" {
			return
		}
		users[id] = ArchivedUser{ID: id, Username: username, Bot: bot}
	}

	roles := make(map[string]struct{})
	channels := make(map[string]ArchivedChannel)
	addChannel := func(id, name string) {
		if id == "" {
			return
		}
		if existing, ok := channels[id]; ok && existing.Name != "" {
			return
		}
		channels[id] = ArchivedChannel{ID: id, Name: name}
	}
	addChannel(res.ChannelID, "")

	for _, msg := range res.Messages {
		item := ArchivedMessage{
			ID:        msg.ID,
			Kind:      msg.Kind().String(),
			AuthorID:  msg.AuthorID,
			CreatedAt: msg.CreatedAt.UTC(),
		}
		addUser(msg.AuthorID, "", false)
		if raw := msg.Message; raw != nil {
			item.Content = raw.Content
			for _, attachment := range raw.Attachments {
				if attachment != nil {
					item.Attachments = append(item.Attachments, attachment.URL)
				}
			}
			if raw.Author != nil {
				addUser(raw.Author.ID, raw.Author.Username, raw.Author.Bot)
			}
			for _, mention := range raw.Mentions {
				if mention == nil {
					continue
				}
				item.Mentions = append(item.Mentions, mention.ID)
				addUser(mention.ID, mention.Username, mention.Bot)
			}
			for _, roleID := range raw.MentionRoles {
				if roleID == "" {
					continue
				}
				item.Roles = append(item.Roles, roleID)
				roles[roleID] = struct{}{}
			}
			mentioned := make(map[string]struct{})
			for _, channel := range raw.MentionChannels {
				if channel == nil {
					continue
				}
				mentioned[channel.ID] = struct{}{}
				item.Channels = append(item.Channels, channel.ID)
				addChannel(channel.ID, channel.Name)
			}
			for _, match := range channelMention.FindAllStringSubmatch(raw.Content, -1) {
				if _, ok := mentioned[match[1]]; ok {
					continue
				}
				mentioned[match[1]] = struct{}{}
				item.Channels = append(item.Channels, match[1])
				addChannel(match[1], "")
			}
		}
		archive.Messages = append(archive.Messages, item)
	}

	sort.SliceStable(archive.Messages, func(i, j int) bool {
		return archive.Messages[i].CreatedAt.Before(archive.Messages[j].CreatedAt)
	})
	for _, user := range users {
		archive.Users = append(archive.Users, user)
	}
	sort.Slice(archive.Users, func(i, j int) bool { return archive.Users[i].ID < archive.Users[j].ID })
	for id := range roles {
		archive.Roles = append(archive.Roles, id)
	}
	sort.Strings(archive.Roles)
	for _, channel := range channels {
		archive.Channels = append(archive.Channels, channel)
	}
	sort.Slice(archive.Channels, func(i, j int) bool { return archive.Channels[i].ID < archive.Channels[j].ID })
	return archive
}

func BuildArchive(res auditlog.ResolvedBulkDeletion) ([]byte, error) {
	return json.MarshalIndent(NewArchive(res), "", "  ")
}
