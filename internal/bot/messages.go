package bot

import (
	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMessageCacheSize = 5000

// MessageCache keeps recent guild messages so deletions can be logged with
// their content. discordgo state drops bulk deleted messages before handlers
// run, so the bot keeps its own copy.
type MessageCache struct {
	messages *lru.Cache[string, *discordgo.Message]
}

func NewMessageCache(size int) *MessageCache {
	if size <= 0 {
		size = defaultMessageCacheSize
	}
	messages, err := lru.New[string, *discordgo.Message](size)
	if err != nil {
		panic(err)
	}
	return &MessageCache{messages: messages}
}

func (c *MessageCache) Add(msg *discordgo.Message) {
	if msg == nil || msg.ID == "" || msg.GuildID == "" {
		return
	}
	c.messages.Add(msg.ID, msg)
}

// Update merges an edit into the cached copy. Edits often omit the author, so
// known fields are kept when the update lacks them.
func (c *MessageCache) Update(msg *discordgo.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	prev, ok := c.messages.Peek(msg.ID)
	if !ok {
		c.Add(msg)
		return
	}
	merged := *msg
	if merged.Author == nil {
		merged.Author = prev.Author
	}
	if merged.GuildID == "" {
		merged.GuildID = prev.GuildID
	}
	if merged.ChannelID == "" {
		merged.ChannelID = prev.ChannelID
	}
	if merged.Timestamp.IsZero() {
		merged.Timestamp = prev.Timestamp
	}
	c.messages.Add(msg.ID, &merged)
}

// Take removes and returns a cached message.
func (c *MessageCache) Take(id string) (*discordgo.Message, bool) {
	msg, ok := c.messages.Peek(id)
	if ok {
		c.messages.Remove(id)
	}
	return msg, ok
}

// TakeChannel removes and returns every cached message of a channel, oldest
// first.
func (c *MessageCache) TakeChannel(channelID string) []*discordgo.Message {
	var out []*discordgo.Message
	for _, id := range c.messages.Keys() {
		msg, ok := c.messages.Peek(id)
		if !ok || msg.ChannelID != channelID {
			continue
		}
		c.messages.Remove(id)
		out = append(out, msg)
	}
	return out
}

func (c *MessageCache) Len() int {
	return c.messages.Len()
}
