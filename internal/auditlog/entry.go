package auditlog

import (
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Entry is the last-seen state of one Discord audit-log entry.
type Entry struct {
	ID         string
	Action     discordgo.AuditLogAction
	TargetID   string
	ExecutorID string
	Reason     string
	ChannelID  string
	Count      int
	CreatedAt  time.Time
}

// EntryFromDiscord converts a raw audit-log entry. Count defaults to 1 when
// Discord omits it.
func EntryFromDiscord(raw *discordgo.AuditLogEntry) (Entry, bool) {
	if raw == nil || raw.ID == "" {
		return Entry{}, false
	}
	entry := Entry{
		ID:         raw.ID,
		TargetID:   raw.TargetID,
		ExecutorID: raw.UserID,
		Reason:     raw.Reason,
		Count:      1,
	}
	if raw.ActionType != nil {
		entry.Action = *raw.ActionType
	}
	if raw.Options != nil {
		entry.ChannelID = raw.Options.ChannelID
		if raw.Options.Count != "" {
			if count, err := strconv.Atoi(raw.Options.Count); err == nil {
				entry.Count = count
			}
		}
	}
	if ts, err := discordgo.SnowflakeTimestamp(raw.ID); err == nil {
		entry.CreatedAt = ts
	}
	return entry, true
}

type Outcome string

const (
	OutcomeSkippedIneligible Outcome = "skipped_ineligible"
	OutcomeSkippedPermission Outcome = "skipped_permission"
	OutcomeSkippedNoInterest Outcome = "skipped_no_interest"
	OutcomeFetchFailed       Outcome = "fetch_failed"
	OutcomeUnmatched         Outcome = "unmatched"
	OutcomeMatched           Outcome = "matched"
)

// Attempted reports whether an audit-log lookup was made.
func (o Outcome) Attempted() bool {
	switch o {
	case OutcomeFetchFailed, OutcomeUnmatched, OutcomeMatched:
		return true
	default:
		return false
	}
}

type MessageKind int

const (
	MessageFull MessageKind = iota + 1
	MessagePartialKnownAuthor
	MessagePartialUnknownAuthor
)

func (k MessageKind) String() string {
	switch k {
	case MessageFull:
		return "full"
	case MessagePartialKnownAuthor:
		return "partial_known_author"
	case MessagePartialUnknownAuthor:
		return "partial_unknown_author"
	default:
		return "unknown"
	}
}

// DeletedMessage is a deleted message as far as the bot knows it. Only full
// messages carry the original *discordgo.Message.
type DeletedMessage struct {
	kind      MessageKind
	ID        string
	ChannelID string
	GuildID   string
	AuthorID  string
	CreatedAt time.Time
	Message   *discordgo.Message
}

func FullMessage(msg *discordgo.Message) DeletedMessage {
	if msg.Author == nil {
		return PartialMessage(msg.ID, msg.ChannelID, msg.GuildID, "")
	}
	created := msg.Timestamp
	if created.IsZero() {
		created = snowflakeTime(msg.ID)
	}
	return DeletedMessage{
		kind:      MessageFull,
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		AuthorID:  msg.Author.ID,
		CreatedAt: created,
		Message:   msg,
	}
}

func PartialMessage(id, channelID, guildID, authorID string) DeletedMessage {
	kind := MessagePartialKnownAuthor
	if authorID == "" {
		kind = MessagePartialUnknownAuthor
	}
	return DeletedMessage{
		kind:      kind,
		ID:        id,
		ChannelID: channelID,
		GuildID:   guildID,
		AuthorID:  authorID,
		CreatedAt: snowflakeTime(id),
	}
}

func (m DeletedMessage) Kind() MessageKind {
	return m.kind
}

type ResolvedDeletion struct {
	Message DeletedMessage
	Entry   *Entry
	Outcome Outcome
}

type ResolvedBulkDeletion struct {
	GuildID        string
	ChannelID      string
	ChannelDeleted bool
	Messages       []DeletedMessage
	Entry          *Entry
	Outcome        Outcome
}

func snowflakeTime(id string) time.Time {
	ts, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Time{}
	}
	return ts
}
