package auditlog

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	kindSingle  = "single"
	kindBulk    = "bulk"
	kindChannel = "channel"
)

type Fetcher interface {
	FetchAuditLog(ctx context.Context, guildID string, action discordgo.AuditLogAction, limit int) ([]Entry, error)
}

type PermissionChecker interface {
	CanViewAuditLog(ctx context.Context, guildID string) bool
}

type Source interface {
	Fetcher
	PermissionChecker
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SessionSource reads audit logs and the bot's own guild permissions through a
// discordgo session.
type SessionSource struct {
	session *discordgo.Session
}

func NewSessionSource(session *discordgo.Session) *SessionSource {
	return &SessionSource{session: session}
}

func (s *SessionSource) FetchAuditLog(ctx context.Context, guildID string, action discordgo.AuditLogAction, limit int) ([]Entry, error) {
	_ = ctx
	if s.session == nil {
		return nil, errors.New("auditlog: no session")
	}
	log, err := s.session.GuildAuditLog(guildID, "", "", int(action), limit)
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, nil
	}
	entries := make([]Entry, 0, len(log.AuditLogEntries))
	for _, raw := range log.AuditLogEntries {
		if entry, ok := EntryFromDiscord(raw); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *SessionSource) CanViewAuditLog(ctx context.Context, guildID string) bool {
	_ = ctx
	if s.session == nil || s.session.State == nil || s.session.State.User == nil {
		return false
	}
	botID := s.session.State.User.ID

	guild, err := s.session.State.Guild(guildID)
	if err != nil || guild == nil {
		guild, err = s.session.Guild(guildID)
		if err != nil || guild == nil {
			return false
		}
	}
	if guild.OwnerID == botID {
		return true
	}

	member, err := s.session.State.Member(guildID, botID)
	if err != nil || member == nil {
		member, err = s.session.GuildMember(guildID, botID)
		if err != nil || member == nil {
			return false
		}
	}

	perms := MemberPermissions(guild, member)
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionViewAuditLogs != 0
}

// MemberPermissions folds the @everyone role and the member's roles into one
// guild-level permission set.
func MemberPermissions(guild *discordgo.Guild, member *discordgo.Member) int64 {
	if guild == nil || member == nil {
		return 0
	}
	perms := int64(0)
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		if role == nil {
			continue
		}
		if role.ID == guild.ID {
			perms |= role.Permissions
		}
		roleMap[role.ID] = role
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	return perms
}
