package bot

import (
	"context"

	"sentinel-modlog/internal/actionlog"
	"sentinel-modlog/internal/analytics"
	"sentinel-modlog/internal/auditlog"
	"sentinel-modlog/internal/config"
	"sentinel-modlog/internal/modules/modlog"
	"sentinel-modlog/internal/modules/moderation"
	"sentinel-modlog/internal/notify"
	"sentinel-modlog/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *storage.Store
	actions    *actionlog.Service
	analytics  *analytics.Service
	session    *discordgo.Session
	registry   *auditlog.Registry
	single     *auditlog.SingleCorrelator
	bulk       *auditlog.BulkCorrelator
	modlog     *modlog.Module
	moderation *moderation.Module
	messages   *MessageCache
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, actions *actionlog.Service, analyticsEngine *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsMessageContent
	session.State.TrackMembers = true

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		actions:   actions,
		analytics: analyticsEngine,
		session:   session,
		messages:  NewMessageCache(cfg.AuditLog.MessageCacheSize),
	}

	source := auditlog.NewSessionSource(session)
	correlatorCfg := auditlog.CorrelatorConfig{
		Freshness:  cfg.AuditLog.Freshness(),
		FetchLimit: cfg.AuditLog.FetchLimit,
		CacheSize:  cfg.AuditLog.CacheSize,
	}
	b.registry = auditlog.NewRegistry(cfg.AuditLog.PredicateTimeout(), logger)
	b.single = auditlog.NewSingleCorrelator(source, b.registry, correlatorCfg, logger)
	b.bulk = auditlog.NewBulkCorrelator(source, b.registry, b.single, correlatorCfg, logger)

	poster := notify.NewSessionPoster(session)
	b.modlog = modlog.New(b.registry, b.guildSettings, poster, cfg.Notifications.EmbedColors, logger)
	b.modlog.Register()
	b.moderation = moderation.New(actions, source, b.guildSettings, poster, cfg.Notifications.EmbedColors, logger)

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageUpdate)
	b.session.AddHandler(b.onMessageDelete)
	b.session.AddHandler(b.onMessageDeleteBulk)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildBanRemove)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	return b.registerCommands()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	b.modlog.Unregister()
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.GuildID == "" {
		return
	}
	b.messages.Add(msg.Message)
}

func (b *Bot) onMessageUpdate(session *discordgo.Session, msg *discordgo.MessageUpdate) {
	if msg.GuildID == "" {
		return
	}
	b.messages.Update(msg.Message)
}

func (b *Bot) onMessageDelete(session *discordgo.Session, event *discordgo.MessageDelete) {
	if event.Message == nil {
		return
	}
	ctx := context.Background()
	deleted := deletedFromEvent(event.Message, event.BeforeDelete, b.messages)
	b.single.Handle(ctx, deleted)
}

func (b *Bot) onMessageDeleteBulk(session *discordgo.Session, event *discordgo.MessageDeleteBulk) {
	ctx := context.Background()
	b.bulk.Handle(ctx, auditlog.BulkDeletion{
		GuildID:   event.GuildID,
		ChannelID: event.ChannelID,
		Messages:  deletedFromIDs(event.Messages, event.ChannelID, event.GuildID, b.messages),
	})
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	ctx := context.Background()
	cached := b.messages.TakeChannel(event.Channel.ID)
	messages := make([]auditlog.DeletedMessage, 0, len(cached))
	for _, msg := range cached {
		messages = append(messages, withGuild(msg, event.Channel.GuildID))
	}
	b.bulk.HandleChannelDelete(ctx, auditlog.ChannelDeletion{
		GuildID:   event.Channel.GuildID,
		ChannelID: event.Channel.ID,
		Messages:  messages,
	})
}

func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	ctx := context.Background()
	b.moderation.HandleBan(ctx, event.GuildID, event.User)
}

func (b *Bot) onGuildBanRemove(session *discordgo.Session, event *discordgo.GuildBanRemove) {
	ctx := context.Background()
	b.moderation.HandleUnban(ctx, event.GuildID, event.User)
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil {
		return
	}
	ctx := context.Background()
	b.moderation.HandleMemberRemove(ctx, event.GuildID, event.User)
}

func (b *Bot) onGuildMemberUpdate(session *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if event.Member == nil {
		return
	}
	ctx := context.Background()
	b.moderation.HandleMemberUpdate(ctx, event.GuildID, event.BeforeUpdate, event.Member)
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:           guildID,
		ModlogChannel:     b.cfg.DefaultModlogChannel,
		MessageLogChannel: b.cfg.DefaultMessageLogChannel,
		LogMessageDelete:  true,
		LogBulkDelete:     true,
	}
	if b.store == nil {
		return defaults
	}
	settings, err := b.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		b.logger.Warn("guild settings fallback", zap.String("guild_id", guildID), zap.Error(err))
		return defaults
	}
	return settings
}
