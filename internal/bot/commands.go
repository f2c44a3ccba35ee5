package bot

import "github.com/bwmarrin/discordgo"

var moderatorPermissions = int64(discordgo.PermissionManageMessages)

var adminPermissions = int64(discordgo.PermissionManageServer)

func (b *Bot) registerCommands() error {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:                     "modlog",
			Description:              "Configure moderation logging",
			DefaultMemberPermissions: &adminPermissions,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Configurer les logs de moderation",
				discordgo.EnglishUS: "Configure moderation logging",
				discordgo.SpanishES: "Configurar los registros de moderacion",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "channel",
					Description: "Set the case log channel",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "Definir le salon des sanctions",
						discordgo.EnglishUS: "Set the case log channel",
						discordgo.SpanishES: "Definir canal de sanciones",
					},
					Options: []*discordgo.ApplicationCommandOption{channelOption()},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "messages",
					Description: "Set the deleted message log channel",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "Definir le salon des messages supprimes",
						discordgo.EnglishUS: "Set the deleted message log channel",
						discordgo.SpanishES: "Definir canal de mensajes eliminados",
					},
					Options: []*discordgo.ApplicationCommandOption{channelOption()},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "toggle",
					Description: "Enable or disable a message event",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "Activer ou desactiver un evenement",
						discordgo.EnglishUS: "Enable or disable a message event",
						discordgo.SpanishES: "Activar o desactivar un evento",
					},
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "event",
							Description: "message_delete or bulk_delete",
							Required:    true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "message_delete", Value: "message_delete"},
								{Name: "bulk_delete", Value: "bulk_delete"},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        "enabled",
							Description: "log this event",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:                     "reason",
			Description:              "Set the reason of one or more cases",
			DefaultMemberPermissions: &moderatorPermissions,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Definir la raison d'une ou plusieurs sanctions",
				discordgo.EnglishUS: "Set the reason of one or more cases",
				discordgo.SpanishES: "Definir el motivo de uno o varios casos",
			},
			Options: []*discordgo.ApplicationCommandOption{
				idsOption("ids", "case ids, e.g. 3,5..7 or l~2..l"),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "new reason",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "nouvelle raison",
						discordgo.EnglishUS: "new reason",
						discordgo.SpanishES: "nuevo motivo",
					},
					Required: true,
				},
			},
		},
		{
			Name:                     "history",
			Description:              "Show the versions of a case",
			DefaultMemberPermissions: &moderatorPermissions,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Afficher les versions d'une sanction",
				discordgo.EnglishUS: "Show the versions of a case",
				discordgo.SpanishES: "Mostrar las versiones de un caso",
			},
			Options: []*discordgo.ApplicationCommandOption{
				idsOption("id", "case id or l for the latest"),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "page",
					Description: "page number",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "numero de page",
						discordgo.EnglishUS: "page number",
						discordgo.SpanishES: "numero de pagina",
					},
					Required: false,
				},
			},
		},
		{
			Name:                     "revert",
			Description:              "Restore an earlier version of a case",
			DefaultMemberPermissions: &moderatorPermissions,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Restaurer une version precedente",
				discordgo.EnglishUS: "Restore an earlier version of a case",
				discordgo.SpanishES: "Restaurar una version anterior",
			},
			Options: []*discordgo.ApplicationCommandOption{
				idsOption("id", "case id or l for the latest"),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "version",
					Description: "version to restore",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "version a restaurer",
						discordgo.EnglishUS: "version to restore",
						discordgo.SpanishES: "version a restaurar",
					},
					Required: true,
				},
			},
		},
		{
			Name:                     "modstats",
			Description:              "Moderation statistics",
			DefaultMemberPermissions: &moderatorPermissions,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Statistiques de moderation",
				discordgo.EnglishUS: "Moderation statistics",
				discordgo.SpanishES: "Estadisticas de moderacion",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "period",
					Description: "day, week, month or all",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.French:    "jour, semaine, mois ou tout",
						discordgo.EnglishUS: "day, week, month or all",
						discordgo.SpanishES: "dia, semana, mes o todo",
					},
					Required: false,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "day", Value: "day"},
						{Name: "week", Value: "week"},
						{Name: "month", Value: "month"},
						{Name: "all", Value: "all"},
					},
				},
			},
		},
	}

	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}

func channelOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         "channel",
		Description:  "text channel",
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
		DescriptionLocalizations: map[discordgo.Locale]string{
			discordgo.French:    "salon textuel",
			discordgo.EnglishUS: "text channel",
			discordgo.SpanishES: "canal de texto",
		},
		Required: true,
	}
}

func idsOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    true,
	}
}
