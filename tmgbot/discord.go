package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names
const (
	DiscordSlashCommandThank           = "agradecer"
	DiscordSlashCommandSanction        = "sancionar"
	DiscordSlashCommandPoints          = "puntos"
	DiscordSlashCommandAllPoints       = "puntos-todos"
	DiscordSlashCommandFetchInactive   = "fetch-inactive"
	DiscordSlashCommandMentionInactive = "mention-inactive"
	DiscordSlashCommandKickInactive    = "kick-inactive"
	DiscordSlashCommandDiagram         = "diagrama"
	DiscordSlashCommandReminder        = "recordatorio"
	DiscordSlashCommandReminders       = "recordatorios"
	DiscordSlashCommandCancelReminder  = "cancelar-recordatorio"
)

// Slash command option names
const (
	commandOptionMember      = "miembro"
	commandOptionDays        = "dias"
	commandOptionNumber      = "numero"
	commandOptionMessage     = "mensaje"
	commandOptionDescription = "descripcion"
	commandOptionWhen        = "cuando"
	commandOptionRepeat      = "repetir"
	commandOptionID          = "id"
)

// commandHandler handles a slash command whose response was deferred.
// The returned string replaces the deferred response.
type commandHandler func(ctx context.Context, i *discordgo.InteractionCreate) (string, error)

// Discord wraps the discord session, and tracks the connection state
// and the bot's own user ID.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	connected atomic.Bool
	botUserID atomic.Value

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
}

func newDiscord(config *DiscordConfig, handler slog.Handler) *Discord {
	return &Discord{
		config: config,
		logger: slog.New(handler).With(loggerNameKey, "discord"),
	}
}

// newSession creates the discordgo session. Events are dispatched
// synchronously, and the state cache is disabled, since the bot
// doesn't read from it.
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if httpClient != nil {
		disc.Client = httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, once the Ready event was received
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		var userID, username string
		if r.User != nil {
			userID, username = r.User.ID, r.User.Username
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		if _, err := d.session.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		} else {
			d.logger.Info("sent startup notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// ackResponse defers the response to a slash command, showing the
// "thinking" state until it's edited.
func (d *Discord) ackResponse(ctx context.Context, i *discordgo.InteractionCreate) error {
	err := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error acknowledging interaction: %w", err)
	}
	return nil
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, for the configured guild
func (d *Discord) registerCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	options = append(options, discordgo.WithContext(ctx))
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error registering commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.WarnContext(ctx, "no commands created")
	}
	return created, nil
}

func memberOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        commandOptionMember,
		Description: description,
		Required:    true,
	}
}

// applicationCommands returns every slash command the bot handles
func applicationCommands() []*discordgo.ApplicationCommand {
	minDays := float64(1)
	minNumber := float64(1)
	minID := float64(1)
	messageMin := 1
	repeatChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, 5)
	for _, r := range []Repeat{RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly} {
		repeatChoices = append(
			repeatChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: r.spanish(), Value: string(r)},
		)
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandThank,
			Description: "Agradece a un ayudante",
			Options:     []*discordgo.ApplicationCommandOption{memberOption("Ayudante a agradecer")},
		},
		{
			Name:        DiscordSlashCommandSanction,
			Description: "Sanciona a un ayudante",
			Options:     []*discordgo.ApplicationCommandOption{memberOption("Ayudante a sancionar")},
		},
		{
			Name:        DiscordSlashCommandPoints,
			Description: "Muestra los puntos de agradecimiento de un miembro",
			Options:     []*discordgo.ApplicationCommandOption{memberOption("Miembro")},
		},
		{
			Name:        DiscordSlashCommandAllPoints,
			Description: "Muestra los puntos de agradecimiento de todos los ayudantes",
		},
		{
			Name:        DiscordSlashCommandFetchInactive,
			Description: "Fetch inactive users",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionDays,
					Description: "Days without messages",
					Required:    true,
					MinValue:    &minDays,
				},
			},
		},
		{
			Name:        DiscordSlashCommandMentionInactive,
			Description: "Mention inactive users",
		},
		{
			Name:        DiscordSlashCommandKickInactive,
			Description: "Kick inactive users",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionNumber,
					Description: "Number of users to kick",
					Required:    true,
					MinValue:    &minNumber,
				},
			},
		},
		{
			Name:        DiscordSlashCommandDiagram,
			Description: "Genera un diagrama",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionMessage,
					Description: "Descripción del diagrama",
					Required:    true,
					MinLength:   &messageMin,
				},
			},
		},
		{
			Name:        DiscordSlashCommandReminder,
			Description: "Programa un recordatorio",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionDescription,
					Description: "Qué recordar",
					Required:    true,
					MinLength:   &messageMin,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionWhen,
					Description: "Fecha y hora, AAAA-MM-DD HH:MM",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionRepeat,
					Description: "Cada cuánto se repite",
					Choices:     repeatChoices,
				},
			},
		},
		{
			Name:        DiscordSlashCommandReminders,
			Description: "Lista los recordatorios pendientes",
		},
		{
			Name:        DiscordSlashCommandCancelReminder,
			Description: "Cancela un recordatorio",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionID,
					Description: "Número del recordatorio",
					Required:    true,
					MinValue:    &minID,
				},
			},
		},
	}
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @. Mentions of @everyone don't count.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" || m.MentionEveryone {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// stripMention removes the bot's own mention from message content
func stripMention(content, userID string) string {
	if userID == "" {
		return content
	}
	for _, mention := range []string{"<@" + userID + ">", "<@!" + userID + ">"} {
		content = strings.ReplaceAll(content, mention, "")
	}
	return strings.TrimSpace(content)
}

// DiscordSessionHandler defines the methods of [discordgo.Session] used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites the application's
	// commands in the given guild.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages of a channel, before,
	// after or around the given message IDs
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends an additional message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)

	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error

	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error

	// GuildMemberDeleteWithReason kicks a member from the guild
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponseEdit(interaction, newresp, options...)
	if err != nil {
		d.logger.Error("error editing interaction response", tint.Err(err), "interaction_id", interaction.ID)
	}
	return msg, err
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID, userID, roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID, userID, reason string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberDeleteWithReason(guildID, userID, reason, options...)
	if err != nil {
		d.logger.Error("error kicking member", tint.Err(err), "user_id", userID)
	} else {
		d.logger.Info("kicked member", "user_id", userID, "reason", reason)
	}
	return err
}

// SetLogLevel sets the session's level to the closest discordgo level
func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	if d.session == nil {
		return errors.New("session not initialized")
	}
	d.session.LogLevel = discordgoLevel(lvl)
	return nil
}
