package tmgbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	remindersDisabledMessage = "Los recordatorios están desactivados."
	noRemindersMessage       = "No hay recordatorios pendientes."
)

// InteractionLog records every interaction received from the gateway
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Context       string `json:"context" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (InteractionLog) TableName() string {
	return "interaction_log"
}

func newInteractionLog(i *discordgo.InteractionCreate, u *discordgo.User) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       fmt.Sprint(i.Context),
		Payload:       string(p),
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		interactionLog.Command = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		interactionLog.Command = i.MessageComponentData().CustomID
	}
	return interactionLog, nil
}

// commandHandlers returns the slash commands answered through a deferred
// response. /diagrama isn't included, as it's answered from the job queue.
func (b *Bot) commandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		DiscordSlashCommandThank:           b.commandPointsChange(b.thank),
		DiscordSlashCommandSanction:        b.commandPointsChange(b.sanction),
		DiscordSlashCommandPoints:          b.commandPoints,
		DiscordSlashCommandAllPoints:       b.commandAllPoints,
		DiscordSlashCommandFetchInactive:   b.commandFetchInactive,
		DiscordSlashCommandMentionInactive: b.commandMentionInactive,
		DiscordSlashCommandKickInactive:    b.commandKickInactive,
		DiscordSlashCommandReminder:        b.commandReminder,
		DiscordSlashCommandReminders:       b.commandListReminders,
		DiscordSlashCommandCancelReminder:  b.commandCancelReminder,
	}
}

// ownerOnlyCommands may only be used by the guild owner
var ownerOnlyCommands = map[string]bool{
	DiscordSlashCommandFetchInactive:   true,
	DiscordSlashCommandMentionInactive: true,
	DiscordSlashCommandKickInactive:    true,
}

func (b *Bot) handleRecover(ctx context.Context, rc any) {
	if rc == nil {
		return
	}
	loggerFrom(ctx, b.logger).ErrorContext(
		ctx,
		"recovered from panic",
		"panic", rc,
		"stack", string(debug.Stack()),
	)
}

// handleInteraction logs the interaction, then dispatches it by type
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	defer func() {
		b.handleRecover(ctx, recover())
	}()

	logger := b.discord.logger
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID, "username", discordUser.Username)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		if err = b.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		if !strings.HasPrefix(customID, stepsCustomIDPrefix+":") {
			logger.WarnContext(ctx, "unknown component", "custom_id", customID)
			return
		}
		if err = b.handleStepsButton(ctx, i); err != nil {
			logger.ErrorContext(ctx, "error updating step page", tint.Err(err))
		}
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, i, discordUser)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (b *Bot) handleCommand(ctx context.Context, i *discordgo.InteractionCreate, u *discordgo.User) {
	logger := loggerFrom(ctx, b.logger)
	name := i.ApplicationCommandData().Name

	if ownerOnlyCommands[name] && !b.isOwner(u.ID) {
		if err := b.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: messageNoPermission,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error responding to command", tint.Err(err))
		}
		return
	}

	if name == DiscordSlashCommandDiagram {
		if err := b.commandDiagram(ctx, i); err != nil {
			logger.ErrorContext(ctx, "error handling diagram command", tint.Err(err))
		}
		return
	}

	handler, ok := b.commandHandlers()[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", name)
		return
	}
	if err := b.discord.ackResponse(ctx, i); err != nil {
		logger.ErrorContext(ctx, "error deferring response", tint.Err(err))
		return
	}

	start := time.Now()
	content, err := handler(ctx, i)
	if err != nil {
		logger.ErrorContext(ctx, "error handling command", "command", name, tint.Err(err))
		if content == "" {
			content = b.config.Discord.ErrorMessage
		}
	}
	logger.InfoContext(ctx, "handled command", "command", name, "elapsed", time.Since(start))
	b.editResponse(ctx, i, content)
}

// editResponse replaces the deferred response with content. Content
// over the message limit continues in followup messages.
func (b *Bot) editResponse(ctx context.Context, i *discordgo.InteractionCreate, content string) {
	logger := loggerFrom(ctx, b.logger)
	if strings.TrimSpace(content) == "" {
		content = emptyAnswerFallback
	}
	chunks := splitMessage(content, discordMaxMessageLength)
	if len(chunks) == 0 {
		return
	}
	if _, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &chunks[0]},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing response", tint.Err(err))
		return
	}
	for _, chunk := range chunks[1:] {
		if _, err := b.discord.session.FollowupMessageCreate(
			i.Interaction,
			true,
			&discordgo.WebhookParams{Content: chunk},
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
			return
		}
	}
}

// commandReminder handles /recordatorio
func (b *Bot) commandReminder(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	if !b.RuntimeConfig().RemindersEnabled {
		return remindersDisabledMessage, nil
	}
	opts := discordInteractionOptions(i)
	description, ok := opts[commandOptionDescription]
	if !ok {
		return "", errors.New("missing description option")
	}
	when, ok := opts[commandOptionWhen]
	if !ok {
		return "", errors.New("missing time option")
	}
	var repeatValue string
	if opt, found := opts[commandOptionRepeat]; found {
		repeatValue = opt.StringValue()
	}

	repeat, err := ParseRepeat(repeatValue)
	if err == nil {
		var reminder *Reminder
		reminder, err = b.scheduleReminder(
			ctx,
			strings.TrimSpace(description.StringValue()),
			i.GuildID,
			i.ChannelID,
			getDiscordUser(i).ID,
			when.StringValue(),
			repeat,
		)
		if err == nil {
			return reminderScheduledMessage(*reminder, b.location), nil
		}
	}
	if errors.Is(err, ErrInvalidReminderTime) || errors.Is(err, ErrReminderInPast) ||
		errors.Is(err, ErrInvalidRepeat) {
		return "No se pudo programar el recordatorio: " + reminderErrorMessage(err), nil
	}
	return "", err
}

// commandListReminders handles /recordatorios
func (b *Bot) commandListReminders(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	reminders, err := ListReminders(ctx, b.db, i.GuildID)
	if err != nil {
		return "", err
	}
	return formatReminders(reminders, b.location), nil
}

func formatReminders(reminders []Reminder, loc *time.Location) string {
	if len(reminders) == 0 {
		return noRemindersMessage
	}
	var sb strings.Builder
	sb.WriteString("Recordatorios pendientes:\n")
	for _, r := range reminders {
		fmt.Fprintf(
			&sb,
			"#%d %s (%s, <@%s>): %s\n",
			r.ID,
			r.NextRunTime().In(loc).Format(ReminderTimeLayout),
			r.Repeat.spanish(),
			r.CreatorID,
			r.Description,
		)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// commandCancelReminder handles /cancelar-recordatorio
func (b *Bot) commandCancelReminder(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	opt, ok := discordInteractionOptions(i)[commandOptionID]
	if !ok {
		return "", errors.New("missing id option")
	}
	id := opt.IntValue()
	if id <= 0 {
		return fmt.Sprintf("No existe el recordatorio #%d.", id), nil
	}
	reminder, err := b.cancelReminder(ctx, uint(id), getDiscordUser(i).ID)
	switch {
	case errors.Is(err, ErrReminderNotFound):
		return fmt.Sprintf("No existe el recordatorio #%d.", id), nil
	case errors.Is(err, ErrNotOwner):
		return "Solo quien creó el recordatorio o el dueño del servidor puede cancelarlo.", nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("Recordatorio #%d cancelado: %s", reminder.ID, reminder.Description), nil
}
