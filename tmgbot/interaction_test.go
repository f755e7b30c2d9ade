package tmgbot

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func componentInteraction(customID string, member *discordgo.Member) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "component-" + customID,
			AppID:     testAppID,
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   testGuildID,
			ChannelID: "channel-1",
			Member:    member,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

func lastResponse(t *testing.T, session *mockDiscordSession) *discordgo.InteractionResponse {
	t.Helper()
	session.mu.Lock()
	defer session.mu.Unlock()
	require.NotEmpty(t, session.Responses)
	return session.Responses[len(session.Responses)-1]
}

func TestBot_ReminderCommands(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	author := &discordgo.Member{User: &discordgo.User{ID: "user-1"}}
	other := &discordgo.Member{User: &discordgo.User{ID: "user-2"}}

	b.handleInteraction(ctx, commandInteraction(DiscordSlashCommandReminders, author))
	assert.Equal(t, noRemindersMessage, lastEdit(t, session))

	when := time.Now().In(b.location).Add(72 * time.Hour).Format(ReminderTimeLayout)
	b.handleInteraction(
		ctx,
		commandInteraction(
			DiscordSlashCommandReminder,
			author,
			stringOption(commandOptionDescription, "  entregar tarea  "),
			stringOption(commandOptionWhen, when),
			stringOption(commandOptionRepeat, "weekly"),
		),
	)
	reminders, err := ListReminders(ctx, b.db, testGuildID)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	reminder := reminders[0]
	assert.Equal(t, "entregar tarea", reminder.Description)
	assert.Equal(t, RepeatWeekly, reminder.Repeat)
	assert.Equal(t, "user-1", reminder.CreatorID)
	assert.Equal(t, reminderScheduledMessage(reminder, b.location), lastEdit(t, session))

	b.handleInteraction(
		ctx,
		commandInteraction(
			DiscordSlashCommandReminder,
			author,
			stringOption(commandOptionDescription, "ayer"),
			stringOption(commandOptionWhen, "2001-01-01 10:00"),
		),
	)
	assert.Equal(
		t,
		"No se pudo programar el recordatorio: "+reminderErrorMessage(ErrReminderInPast),
		lastEdit(t, session),
	)

	b.handleInteraction(ctx, commandInteraction(DiscordSlashCommandReminders, author))
	assert.Equal(t, formatReminders(reminders, b.location), lastEdit(t, session))
	assert.Contains(t, lastEdit(t, session), "entregar tarea")

	b.handleInteraction(
		ctx,
		commandInteraction(DiscordSlashCommandCancelReminder, other, intOption(commandOptionID, int(reminder.ID))),
	)
	assert.Equal(
		t,
		"Solo quien creó el recordatorio o el dueño del servidor puede cancelarlo.",
		lastEdit(t, session),
	)

	b.handleInteraction(
		ctx,
		commandInteraction(DiscordSlashCommandCancelReminder, author, intOption(commandOptionID, int(reminder.ID))),
	)
	assert.Equal(t, "Recordatorio #1 cancelado: entregar tarea", lastEdit(t, session))

	b.handleInteraction(
		ctx,
		commandInteraction(DiscordSlashCommandCancelReminder, author, intOption(commandOptionID, int(reminder.ID))),
	)
	assert.Equal(t, "No existe el recordatorio #1.", lastEdit(t, session))
}

func TestBot_ReminderCommandDisabled(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()

	disabled := false
	_, err := b.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{RemindersEnabled: &disabled})
	require.NoError(t, err)

	b.handleInteraction(
		ctx,
		commandInteraction(
			DiscordSlashCommandReminder,
			&discordgo.Member{User: &discordgo.User{ID: "user-1"}},
			stringOption(commandOptionDescription, "x"),
			stringOption(commandOptionWhen, "2999-01-01 10:00"),
		),
	)
	assert.Equal(t, remindersDisabledMessage, lastEdit(t, session))
}

// ackedLatex records whether the interaction had been acknowledged when
// a formula was rendered
type ackedLatex struct {
	fakeLatex
	session *mockDiscordSession
	acked   []bool
}

func (a *ackedLatex) RenderMath(ctx context.Context, formula string) ([]byte, error) {
	a.session.mu.Lock()
	acked := len(a.session.Responses) > 0
	a.session.mu.Unlock()
	a.acked = append(a.acked, acked)
	return a.fakeLatex.RenderMath(ctx, formula)
}

func TestBot_StepsButton(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	latex := &ackedLatex{session: session}
	b.latex = latex
	member := &discordgo.Member{User: &discordgo.User{ID: "user-1"}}

	p := b.pages.Add(testAnswer())
	b.handleInteraction(ctx, componentInteraction(stepsCustomID(p.ID, 1, stepButtonNext), member))

	resp := lastResponse(t, session)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, resp.Type)
	assert.Equal(t, []bool{true}, latex.acked)

	session.mu.Lock()
	require.Len(t, session.Edits, 1)
	edit := session.Edits[0]
	session.mu.Unlock()
	require.NotNil(t, edit.Embeds)
	embeds := *edit.Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Planteamos", embeds[0].Description)
	assert.Equal(t, "Página 2/5", embeds[0].Footer.Text)
	require.Len(t, edit.Files, 1)
	assert.Equal(t, "step1.png", edit.Files[0].Name)
	require.NotNil(t, edit.Components)
	assert.Len(t, buttonsOf(t, *edit.Components), 4)
	assert.Equal(t, []string{"x^2 = 4"}, latex.calls)

	b.handleInteraction(ctx, componentInteraction(stepsCustomID("expired", 1, stepButtonNext), member))
	resp = lastResponse(t, session)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Equal(t, stepsExpiredMessage, resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)

	session.mu.Lock()
	responses := len(session.Responses)
	session.mu.Unlock()
	b.handleInteraction(ctx, componentInteraction("unknown:1", member))
	session.mu.Lock()
	assert.Len(t, session.Responses, responses)
	session.mu.Unlock()
}

func TestBot_Ping(t *testing.T) {
	b, session, _ := newTestBot(t)
	b.handleInteraction(
		context.Background(),
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:   "ping",
				Type: discordgo.InteractionPing,
				User: &discordgo.User{ID: "user-1"},
			},
		},
	)
	assert.Equal(t, discordgo.InteractionResponsePong, lastResponse(t, session).Type)
}
