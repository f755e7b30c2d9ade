package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const emptyAnswerFallback = "🤔"

// Step is a single step of an [Answer]: a formula or code block, with its
// explanation.
//
//nolint:lll // struct tags can't be split
type Step struct {
	FormulaOrCode string `json:"formula_or_code" description:"Fórmula o código a utilizar en el paso. Las fórmulas van en LaTeX, modo matemático, sin dólares delimitando, y el código va en un bloque de código resaltado según el lenguaje. Si no hay fórmula ni código, queda vacío."`
	Description   string `json:"description" description:"Descripción del paso a seguir, en texto plano, sin texto matemático ni código."`
	IsFormula     bool   `json:"is_formula" description:"Verdadero si el paso es una fórmula, falso si es código."`
}

// ReminderRequest is a reminder the model wants to schedule.
//
//nolint:lll // struct tags can't be split
type ReminderRequest struct {
	Description string `json:"description" description:"Qué hay que recordar."`
	RunAt       string `json:"run_at" description:"Fecha y hora del recordatorio, en formato AAAA-MM-DD HH:MM."`
	Repeat      Repeat `json:"repeat" enum:"none,daily,weekly,monthly,yearly" description:"Cada cuánto se repite el recordatorio."`
}

// Answer is the structured response of the answer model.
//
//nolint:lll // struct tags can't be split
type Answer struct {
	Introduction    string            `json:"introduction" description:"Introducción general del problema, o la respuesta completa si no hay pasos."`
	Steps           []Step            `json:"steps" description:"Secuencia de pasos acorde al tipo de pregunta."`
	Reminders       []ReminderRequest `json:"reminders" description:"Recordatorios que el usuario pidió programar. Vacío si no pidió ninguno."`
	CancelReminders []int             `json:"cancel_reminders" description:"IDs de recordatorios que el usuario pidió cancelar. Vacío si no pidió ninguno."`
}

// normalized replaces nil slices with empty ones, so the serialized
// answer always has every field.
func (a Answer) normalized() Answer {
	if a.Steps == nil {
		a.Steps = []Step{}
	}
	if a.Reminders == nil {
		a.Reminders = []ReminderRequest{}
	}
	if a.CancelReminders == nil {
		a.CancelReminders = []int{}
	}
	return a
}

// answer calls the chat model with the given conversation.
func (o *OpenAI) answer(ctx context.Context, messages []openai.ChatCompletionMessage) (Answer, error) {
	var result Answer
	format, err := jsonSchemaFormat("math_answer", result)
	if err != nil {
		return result, err
	}
	req := openai.ChatCompletionRequest{
		Model:          o.config.ChatModel,
		Messages:       messages,
		ResponseFormat: format,
	}
	err = o.structuredCompletion(ctx, openaiPurposeAnswer, req, &result)
	return result.normalized(), err
}

var equationDelimiters = [][2]string{
	{"$$", "$$"},
	{"\\[", "\\]"},
	{"\\(", "\\)"},
	{"$", "$"},
}

// correctEquation strips math mode delimiters from a LaTeX formula.
func correctEquation(equation string) string {
	equation = strings.TrimSpace(equation)
	for changed := true; changed; {
		changed = false
		for _, d := range equationDelimiters {
			if len(equation) >= len(d[0])+len(d[1]) &&
				strings.HasPrefix(equation, d[0]) &&
				strings.HasSuffix(equation, d[1]) {
				equation = strings.TrimSpace(equation[len(d[0]) : len(equation)-len(d[1])])
				changed = true
			}
		}
	}
	return equation
}

// highlightCode returns code as a fenced code block, keeping an existing
// language tag, clamped to the embed field length limit.
func highlightCode(code string) string {
	code = strings.TrimSpace(code)
	lang := ""
	body := code
	if rest, ok := strings.CutPrefix(code, "```"); ok {
		firstLine, remainder, found := strings.Cut(rest, "\n")
		if found {
			lang = strings.TrimSpace(firstLine)
			body = remainder
		} else {
			body = rest
		}
		body = strings.TrimSuffix(strings.TrimRight(body, " \n"), "```")
		body = strings.TrimRight(body, "\n")
	}

	opening := "```" + lang + "\n"
	closing := "\n```"
	budget := discordMaxEmbedFieldLength - utf8.RuneCountInString(opening) - utf8.RuneCountInString(closing)
	if utf8.RuneCountInString(body) > budget {
		body = string([]rune(body)[:budget-1]) + "…"
	}
	return opening + body + closing
}

// memberName is the name used for a message author in the transcript
func memberName(u *discordgo.User) string {
	return u.Username
}

// recordMessage appends a message that doesn't need an answer to the
// transcript.
func (b *Bot) recordMessage(ctx context.Context, m *discordgo.Message) {
	images := b.collectImages(ctx, m)
	b.transcript.AppendUser(memberName(m.Author), m.Author.ID, m.Content, images)
}

// answerMention runs the full pipeline for a message mentioning the bot:
// augmentation, the answer model call, reminder requests, and the reply.
func (b *Bot) answerMention(ctx context.Context, m *discordgo.Message) error {
	logger := loggerFrom(ctx, b.logger)
	session := b.discord.session

	if err := session.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx)); err != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	images := b.collectImages(ctx, m)
	name := memberName(m.Author)
	if aug := b.augment(ctx, userLabel(name, m.Author.ID), m.Content); aug.WebSearch != "" || len(aug.VideoSummaries) > 0 {
		logger.InfoContext(
			ctx,
			"message augmented",
			"web_search", aug.WebSearch != "",
			"video_summaries", len(aug.VideoSummaries),
		)
	}
	b.transcript.AppendUser(name, m.Author.ID, m.Content, images)

	pending, err := ListReminders(ctx, b.db, b.config.Discord.GuildID)
	if err != nil {
		logger.WarnContext(ctx, "error listing reminders", tint.Err(err))
	}
	note := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: reminderContextNote(b.now(), b.location, pending),
	}

	answer, err := b.openai.answer(ctx, b.transcript.Messages(note))
	if err != nil {
		b.replyError(ctx, m)
		return fmt.Errorf("error answering message: %w", err)
	}
	if _, err = b.transcript.AppendAssistant(answer); err != nil {
		logger.ErrorContext(ctx, "error recording answer", tint.Err(err))
	}

	notes := b.applyReminderRequests(ctx, m, answer)
	return b.sendAnswer(ctx, m, answer, notes)
}

// applyReminderRequests schedules and cancels the reminders requested in
// answer, returning a line for each outcome to show the user.
func (b *Bot) applyReminderRequests(ctx context.Context, m *discordgo.Message, answer Answer) []string {
	if len(answer.Reminders) == 0 && len(answer.CancelReminders) == 0 {
		return nil
	}
	logger := loggerFrom(ctx, b.logger)
	if !b.RuntimeConfig().RemindersEnabled {
		logger.InfoContext(ctx, "reminders disabled, ignoring reminder requests")
		return []string{"Los recordatorios están desactivados por ahora."}
	}

	var notes []string
	for _, req := range answer.Reminders {
		reminder, err := b.scheduleReminder(
			ctx,
			req.Description,
			m.GuildID,
			m.ChannelID,
			m.Author.ID,
			req.RunAt,
			req.Repeat,
		)
		if err != nil {
			logger.WarnContext(ctx, "error scheduling requested reminder", "request", req, tint.Err(err))
			notes = append(
				notes,
				fmt.Sprintf("No pude programar el recordatorio %q: %s", req.Description, reminderErrorMessage(err)),
			)
			continue
		}
		notes = append(notes, reminderScheduledMessage(*reminder, b.location))
	}

	for _, id := range answer.CancelReminders {
		if id <= 0 {
			continue
		}
		_, err := b.cancelReminder(ctx, uint(id), m.Author.ID)
		switch {
		case err == nil:
			notes = append(notes, fmt.Sprintf("Recordatorio #%d cancelado.", id))
		case errors.Is(err, ErrNotOwner):
			notes = append(notes, fmt.Sprintf("No puedes cancelar el recordatorio #%d, no es tuyo.", id))
		case errors.Is(err, ErrReminderNotFound):
			notes = append(notes, fmt.Sprintf("No existe el recordatorio #%d.", id))
		default:
			logger.ErrorContext(ctx, "error canceling reminder", "reminder_id", id, tint.Err(err))
			notes = append(notes, fmt.Sprintf("No pude cancelar el recordatorio #%d.", id))
		}
	}
	return notes
}

// sendAnswer replies to m with the answer: plain messages when there are
// no steps, otherwise a step paginator.
func (b *Bot) sendAnswer(ctx context.Context, m *discordgo.Message, answer Answer, notes []string) error {
	session := b.discord.session
	intro := strings.TrimSpace(answer.Introduction)
	if len(notes) > 0 {
		intro = strings.TrimSpace(intro + "\n\n" + strings.Join(notes, "\n"))
	}
	if intro == "" {
		intro = emptyAnswerFallback
	}

	if len(answer.Steps) == 0 {
		for i, part := range splitMessage(intro, discordMaxMessageLength) {
			send := &discordgo.MessageSend{Content: part}
			if i == 0 {
				send.Reference = m.Reference()
			}
			if _, err := session.ChannelMessageSendComplex(
				m.ChannelID,
				send,
				discordgo.WithContext(ctx),
			); err != nil {
				return fmt.Errorf("error sending answer: %w", err)
			}
		}
		return nil
	}

	answer.Introduction = shortenString(intro, discordMaxMessageLength)
	pages := b.pages.Add(answer)
	view := b.renderStepPage(ctx, pages, 0)
	_, err := session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:    view.Content,
			Embeds:     view.Embeds,
			Files:      view.Files,
			Components: view.Components,
			Reference:  m.Reference(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending paginator: %w", err)
	}
	return nil
}

// replyError sends the configured error message as a reply to m
func (b *Bot) replyError(ctx context.Context, m *discordgo.Message) {
	if _, err := b.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		b.config.Discord.ErrorMessage,
		m.Reference(),
		discordgo.WithContext(ctx),
	); err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error sending error reply", tint.Err(err))
	}
}
