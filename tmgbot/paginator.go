package tmgbot

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	stepsCustomIDPrefix   = "steps"
	defaultStepPagesTTL   = 24 * time.Hour
	discordMaxDescription = 4096
	stepsExpiredMessage   = "Esta respuesta ya expiró, vuelve a preguntar :3"
)

// stepButton identifies a paginator button. It's appended to the custom
// ID, as discord requires custom IDs to be unique within a message.
type stepButton string

const (
	stepButtonFirst stepButton = "first"
	stepButtonPrev  stepButton = "prev"
	stepButtonNext  stepButton = "next"
	stepButtonLast  stepButton = "last"
)

// stepPages holds an answer being paginated. Page 0 is the introduction,
// page n is step n.
type stepPages struct {
	ID      string
	Answer  Answer
	created time.Time

	mu     sync.Mutex
	images map[int][]byte
	failed map[int]bool
}

func (p *stepPages) Total() int {
	return len(p.Answer.Steps) + 1
}

// formulaImage renders (once) the formula of the given page.
func (p *stepPages) formulaImage(ctx context.Context, page int, latex LatexRenderer) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if img, ok := p.images[page]; ok {
		return img, nil
	}
	if p.failed[page] {
		return nil, fmt.Errorf("formula on page %d failed to render", page)
	}
	img, err := latex.RenderMath(ctx, correctEquation(p.Answer.Steps[page-1].FormulaOrCode))
	if err != nil {
		p.failed[page] = true
		return nil, err
	}
	p.images[page] = img
	return img, nil
}

// pageStore keeps paginated answers in memory. Entries older than ttl
// are evicted when new answers are added.
type pageStore struct {
	mu    sync.Mutex
	pages map[string]*stepPages
	ttl   time.Duration
	now   func() time.Time
}

func newPageStore(ttl time.Duration) *pageStore {
	return &pageStore{
		pages: map[string]*stepPages{},
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *pageStore) Add(answer Answer) *stepPages {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, p := range s.pages {
		if now.Sub(p.created) > s.ttl {
			delete(s.pages, id)
		}
	}

	p := &stepPages{
		ID:      uuid.NewString(),
		Answer:  answer,
		created: now,
		images:  map[int][]byte{},
		failed:  map[int]bool{},
	}
	s.pages[p.ID] = p
	return p
}

func (s *pageStore) Get(id string) (*stepPages, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[id]
	if !ok {
		return nil, false
	}
	if s.now().Sub(p.created) > s.ttl {
		delete(s.pages, id)
		return nil, false
	}
	return p, true
}

func (s *pageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func stepsCustomID(id string, page int, button stepButton) string {
	return fmt.Sprintf("%s:%s:%d:%s", stepsCustomIDPrefix, id, page, button)
}

// parseStepsCustomID parses 'steps:<id>:<page>[:<button>]'
func parseStepsCustomID(customID string) (id string, page int, ok bool) {
	parts := strings.Split(customID, ":")
	if len(parts) < 3 || parts[0] != stepsCustomIDPrefix || parts[1] == "" {
		return "", 0, false
	}
	page, err := strconv.Atoi(parts[2])
	if err != nil || page < 0 {
		return "", 0, false
	}
	return parts[1], page, true
}

// pageView is a rendered paginator page
type pageView struct {
	Content    string
	Embeds     []*discordgo.MessageEmbed
	Files      []*discordgo.File
	Components []discordgo.MessageComponent
}

// renderStepPage renders the given page of p. Formulas that fail to
// render as images are shown as a 'tex' code block instead.
func (b *Bot) renderStepPage(ctx context.Context, p *stepPages, page int) pageView {
	total := p.Total()
	page = max(0, min(page, total-1))

	view := pageView{
		Content:    p.Answer.Introduction,
		Components: stepButtons(p.ID, page, total),
	}
	embed := &discordgo.MessageEmbed{
		Footer: &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Página %d/%d", page+1, total)},
	}
	view.Embeds = []*discordgo.MessageEmbed{embed}

	if page == 0 {
		embed.Description = fmt.Sprintf("Esta respuesta tiene %d pasos, usa los botones para verlos.", total-1)
		return view
	}

	step := p.Answer.Steps[page-1]
	embed.Description = shortenString(step.Description, discordMaxDescription)
	if strings.TrimSpace(step.FormulaOrCode) == "" {
		return view
	}

	if !step.IsFormula {
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Código", Value: highlightCode(step.FormulaOrCode)},
		}
		return view
	}

	img, err := p.formulaImage(ctx, page, b.latex)
	if err != nil {
		loggerFrom(ctx, b.logger).WarnContext(ctx, "error rendering formula", "page", page, tint.Err(err))
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Fórmula", Value: highlightCode("```tex\n" + correctEquation(step.FormulaOrCode) + "\n```")},
		}
		return view
	}
	filename := fmt.Sprintf("step%d.png", page)
	embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + filename}
	view.Files = []*discordgo.File{
		{
			Name:        filename,
			ContentType: "image/png",
			Reader:      bytes.NewReader(img),
		},
	}
	return view
}

func stepButtons(id string, page, total int) []discordgo.MessageComponent {
	last := total - 1
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "⏮",
					Style:    discordgo.SecondaryButton,
					CustomID: stepsCustomID(id, 0, stepButtonFirst),
					Disabled: page == 0,
				},
				discordgo.Button{
					Label:    "◀",
					Style:    discordgo.PrimaryButton,
					CustomID: stepsCustomID(id, max(page-1, 0), stepButtonPrev),
					Disabled: page == 0,
				},
				discordgo.Button{
					Label:    "▶",
					Style:    discordgo.PrimaryButton,
					CustomID: stepsCustomID(id, min(page+1, last), stepButtonNext),
					Disabled: page == last,
				},
				discordgo.Button{
					Label:    "⏭",
					Style:    discordgo.SecondaryButton,
					CustomID: stepsCustomID(id, last, stepButtonLast),
					Disabled: page == last,
				},
			},
		},
	}
}

// handleStepsButton updates a paginator message in place. The
// interaction is acknowledged before rendering, as LaTeX can take longer
// than discord's acknowledgement window.
func (b *Bot) handleStepsButton(ctx context.Context, i *discordgo.InteractionCreate) error {
	session := b.discord.session
	id, page, ok := parseStepsCustomID(i.MessageComponentData().CustomID)
	var p *stepPages
	if ok {
		p, ok = b.pages.Get(id)
	}
	if !ok {
		return session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: stepsExpiredMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
			discordgo.WithContext(ctx),
		)
	}

	if err := session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
		discordgo.WithContext(ctx),
	); err != nil {
		return err
	}

	view := b.renderStepPage(ctx, p, page)
	_, err := session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Content:     &view.Content,
			Embeds:      &view.Embeds,
			Files:       view.Files,
			Components:  &view.Components,
			Attachments: &[]*discordgo.MessageAttachment{},
		},
		discordgo.WithContext(ctx),
	)
	return err
}
