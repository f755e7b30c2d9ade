package tmgbot

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// TurnKind identifies who (or what) produced a transcript turn.
type TurnKind string

const (
	TurnKindSystem         TurnKind = "system"
	TurnKindTest           TurnKind = "test"
	TurnKindUser           TurnKind = "user"
	TurnKindAssistant      TurnKind = "assistant"
	TurnKindDiagramRequest TurnKind = "diagram_request"
	TurnKindDiagram        TurnKind = "diagram"
	TurnKindChallenge      TurnKind = "challenge"
	TurnKindReminder       TurnKind = "reminder"
	TurnKindWebSearch      TurnKind = "web_search"
	TurnKindVideo          TurnKind = "video"
)

// Speaker labels for turns that don't come from a server member
const (
	labelDiagramRequest = "Pedido de diagrama -- <@Usuario del servidor>"
	labelDiagram        = "Diagrama -- <@Generador de diagramas>"
	labelChallenge      = "Reto -- <@Reto del server>"
	labelReminder       = "Recordatorio -- <@Tareas programadas>"
	labelWebSearch      = "Búsqueda web -- <@Buscador web>"
	labelVideo          = "Video -- <@Analizador de videos>"
	labelTest           = "Mensaje de prueba -- <@Usuario de prueba>"
)

var specialTurnLabels = map[TurnKind]string{
	TurnKindDiagramRequest: labelDiagramRequest,
	TurnKindDiagram:        labelDiagram,
	TurnKindChallenge:      labelChallenge,
	TurnKindReminder:       labelReminder,
	TurnKindWebSearch:      labelWebSearch,
	TurnKindVideo:          labelVideo,
	TurnKindTest:           labelTest,
}

// Turn is a single entry in a [Transcript].
type Turn struct {
	Kind TurnKind `json:"kind"`

	// Text is the rendered turn, including the speaker label for
	// user-side turns
	Text string `json:"text"`

	// Images are URLs (or data URLs) sent to the model along with Text
	Images []string `json:"images,omitempty"`

	Time time.Time `json:"time"`
}

// role maps the turn to the chat completion role it's sent as.
func (t Turn) role() string {
	switch t.Kind {
	case TurnKindSystem:
		return openai.ChatMessageRoleSystem
	case TurnKindAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (t Turn) message() openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: t.role()}
	if len(t.Images) == 0 || msg.Role != openai.ChatMessageRoleUser {
		msg.Content = t.Text
		return msg
	}
	msg.MultiContent = append(
		make([]openai.ChatMessagePart, 0, len(t.Images)+1),
		openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: t.Text},
	)
	for _, u := range t.Images {
		msg.MultiContent = append(
			msg.MultiContent,
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    u,
					Detail: openai.ImageURLDetailHigh,
				},
			},
		)
	}
	return msg
}

// formatTurn renders a user-side turn as 'LABEL => CONTENT'
func formatTurn(label, content string) string {
	return label + " => " + content
}

// userLabel is the speaker label for a server member
func userLabel(name, userID string) string {
	return fmt.Sprintf("%s -- <@%s>", name, userID)
}

// Transcript is the shared conversation sent to the answer model. It
// starts with a pinned seed (system prompt and examples) which is never
// removed. When maxTurns is above zero, the oldest non-seed turns are
// dropped once the limit is exceeded.
type Transcript struct {
	mu       sync.RWMutex
	seed     []Turn
	turns    []Turn
	maxTurns int
	now      func() time.Time
}

func NewTranscript(seed []Turn, maxTurns int) *Transcript {
	return &Transcript{
		seed:     slices.Clone(seed),
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

func (t *Transcript) append(turn Turn) Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if turn.Time.IsZero() {
		turn.Time = t.now()
	}
	t.turns = append(t.turns, turn)
	if t.maxTurns > 0 && len(t.turns) > t.maxTurns {
		t.turns = slices.Delete(t.turns, 0, len(t.turns)-t.maxTurns)
	}
	return turn
}

// AppendUser adds a message from a server member.
func (t *Transcript) AppendUser(name, userID, content string, images []string) Turn {
	return t.append(
		Turn{
			Kind:   TurnKindUser,
			Text:   formatTurn(userLabel(name, userID), content),
			Images: slices.Clone(images),
		},
	)
}

// AppendAssistant adds a structured answer, serialized as JSON.
func (t *Transcript) AppendAssistant(answer any) (Turn, error) {
	data, err := json.Marshal(answer)
	if err != nil {
		return Turn{}, fmt.Errorf("error serializing answer: %w", err)
	}
	return t.append(Turn{Kind: TurnKindAssistant, Text: string(data)}), nil
}

// AppendSpecial adds a turn produced by one of the bot's own subsystems
// (diagrams, reminders, web search...), labeled according to kind.
func (t *Transcript) AppendSpecial(kind TurnKind, content string, images []string) (Turn, error) {
	label, ok := specialTurnLabels[kind]
	if !ok {
		return Turn{}, fmt.Errorf("turn kind %q has no label", kind)
	}
	return t.append(
		Turn{
			Kind:   kind,
			Text:   formatTurn(label, content),
			Images: slices.Clone(images),
		},
	), nil
}

// Snapshot returns a copy of all turns, seed included.
func (t *Transcript) Snapshot() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	turns := make([]Turn, 0, len(t.seed)+len(t.turns))
	turns = append(turns, t.seed...)
	turns = append(turns, t.turns...)
	return turns
}

// Len returns the number of non-seed turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Messages returns the transcript as chat completion messages. Any extra
// messages are appended at the end without being stored.
func (t *Transcript) Messages(extra ...openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	messages := make([]openai.ChatCompletionMessage, 0, len(t.seed)+len(t.turns)+len(extra))
	for _, turn := range t.seed {
		messages = append(messages, turn.message())
	}
	for _, turn := range t.turns {
		messages = append(messages, turn.message())
	}
	return append(messages, extra...)
}

// Reset drops every non-seed turn.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = nil
}
