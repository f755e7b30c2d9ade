package tmgbot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestDecodeCompletion(t *testing.T) {
	var out Classification

	err := decodeCompletion(openai.ChatCompletionResponse{}, &out)
	assert.ErrorIs(t, err, ErrOpenAINoChoices)

	err = decodeCompletion(
		openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Refusal: "no"}}},
		},
		&out,
	)
	assert.ErrorIs(t, err, ErrOpenAIRefusal)

	err = decodeCompletion(
		openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: `{"needs_`}, FinishReason: openai.FinishReasonLength},
			},
		},
		&out,
	)
	assert.ErrorIs(t, err, ErrOpenAITruncated)

	err = decodeCompletion(
		openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "not json"}}},
		},
		&out,
	)
	assert.ErrorIs(t, err, ErrOpenAIBadPayload)

	err = decodeCompletion(
		completionOf(t, Classification{NeedsWebSearch: true, SearchQuery: "precio del dólar"}),
		&out,
	)
	require.NoError(t, err)
	assert.True(t, out.NeedsWebSearch)
	assert.Equal(t, "precio del dólar", out.SearchQuery)
}

func TestJSONSchemaFormat(t *testing.T) {
	format, err := jsonSchemaFormat("math_answer", Answer{})
	require.NoError(t, err)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, format.Type)
	require.NotNil(t, format.JSONSchema)
	assert.True(t, format.JSONSchema.Strict)

	data, err := json.Marshal(format.JSONSchema.Schema)
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "introduction")
	assert.Contains(t, props, "steps")
	assert.Contains(t, props, "reminders")
	assert.Contains(t, props, "cancel_reminders")
}

func TestDiagramResponseFormat(t *testing.T) {
	format := diagramResponseFormat()
	require.NotNil(t, format.JSONSchema)
	data, err := json.Marshal(format.JSONSchema.Schema)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
	for _, objectType := range []string{diagramCircle, diagramFunctionPlot, diagramArrangedGroup, diagramSphere} {
		assert.Contains(t, string(data), `"`+objectType+`"`)
	}
}

func TestOpenAI_Classify(t *testing.T) {
	b, _, client := newTestBot(t)
	ctx := context.Background()

	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Model == b.config.OpenAI.ClassifierModel &&
					len(req.Messages) == 2 &&
					req.Messages[0].Content == classifierPrompt &&
					strings.HasSuffix(req.Messages[1].Content, "=> ¿quién ganó ayer?")
			},
		),
	).Return(completionOf(t, Classification{NeedsWebSearch: true, SearchQuery: "partido ayer"}), nil).Once()

	result, err := b.openai.classify(ctx, userLabel("ana", "user-1"), "¿quién ganó ayer?")
	require.NoError(t, err)
	assert.True(t, result.NeedsWebSearch)
	assert.Equal(t, "partido ayer", result.SearchQuery)
	client.AssertExpectations(t)

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, errors.New("rate limited")).
		Once()
	_, err = b.openai.classify(ctx, "x", "y")
	require.Error(t, err)

	var logs []OpenAIAPILog
	require.NoError(t, b.db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, openaiPurposeClassify, logs[0].Purpose)
	assert.Contains(t, logs[0].RequestBody, "¿quién ganó ayer?")
	assert.Empty(t, logs[0].Error)
	assert.Equal(t, "rate limited", logs[1].Error)
}

func TestOpenAI_SetRequestLimit(t *testing.T) {
	o := newOpenAI(DefaultConfig().OpenAI, discardHandler(), nil)
	before := o.requestLimiter

	o.setRequestLimit(DefaultOpenAIRequestsPerSecond)
	assert.Same(t, before, o.requestLimiter)

	o.setRequestLimit(10)
	assert.NotSame(t, before, o.requestLimiter)
	assert.Equal(t, rate.Limit(10), o.requestLimiter.Limit())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.setRequestLimit(1)
	require.NoError(t, o.waitOnRequestLimiter(context.Background()))
	assert.Error(t, o.waitOnRequestLimiter(ctx))
}

func TestCorrectEquation(t *testing.T) {
	tests := map[string]string{
		"$$x^2$$":         "x^2",
		" $x + 1$ ":       "x + 1",
		`\[\frac{1}{2}\]`: `\frac{1}{2}`,
		`\(a\)`:           "a",
		"$$ $y$ $$":       "y",
		"x = 2":           "x = 2",
		"$":               "$",
		`\int_0^1 x\,dx`:  `\int_0^1 x\,dx`,
		"":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, correctEquation(in), in)
	}
}

func TestHighlightCode(t *testing.T) {
	assert.Equal(t, "```\nprint(2)\n```", highlightCode("print(2)"))
	assert.Equal(t, "```python\nprint(2)\n```", highlightCode("```python\nprint(2)\n```"))
	assert.Equal(t, "```\nx = 1\n```", highlightCode("```x = 1```"))

	long := highlightCode(strings.Repeat("á", 5000))
	assert.Equal(t, discordMaxEmbedFieldLength, utf8.RuneCountInString(long))
	assert.True(t, strings.HasSuffix(long, "…\n```"))
}

func TestExtractVideoURLs(t *testing.T) {
	content := "mira https://youtu.be/dQw4w9WgXcQ y https://www.youtube.com/watch?v=dQw4w9WgXcQ " +
		"también <https://m.youtube.com/watch?t=10&v=abcdefghijk> y https://youtube.com/shorts/ABCDEFGHIJK " +
		"pero no https://vimeo.com/123 ni https://youtube.com/watch?v=short"
	assert.Equal(
		t,
		[]string{
			"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			"https://www.youtube.com/watch?v=abcdefghijk",
			"https://www.youtube.com/watch?v=ABCDEFGHIJK",
		},
		extractVideoURLs(content),
	)
	assert.Nil(t, extractVideoURLs("sin videos"))
}

func TestAnswerNormalized(t *testing.T) {
	data, err := json.Marshal(Answer{Introduction: "hola"}.normalized())
	require.NoError(t, err)
	assert.JSONEq(
		t,
		`{"introduction":"hola","steps":[],"reminders":[],"cancel_reminders":[]}`,
		string(data),
	)
}
