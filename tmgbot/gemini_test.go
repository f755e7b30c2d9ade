package tmgbot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type mockGeminiModels struct {
	mock.Mock
}

func (m *mockGeminiModels) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, config)
	resp, _ := args.Get(0).(*genai.GenerateContentResponse)
	return resp, args.Error(1)
}

func geminiText(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
	}
}

func withGoogleSearch() any {
	return mock.MatchedBy(
		func(config *genai.GenerateContentConfig) bool {
			return config != nil && len(config.Tools) == 1 && config.Tools[0].GoogleSearch != nil
		},
	)
}

func videoContents(url string) any {
	return mock.MatchedBy(
		func(contents []*genai.Content) bool {
			if len(contents) != 1 || len(contents[0].Parts) != 2 {
				return false
			}
			file := contents[0].Parts[0].FileData
			return file != nil && file.FileURI == url
		},
	)
}

func newTestGemini(models GeminiModels) *Gemini {
	return &Gemini{
		models: models,
		config: &GeminiConfig{Model: DefaultGeminiModel},
		logger: slog.New(discardHandler()),
	}
}

func TestGemini_WebSearch(t *testing.T) {
	models := &mockGeminiModels{}
	models.On(
		"GenerateContent",
		mock.Anything,
		DefaultGeminiModel,
		mock.MatchedBy(
			func(contents []*genai.Content) bool {
				return len(contents) == 1 &&
					strings.Contains(contents[0].Parts[0].Text, "resultados del mundial")
			},
		),
		withGoogleSearch(),
	).Return(geminiText("  Argentina ganó el mundial de 2022.  "), nil).Once()
	g := newTestGemini(models)

	text, err := g.WebSearch(context.Background(), "resultados del mundial")
	require.NoError(t, err)
	assert.Equal(t, "Argentina ganó el mundial de 2022.", text)

	models.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(geminiText("   "), nil).Once()
	_, err = g.WebSearch(context.Background(), "nada")
	assert.ErrorIs(t, err, ErrGeminiEmptyResponse)

	models.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("quota exceeded")).Once()
	_, err = g.WebSearch(context.Background(), "otra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	models.AssertExpectations(t)
}

func TestGemini_SummarizeVideo(t *testing.T) {
	url := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	models := &mockGeminiModels{}
	models.On("GenerateContent", mock.Anything, DefaultGeminiModel, videoContents(url), mock.Anything).
		Return(geminiText("Un video sobre series de Fourier."), nil).Once()

	summary, err := newTestGemini(models).SummarizeVideo(context.Background(), url, "¿de qué trata?")
	require.NoError(t, err)
	assert.Equal(t, "Un video sobre series de Fourier.", summary)
	models.AssertExpectations(t)
}

func TestBot_Augment(t *testing.T) {
	b, _, client := newTestBot(t)
	models := &mockGeminiModels{}
	b.gemini = newTestGemini(models)
	ctx := context.Background()

	video := "https://www.youtube.com/watch?v=abcdefghijk"
	content := "¿quién ganó el mundial? mira https://youtu.be/abcdefghijk"

	client.On("CreateChatCompletion", mock.Anything, forModel(b.config.OpenAI.ClassifierModel)).
		Return(
			completionOf(t, Classification{NeedsWebSearch: true, SearchQuery: "ganador mundial", Reason: "actual"}),
			nil,
		).Once()
	models.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, withGoogleSearch()).
		Return(geminiText("Argentina."), nil).Once()
	models.On("GenerateContent", mock.Anything, mock.Anything, videoContents(video), mock.Anything).
		Return(geminiText("Resumen del video."), nil).Once()

	before := b.transcript.Len()
	result := b.augment(ctx, "ana -- <@user-1>", content)
	assert.Equal(t, "Argentina.", result.WebSearch)
	assert.Equal(t, []string{"Resumen del video."}, result.VideoSummaries)

	turns := b.transcript.Snapshot()
	require.Equal(t, before+2, b.transcript.Len())
	assert.Equal(t, TurnKindWebSearch, turns[len(turns)-2].Kind)
	assert.Contains(t, turns[len(turns)-2].Text, "ganador mundial")
	assert.Equal(t, TurnKindVideo, turns[len(turns)-1].Kind)
	assert.Contains(t, turns[len(turns)-1].Text, video)

	client.AssertExpectations(t)
	models.AssertExpectations(t)
}

func TestBot_AugmentDisabled(t *testing.T) {
	b, _, client := newTestBot(t)
	models := &mockGeminiModels{}
	b.gemini = newTestGemini(models)

	off := false
	_, err := b.UpdateRuntimeConfig(
		context.Background(),
		RuntimeConfigUpdate{WebSearchEnabled: &off, VideoAnalysisEnabled: &off},
	)
	require.NoError(t, err)

	result := b.augment(context.Background(), "ana -- <@user-1>", "https://youtu.be/abcdefghijk")
	assert.Empty(t, result.WebSearch)
	assert.Empty(t, result.VideoSummaries)
	assert.Equal(t, 0, b.transcript.Len())
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
	models.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBot_AnswerMention_Augmented(t *testing.T) {
	b, session, client := newTestBot(t)
	var logs bytes.Buffer
	b.logger = slog.New(bufferHandler(&logs))
	models := &mockGeminiModels{}
	b.gemini = newTestGemini(models)

	client.On("CreateChatCompletion", mock.Anything, forModel(b.config.OpenAI.ClassifierModel)).
		Return(completionOf(t, Classification{NeedsWebSearch: true, SearchQuery: "clima hoy"}), nil).
		Once()
	models.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, withGoogleSearch()).
		Return(geminiText("Soleado."), nil).
		Once()
	client.On("CreateChatCompletion", mock.Anything, forModel(b.config.OpenAI.ChatModel)).
		Return(completionOf(t, Answer{Introduction: "Está soleado"}), nil).
		Once()

	m := newMessageCreate("m1", "user-1", "<@"+testAppID+"> ¿cómo está el clima?", botMention())
	require.NoError(t, b.answerMention(context.Background(), m.Message))

	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Está soleado", sent[0].Content)
	assert.Contains(t, logs.String(), `"msg":"message augmented"`)
	assert.Contains(t, logs.String(), `"web_search":true`)
	assert.Contains(t, logs.String(), `"video_summaries":0`)

	client.AssertExpectations(t)
	models.AssertExpectations(t)
}
