package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

var ErrGeminiEmptyResponse = errors.New("empty gemini response")

// GeminiModels is the subset of *genai.Models used by the bot.
type GeminiModels interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Gemini answers web search queries (through the GoogleSearch tool) and
// summarizes linked videos. It's used to add context before the answer
// model is called.
type Gemini struct {
	models GeminiModels
	config *GeminiConfig
	logger *slog.Logger
}

func newGemini(
	ctx context.Context,
	config *GeminiConfig,
	handler slog.Handler,
	httpClient *http.Client,
) (*Gemini, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			APIKey:     config.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &Gemini{
		models: client.Models,
		config: config,
		logger: slog.New(handler).With(loggerNameKey, "gemini"),
	}, nil
}

func (g *Gemini) generate(
	ctx context.Context,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.config.Model, contents, config)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrGeminiEmptyResponse
	}
	return text, nil
}

// WebSearch runs query with Google Search grounding and returns a short
// summary of the results.
func (g *Gemini) WebSearch(ctx context.Context, query string) (string, error) {
	logger := loggerFrom(ctx, g.logger)
	logger.InfoContext(ctx, "running web search", "query", query)

	text, err := g.generate(
		ctx,
		genai.Text(fmt.Sprintf(webSearchPrompt, query)),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		},
	)
	if err != nil {
		return "", fmt.Errorf("web search failed: %w", err)
	}
	logger.DebugContext(ctx, "web search result", "result", text)
	return text, nil
}

// SummarizeVideo summarizes the video at videoURL, focusing on what the
// accompanying message asks.
func (g *Gemini) SummarizeVideo(ctx context.Context, videoURL, message string) (string, error) {
	logger := loggerFrom(ctx, g.logger)
	logger.InfoContext(ctx, "summarizing video", "url", videoURL)

	contents := []*genai.Content{
		genai.NewContentFromParts(
			[]*genai.Part{
				genai.NewPartFromURI(videoURL, "video/mp4"),
				genai.NewPartFromText(fmt.Sprintf(videoPromptTemplate, message)),
			},
			genai.RoleUser,
		),
	}
	text, err := g.generate(ctx, contents, nil)
	if err != nil {
		return "", fmt.Errorf("video summary failed: %w", err)
	}
	logger.DebugContext(ctx, "video summary", "summary", text)
	return text, nil
}
