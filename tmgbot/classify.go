package tmgbot

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

var youtubeURLPattern = regexp.MustCompile(
	`https?://(?:www\.|m\.)?(?:youtube\.com/(?:watch\?(?:[^\s>]*&)?v=|shorts/)|youtu\.be/)([A-Za-z0-9_-]{11})`,
)

// extractVideoURLs returns the canonical URLs of the YouTube videos linked
// in content, without duplicates, in order of appearance.
func extractVideoURLs(content string) []string {
	var urls []string
	for _, match := range youtubeURLPattern.FindAllStringSubmatch(content, -1) {
		u := "https://www.youtube.com/watch?v=" + match[1]
		if !slices.Contains(urls, u) {
			urls = append(urls, u)
		}
	}
	return urls
}

// Classification is the classifier model's decision about whether a
// message needs web search context.
type Classification struct {
	NeedsWebSearch bool   `json:"needs_web_search" description:"Whether answering the message needs a web search"`
	SearchQuery    string `json:"search_query" description:"Search query to run, empty when no search is needed"`
	Reason         string `json:"reason" description:"Short justification of the decision"`
}

// classify asks the classifier model whether content needs a web search.
func (o *OpenAI) classify(ctx context.Context, label, content string) (Classification, error) {
	var result Classification
	format, err := jsonSchemaFormat("classification", result)
	if err != nil {
		return result, err
	}
	req := openai.ChatCompletionRequest{
		Model: o.config.ClassifierModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierPrompt},
			{Role: openai.ChatMessageRoleUser, Content: formatTurn(label, content)},
		},
		ResponseFormat: format,
	}
	err = o.structuredCompletion(ctx, openaiPurposeClassify, req, &result)
	return result, err
}

// augmentation is the context gathered for a message before it's answered
type augmentation struct {
	WebSearch      string
	VideoSummaries []string
}

// augment classifies the message and gathers web/video context, according
// to the current runtime config. The resulting turns are appended to the
// transcript before the message itself. Failures are logged and skipped.
func (b *Bot) augment(ctx context.Context, label, content string) augmentation {
	var result augmentation
	cfg := b.RuntimeConfig()
	logger := loggerFrom(ctx, b.logger)

	if b.gemini == nil {
		return result
	}

	if cfg.WebSearchEnabled {
		classification, err := b.openai.classify(ctx, label, content)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "classification failed", tint.Err(err))
		case classification.NeedsWebSearch && classification.SearchQuery != "":
			logger.InfoContext(
				ctx,
				"web search requested",
				"query", classification.SearchQuery,
				"reason", classification.Reason,
			)
			text, searchErr := b.gemini.WebSearch(ctx, classification.SearchQuery)
			if searchErr != nil {
				logger.WarnContext(ctx, "web search failed", tint.Err(searchErr))
				break
			}
			result.WebSearch = text
			if _, err = b.transcript.AppendSpecial(
				TurnKindWebSearch,
				fmt.Sprintf("Consulta: %s\n\n%s", classification.SearchQuery, text),
				nil,
			); err != nil {
				logger.ErrorContext(ctx, "error recording web search", tint.Err(err))
			}
		default:
			logger.DebugContext(ctx, "no web search needed", "reason", classification.Reason)
		}
	}

	if !cfg.VideoAnalysisEnabled {
		return result
	}
	for _, videoURL := range extractVideoURLs(content) {
		summary, err := b.gemini.SummarizeVideo(ctx, videoURL, content)
		if err != nil {
			logger.WarnContext(ctx, "video summary failed", "url", videoURL, tint.Err(err))
			continue
		}
		result.VideoSummaries = append(result.VideoSummaries, summary)
		if _, err = b.transcript.AppendSpecial(
			TurnKindVideo,
			fmt.Sprintf("%s\n\n%s", videoURL, summary),
			nil,
		); err != nil {
			logger.ErrorContext(ctx, "error recording video summary", tint.Err(err))
		}
	}
	return result
}
