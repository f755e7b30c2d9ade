package tmgbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"golang.org/x/time/rate"
)

// Purposes recorded in [OpenAIAPILog]
const (
	openaiPurposeAnswer   = "answer"
	openaiPurposeClassify = "classify"
	openaiPurposeDiagram  = "diagram"
)

var (
	ErrOpenAIRefusal    = errors.New("model refused to answer")
	ErrOpenAINoChoices  = errors.New("no choices in completion response")
	ErrOpenAITruncated  = errors.New("completion was truncated")
	ErrOpenAIBadPayload = errors.New("completion didn't match the expected schema")
)

// OpenAIClient is the subset of the go-openai client used by the bot.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAIAPILog records a chat completion request and its outcome.
//
//nolint:lll // struct tags can't be split
type OpenAIAPILog struct {
	ModelUintID
	ModelUnixTime

	Purpose string `json:"purpose" gorm:"type:string;index"`
	Model   string `json:"model" gorm:"type:string"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody     string `json:"request_payload" gorm:"type:string"`
	ResponseBody    string `json:"response_payload" gorm:"type:string"`
	ResponseHeaders string `json:"headers" gorm:"type:string"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	Error string `json:"error" gorm:"type:string"`
}

func (OpenAIAPILog) TableName() string {
	return "openai_api_log"
}

// OpenAI wraps the chat completions API with rate limiting, request
// logging and structured (JSON schema) output decoding.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	db             DBI

	mu sync.RWMutex // protects requestLimiter
}

func newOpenAI(config *OpenAIConfig, handler slog.Handler, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config:         config,
		logger:         slog.New(handler).With(loggerNameKey, "openai"),
		requestLimiter: rate.NewLimiter(rate.Limit(DefaultOpenAIRequestsPerSecond), 1),
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// setRequestLimit replaces the request limiter, when the limit changes
func (o *OpenAI) setRequestLimit(perSecond int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	limit := rate.Limit(perSecond)
	if o.requestLimiter != nil && o.requestLimiter.Limit() == limit {
		return
	}
	o.logger.Info("updating request limit", "requests_per_second", perSecond)
	o.requestLimiter = rate.NewLimiter(limit, 1)
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request. The lock isn't held while waiting, so the limit can be
// updated under load.
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// jsonSchemaFormat builds a strict structured-output response format from
// a Go value's type.
func jsonSchemaFormat(name string, v any) (*openai.ChatCompletionResponseFormat, error) {
	schema, err := jsonschema.GenerateSchemaForType(v)
	if err != nil {
		return nil, fmt.Errorf("error generating schema for %q: %w", name, err)
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   name,
			Schema: schema,
			Strict: true,
		},
	}, nil
}

// structuredCompletion sends req, and decodes the response content into
// out. Every request is recorded as an [OpenAIAPILog] when a database is
// available.
func (o *OpenAI) structuredCompletion(
	ctx context.Context,
	purpose string,
	req openai.ChatCompletionRequest,
	out any,
) error {
	logger := loggerFrom(ctx, o.logger).With("purpose", purpose, "model", req.Model)

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return fmt.Errorf("error waiting on request limiter: %w", err)
	}

	apiLog := &OpenAIAPILog{Purpose: purpose, Model: req.Model}
	if body, err := json.Marshal(req); err == nil {
		apiLog.RequestBody = string(body)
	}

	apiLog.RequestStarted = time.Now().UnixMilli()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	apiLog.RequestEnded = time.Now().UnixMilli()

	defer o.recordAPILog(ctx, logger, apiLog)

	if err != nil {
		apiLog.Error = err.Error()
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
		return err
	}
	if body, e := json.Marshal(resp); e == nil {
		apiLog.ResponseBody = string(body)
	}
	apiLog.ResponseHeaders = dumpHeaders(resp.Header())
	apiLog.PromptTokens = resp.Usage.PromptTokens
	apiLog.CompletionTokens = resp.Usage.CompletionTokens

	logger.InfoContext(
		ctx,
		"chat completion finished",
		"elapsed_ms", apiLog.RequestEnded-apiLog.RequestStarted,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if err = decodeCompletion(resp, out); err != nil {
		apiLog.Error = err.Error()
		logger.ErrorContext(ctx, "invalid completion", tint.Err(err))
		return err
	}
	return nil
}

// decodeCompletion unmarshals the first choice of resp into out
func decodeCompletion(resp openai.ChatCompletionResponse, out any) error {
	if len(resp.Choices) == 0 {
		return ErrOpenAINoChoices
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return fmt.Errorf("%w: %s", ErrOpenAIRefusal, choice.Message.Refusal)
	}
	if choice.FinishReason == openai.FinishReasonLength {
		return ErrOpenAITruncated
	}
	if err := json.Unmarshal([]byte(choice.Message.Content), out); err != nil {
		return fmt.Errorf("%w: %w", ErrOpenAIBadPayload, err)
	}
	return nil
}

func (o *OpenAI) recordAPILog(ctx context.Context, logger *slog.Logger, apiLog *OpenAIAPILog) {
	if o.db == nil {
		return
	}
	// the request context may already be canceled
	ctx = context.WithoutCancel(ctx)
	if _, err := o.db.Create(ctx, apiLog); err != nil {
		logger.ErrorContext(ctx, "error saving openai api log", tint.Err(err))
	}
}

func dumpHeaders(headers http.Header) string {
	if len(headers) == 0 {
		return ""
	}
	var b strings.Builder
	if err := headers.Write(&b); err != nil {
		return ""
	}
	return b.String()
}
