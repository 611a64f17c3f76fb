package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Response format modes.
const (
	FormatText       = ""
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	ResponseFormat string
	EnableThinking bool
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// OpenAICompleter implements Completer over the chat completions API.
type OpenAICompleter struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAICompleter builds the client. Retries are left to the verdict loop.
func NewOpenAICompleter(cfg OpenAIConfig) *OpenAICompleter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAICompleter{client: openai.NewClient(opts...), cfg: cfg}
}

// Complete sends the prompt and images as a single user message.
func (c *OpenAICompleter) Complete(ctx context.Context, req Request) (string, error) {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.ImageURLs)+1)
	for _, u := range req.ImageURLs {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: u}))
	}
	parts = append(parts, openai.TextContentPart(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
		Model:       shared.ChatModel(c.cfg.Model),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	switch c.cfg.ResponseFormat {
	case FormatJSONObject:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	case FormatJSONSchema:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "listing_verdict",
					Description: openai.String("purchase recommendation for a second-hand listing"),
					Schema:      ResponseSchema(),
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	var reqOpts []option.RequestOption
	if c.cfg.EnableThinking {
		reqOpts = append(reqOpts, option.WithJSONSet("enable_thinking", true))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
