package custseg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures the OpenAI chat completions generator.
type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	// BaseURL overrides the API endpoint, e.g. for a compatible gateway.
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// OpenAIGenerator implements Generator with the chat completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator returns ErrConfiguration when no API key is set.
func NewOpenAIGenerator(cfg OpenAIConfig, opts ...option.RequestOption) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: OpenAI API key is not set", ErrConfiguration)
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4_1
	}

	// Retries are driven by the Summarizer so they stay inside the per-cluster timeout.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAIGenerator{
		client: openai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Generate sends one chat completion and returns the first choice's content.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Model:       openai.ChatModel(g.model),
		Temperature: openai.Float(req.Sampling.Temperature),
		TopP:        openai.Float(req.Sampling.TopP),
	}
	if req.Sampling.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Sampling.MaxTokens))
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.Schema.Name,
					Description: openai.String(req.Schema.Description),
					Schema:      req.Schema.Schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("no choices in completion response")
	}
	choice := completion.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("model refused: %s", choice.Message.Refusal)
	}
	return choice.Message.Content, nil
}

// transientError marks failures that may succeed on retry.
type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

// classifyOpenAIError marks rate limits and server errors as transient.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			t := &transientError{err: fmt.Errorf("openai status %d: %w", apiErr.StatusCode, err)}
			if apiErr.Response != nil {
				t.retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return t
		}
		return fmt.Errorf("openai status %d: %w", apiErr.StatusCode, err)
	}
	return fmt.Errorf("failed to call OpenAI API: %w", err)
}
