package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/scrypster/crmsync/internal/breaker"
	"github.com/scrypster/crmsync/internal/ratelimit"
)

// OpenAIConfig holds configuration for the OpenAI client. Any server that
// speaks the Responses API (Groq included) works through BaseURL.
type OpenAIConfig struct {
	Name    string        // provider label for errors (default: openai)
	APIKey  string
	Model   string        // default: gpt-4o-mini
	BaseURL string        // default: SDK default
	Timeout time.Duration // default: 60s
}

// OpenAIClient implements TextGenerator using the OpenAI Responses API.
type OpenAIClient struct {
	cfg            OpenAIConfig
	client         openai.Client
	circuitBreaker *breaker.CircuitBreaker
}

// NewOpenAIClient creates a new OpenAI client with the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		// retries are owned by ratelimit.Do so the limiter sees every attempt
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		cfg:            cfg,
		client:         openai.NewClient(opts...),
		circuitBreaker: breaker.New(breaker.Config{Name: cfg.Name}),
	}
}

// NewGroqClient returns an OpenAIClient pointed at Groq's compatible endpoint.
func NewGroqClient(apiKey, model string, timeout time.Duration) *OpenAIClient {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return NewOpenAIClient(OpenAIConfig{
		Name:    "groq",
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.groq.com/openai/v1/",
		Timeout: timeout,
	})
}

// Complete sends a single-turn completion and returns the response text.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return "", fmt.Errorf("%s circuit breaker open: %w", c.cfg.Name, err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OpenAIClient) complete(ctx context.Context, req Request) (string, error) {
	params := responses.ResponseNewParams{
		Model:           c.cfg.Model,
		MaxOutputTokens: openai.Int(int64(req.maxTokens())),
		Temperature:     openai.Float(req.Temperature),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.User, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}

	switch {
	case req.Schema != nil:
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        req.Schema.Name,
					Schema:      req.Schema.Schema,
					Strict:      openai.Bool(true),
					Description: openai.String(req.Schema.Description),
					Type:        "json_schema",
				},
			},
		}
	case req.JSONMode:
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", &ratelimit.ThrottledError{RetryAfter: retryAfterFrom(apiErr.Response), Err: err}
		}
		return "", fmt.Errorf("%s request failed: %w", c.cfg.Name, err)
	}

	text := resp.OutputText()
	if text == "" {
		return "", fmt.Errorf("%s returned empty output", c.cfg.Name)
	}
	return text, nil
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

func retryAfterFrom(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Compile-time assertion.
var _ TextGenerator = (*OpenAIClient)(nil)
