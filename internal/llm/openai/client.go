// Package openai adapts an OpenAI-compatible chat completion endpoint to pipeline.Model.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 1500
	DefaultTemperature = 0.3
	DefaultTimeout     = 60 * time.Second
)

// Config holds model client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// Client calls the chat completion API with a JSON object response format.
type Client struct {
	api    *goopenai.Client
	cfg    Config
	logger *zap.Logger
}

// New builds a Client. The HTTP client carries the configured timeout.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		api:    goopenai.NewClientWithConfig(apiCfg),
		cfg:    cfg,
		logger: logger.Named("openai"),
	}, nil
}

// Complete sends one system + user message pair and returns the first choice.
func (c *Client) Complete(ctx context.Context, req pipeline.ModelRequest) (pipeline.ModelResponse, error) {
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: req.System},
			{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return pipeline.ModelResponse{}, classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return pipeline.ModelResponse{}, pipeline.Malformed(errors.New("chat completion returned no choices"))
	}

	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	c.logger.Debug("chat completion finished",
		zap.String("model", model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return pipeline.ModelResponse{Content: resp.Choices[0].Message.Content, Model: model}, nil
}

func classifyError(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("chat completion: %w", err)
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return wrapped
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return pipeline.Transient(wrapped)
	}
	if (&pipeline.StatusError{StatusCode: status}).Retryable() {
		return pipeline.Transient(wrapped)
	}
	return pipeline.Terminal(wrapped)
}
