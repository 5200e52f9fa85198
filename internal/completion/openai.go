package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/antoniostano/chatrelay/internal/reliability"
	"github.com/antoniostano/chatrelay/internal/session"
)

const (
	maxAttempts = 3
	backoffBase = 250 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// OpenAIConfig configures the OpenAI chat-completion client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// OpenAIProvider relays the session window to the OpenAI chat completions API.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w: missing API key", ErrMisconfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), cfg: cfg}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, messages []session.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: p.buildMessages(messages),
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}

	var (
		resp *openai.ChatCompletion
		err  error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err = p.client.Chat.Completions.New(ctx, params)
		if err == nil {
			break
		}
		var apierr *openai.Error
		if !errors.As(err, &apierr) || !reliability.IsRetryableHTTPStatus(apierr.StatusCode) {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("openai: %w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(reliability.ExponentialBackoff(attempt, backoffBase, backoffCap)):
		}
	}
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w: no choices returned", ErrUnavailable)
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("openai: %w: empty completion", ErrUnavailable)
	}
	return content, nil
}

func (p *OpenAIProvider) buildMessages(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if p.cfg.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(p.cfg.SystemPrompt))
	}
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		}
	}
	return out
}

func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return fmt.Errorf("openai: %w: status %d", ErrMisconfigured, apierr.StatusCode)
		default:
			return fmt.Errorf("openai: %w: status %d", ErrUnavailable, apierr.StatusCode)
		}
	}
	// Network failures and deadline expiries land here.
	return fmt.Errorf("openai: %w: %v", ErrUnavailable, err)
}
