package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/history"
)

// Anthropic sends messages through the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int64
	client    anthropic.Client
}

// NewAnthropic creates an Anthropic client. SDK retries are disabled.
func NewAnthropic(cfg config.ProviderConfig, timeout time.Duration) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(newHTTPClient(timeout)),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		client:    anthropic.NewClient(opts...),
	}
}

func (c *Anthropic) Name() string { return config.ProviderAnthropic }

func buildAnthropicParams(model string, maxTokens int64, messages []history.Message) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(messages)),
	}
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case history.RoleSystem:
			if m.Content != "" {
				params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
			}
		case history.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

// Send calls Messages.New once and concatenates the text blocks of the reply.
func (c *Anthropic) Send(ctx context.Context, messages []history.Message) (res *Result, err error) {
	ctx, span := startCall(ctx, c.Name(), c.model)
	defer func() { span.end(res, err) }()

	if c.apiKey == "" {
		return nil, &Error{Provider: c.Name(), Kind: KindConfiguration, Message: "ANTHROPIC_API_KEY missing"}
	}

	msg, err := c.client.Messages.New(ctx, buildAnthropicParams(c.model, c.maxTokens, messages))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &Error{Provider: c.Name(), Kind: KindStatus, HTTPStatus: apiErr.StatusCode, Message: "Anthropic request failed", Cause: err}
		}
		return nil, &Error{Provider: c.Name(), Kind: KindTransport, Message: "Anthropic request failed", Cause: err}
	}

	var (
		text  strings.Builder
		found bool
	)
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
			found = true
		}
	}
	if !found {
		return nil, &Error{Provider: c.Name(), Kind: KindFormat, Message: "Anthropic response missing completion text"}
	}

	usage := Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	result := &Result{
		Text:        text.String(),
		Usage:       usage,
		UsageDetail: usageMap(usage),
		Model:       string(msg.Model),
		ResponseID:  msg.ID,
	}
	if result.Model == "" {
		result.Model = c.model
	}
	return result, nil
}
