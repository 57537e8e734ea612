package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/history"
)

// DeepSeek is a client for OpenAI-compatible chat completion endpoints.
type DeepSeek struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewDeepSeek creates a DeepSeek client.
func NewDeepSeek(cfg config.ProviderConfig, timeout time.Duration) *DeepSeek {
	return &DeepSeek{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.APIBase,
		model:      cfg.Model,
		httpClient: newHTTPClient(timeout),
	}
}

func (c *DeepSeek) Name() string { return config.ProviderDeepSeek }

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []history.Message `json:"messages"`
	Stream   bool              `json:"stream"`
}

// Send posts messages to {base}/chat/completions with roles passed through.
func (c *DeepSeek) Send(ctx context.Context, messages []history.Message) (res *Result, err error) {
	ctx, span := startCall(ctx, c.Name(), c.model)
	defer func() { span.end(res, err) }()

	if c.apiKey == "" {
		return nil, &Error{Provider: c.Name(), Kind: KindConfiguration, Message: "DEEPSEEK_API_KEY missing"}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	body, err := postJSON(ctx, c.httpClient, c.Name(), "DeepSeek", c.baseURL+"/chat/completions", header, chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, &Error{Provider: c.Name(), Kind: KindFormat, Message: "DeepSeek response was not valid JSON: " + truncate(string(body), 200)}
	}
	parsed := gjson.ParseBytes(body)

	content := parsed.Get("choices.0.message.content")
	if content.Type != gjson.String {
		return nil, &Error{Provider: c.Name(), Kind: KindFormat, Message: "DeepSeek response missing completion text"}
	}

	result := &Result{
		Text:       content.String(),
		Model:      parsed.Get("model").String(),
		ResponseID: parsed.Get("id").String(),
	}
	if result.Model == "" {
		result.Model = c.model
	}

	// The usage object is passed through verbatim; counts default to 0.
	usage := parsed.Get("usage")
	if usage.IsObject() {
		if detail, ok := usage.Value().(map[string]any); ok && len(detail) > 0 {
			result.UsageDetail = detail
		}
		result.Usage = Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	}
	return result, nil
}
