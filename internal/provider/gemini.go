package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/history"
)

// Gemini is a client for the generateContent REST endpoint.
type Gemini struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGemini creates a Gemini client.
func NewGemini(cfg config.ProviderConfig, timeout time.Duration) *Gemini {
	return &Gemini{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.APIBase,
		model:      cfg.Model,
		httpClient: newHTTPClient(timeout),
	}
}

func (c *Gemini) Name() string { return config.ProviderGemini }

type generateContentRequest struct {
	Contents          []*genai.Content `json:"contents"`
	SystemInstruction *genai.Content   `json:"system_instruction,omitempty"`
}

// buildGeminiRequest strips system messages into system_instruction and maps
// assistant to the model role; every other role is sent as user.
func buildGeminiRequest(messages []history.Message) generateContentRequest {
	req := generateContentRequest{Contents: make([]*genai.Content, 0, len(messages))}
	var system []string
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case history.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case history.RoleAssistant:
			req.Contents = append(req.Contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			req.Contents = append(req.Contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(strings.Join(system, "\n\n"))},
		}
	}
	return req
}

// Send posts messages to {base}/models/{model}:generateContent.
func (c *Gemini) Send(ctx context.Context, messages []history.Message) (res *Result, err error) {
	ctx, span := startCall(ctx, c.Name(), c.model)
	defer func() { span.end(res, err) }()

	if c.apiKey == "" {
		return nil, &Error{Provider: c.Name(), Kind: KindConfiguration, Message: "GEMINI_API_KEY missing"}
	}

	endpoint := c.baseURL + "/models/" + url.PathEscape(c.model) + ":generateContent?" +
		url.Values{"key": {c.apiKey}}.Encode()
	body, err := postJSON(ctx, c.httpClient, c.Name(), "Gemini", endpoint, nil, buildGeminiRequest(messages))
	if err != nil {
		return nil, redactKey(err, c.apiKey)
	}

	var parsed genai.GenerateContentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: c.Name(), Kind: KindFormat, Message: "Gemini response was not valid JSON", Cause: err}
	}
	// Non-text first parts (inlineData, functionCall) decode to an empty Text.
	if gjson.GetBytes(body, "candidates.0.content.parts.0.text").Type != gjson.String {
		return nil, &Error{Provider: c.Name(), Kind: KindFormat, Message: "Gemini response missing completion text"}
	}

	result := &Result{
		Text:       parsed.Candidates[0].Content.Parts[0].Text,
		Model:      parsed.ModelVersion,
		ResponseID: parsed.ResponseID,
	}
	if result.Model == "" {
		result.Model = c.model
	}
	if u := parsed.UsageMetadata; u != nil {
		result.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	result.UsageDetail = usageMap(result.Usage)
	return result, nil
}

// redactKey removes the query-string API key from transport errors, which
// embed the request URL.
func redactKey(err error, key string) error {
	e, ok := AsError(err)
	if !ok || e.Cause == nil || key == "" {
		return err
	}
	msg := strings.ReplaceAll(e.Cause.Error(), key, "REDACTED")
	if msg == e.Cause.Error() {
		return err
	}
	redacted := *e
	redacted.Cause = &redactedError{msg: msg, cause: e.Cause}
	return &redacted
}

type redactedError struct {
	msg   string
	cause error
}

func (r *redactedError) Error() string { return r.msg }
func (r *redactedError) Unwrap() error { return r.cause }
