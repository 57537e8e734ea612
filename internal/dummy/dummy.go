// Package dummy provides a scripted model provider for offline runs and tests.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/history"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

// Name is the registry key of the scripted provider.
const Name = "dummy"

type action struct {
	kind string
	arg  string
}

// parseScript reads a comma-separated list of actions:
// ok, echo, msg:<text>, msgb64:<base64>, sleep:<ms>, err:<kind>.
func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "err", "sleep", "msg", "msgb64":
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next action; the last one repeats once the script is exhausted.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Provider replays a script of canned outcomes. It is safe for concurrent use.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  [][]history.Message
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "dummy-model"
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) Name() string { return Name }

// Calls returns a copy of every message list received so far.
func (p *Provider) Calls() [][]history.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]history.Message, len(p.calls))
	for i, c := range p.calls {
		out[i] = append([]history.Message(nil), c...)
	}
	return out
}

func (p *Provider) Send(ctx context.Context, messages []history.Message) (*provider.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]history.Message(nil), messages...))
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, &provider.Error{
			Provider: Name,
			Kind:     errorKind(a.arg),
			Message:  "dummy provider error class=" + emptyAs(a.arg, "transport"),
		}
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil, &provider.Error{Provider: Name, Kind: provider.KindTransport, Message: "dummy provider interrupted", Cause: ctx.Err()}
			}
		}
		return p.result("dummy-after-sleep", messages), nil
	case "msg":
		return p.result(a.arg, messages), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, &provider.Error{Provider: Name, Kind: provider.KindFormat, Message: "dummy provider msgb64 decode failed", Cause: err}
		}
		return p.result(string(raw), messages), nil
	case "echo":
		var last string
		if n := len(messages); n > 0 {
			last = messages[n-1].Content
		}
		return p.result(last, messages), nil
	default:
		return p.result(emptyAs(a.arg, "dummy-ok"), messages), nil
	}
}

// result reports one prompt token per input message and one completion token.
func (p *Provider) result(text string, messages []history.Message) *provider.Result {
	usage := provider.Usage{
		PromptTokens:     len(messages),
		CompletionTokens: 1,
		TotalTokens:      len(messages) + 1,
	}
	return &provider.Result{
		Text:  text,
		Usage: usage,
		UsageDetail: map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
		Model: p.model,
	}
}

func errorKind(class string) provider.Kind {
	switch k := provider.Kind(class); k {
	case provider.KindConfiguration, provider.KindTransport, provider.KindStatus, provider.KindFormat:
		return k
	}
	return provider.KindTransport
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
