// Package provider adapts the relay's neutral message list to upstream model
// APIs and normalizes what comes back.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/stupiduntilnot/chatrelay/internal/history"
)

// Provider is implemented by every model backend.
type Provider interface {
	// Name is the registry key, e.g. "deepseek".
	Name() string
	// Send forwards messages upstream and returns the answer. It performs
	// exactly one upstream call and never retries.
	Send(ctx context.Context, messages []history.Message) (*Result, error)
}

// Usage holds normalized token counts. Missing counts are 0.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is the normalized outcome of a successful call.
type Result struct {
	Text  string
	Usage Usage
	// UsageDetail is the usage mapping recorded in turn metadata and returned
	// to clients. Empty when the upstream reported none.
	UsageDetail map[string]any
	Model       string
	ResponseID  string
}

// Kind classifies provider failures.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindStatus        Kind = "status"
	KindFormat        Kind = "format"
)

// Error is returned by every adapter for failed calls.
type Error struct {
	Provider string
	Kind     Kind
	// HTTPStatus is set for KindStatus.
	HTTPStatus int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError extracts a provider *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is a provider error of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == k
}

func usageMap(u Usage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
}
