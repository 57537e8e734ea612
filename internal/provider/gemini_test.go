package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/history"
)

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	Contents          []wireContent `json:"contents"`
	SystemInstruction *wireContent  `json:"system_instruction"`
}

func TestGeminiSend_Translation(t *testing.T) {
	var got wireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if key := r.URL.Query().Get("key"); key != "gem-key" {
			t.Errorf("unexpected key %q", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "bonjour"}]}}],
			"usageMetadata": {"promptTokenCount": 11, "candidatesTokenCount": 3, "totalTokenCount": 14},
			"modelVersion": "gemini-test-001",
			"responseId": "abc"
		}`))
	}))
	defer server.Close()

	client := NewGemini(config.ProviderConfig{APIKey: "gem-key", APIBase: server.URL, Model: "gemini-test"}, 5*time.Second)
	result, err := client.Send(context.Background(), []history.Message{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantContents := []wireContent{
		{Role: "user", Parts: []wirePart{{Text: "a"}}},
		{Role: "model", Parts: []wirePart{{Text: "b"}}},
		{Role: "user", Parts: []wirePart{{Text: "c"}}},
	}
	if diff := cmp.Diff(wantContents, got.Contents); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) != 1 || got.SystemInstruction.Parts[0].Text != "S" {
		t.Errorf("unexpected system_instruction %+v", got.SystemInstruction)
	}

	if result.Text != "bonjour" {
		t.Errorf("expected 'bonjour', got %q", result.Text)
	}
	wantUsage := map[string]any{"prompt_tokens": 11, "completion_tokens": 3, "total_tokens": 14}
	if diff := cmp.Diff(wantUsage, result.UsageDetail); diff != "" {
		t.Errorf("usage mismatch (-want +got):\n%s", diff)
	}
	if result.Model != "gemini-test-001" || result.ResponseID != "abc" {
		t.Errorf("unexpected model/id %q/%q", result.Model, result.ResponseID)
	}
}

func TestBuildGeminiRequest_NoSystem(t *testing.T) {
	req := buildGeminiRequest([]history.Message{{Role: "tool", Content: "x"}})
	if req.SystemInstruction != nil {
		t.Errorf("expected no system_instruction, got %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
		t.Errorf("unknown roles must map to user, got %+v", req.Contents)
	}
}

func TestGeminiSend_MissingUsageDefaultsToZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`))
	}))
	defer server.Close()

	client := NewGemini(config.ProviderConfig{APIKey: "k", APIBase: server.URL, Model: "m"}, 5*time.Second)
	result, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0}
	if diff := cmp.Diff(want, result.UsageDetail); diff != "" {
		t.Errorf("usage mismatch (-want +got):\n%s", diff)
	}
}

func TestGeminiSend_MissingCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer server.Close()

	client := NewGemini(config.ProviderConfig{APIKey: "k", APIBase: server.URL, Model: "m"}, 5*time.Second)
	_, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	if !IsKind(err, KindFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestGeminiSend_NonTextPart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"iVBORw0KGgo="}}]}}]}`))
	}))
	defer server.Close()

	client := NewGemini(config.ProviderConfig{APIKey: "k", APIBase: server.URL, Model: "m"}, 5*time.Second)
	result, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	if !IsKind(err, KindFormat) {
		t.Fatalf("expected format error, got result=%+v err=%v", result, err)
	}
	if !strings.Contains(err.Error(), "missing completion text") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestGeminiSend_StatusErrorHidesKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := NewGemini(config.ProviderConfig{APIKey: "secret-key", APIBase: server.URL, Model: "m"}, 5*time.Second)
	_, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	if !IsKind(err, KindStatus) {
		t.Fatalf("expected status error, got %v", err)
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Errorf("error leaks API key: %v", err)
	}
}

func TestGeminiSend_MissingKey(t *testing.T) {
	client := NewGemini(config.ProviderConfig{APIBase: "http://127.0.0.1:1", Model: "m"}, time.Second)
	_, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	if !IsKind(err, KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRedactKey(t *testing.T) {
	err := &Error{Provider: "gemini", Kind: KindTransport, Message: "Gemini request failed",
		Cause: errors.New(`Post "http://x/models/m:generateContent?key=abc123": dial tcp: refused`)}
	got := redactKey(err, "abc123")
	if strings.Contains(got.Error(), "abc123") {
		t.Errorf("key not redacted: %v", got)
	}
	if !IsKind(got, KindTransport) {
		t.Errorf("kind lost: %v", got)
	}
}
