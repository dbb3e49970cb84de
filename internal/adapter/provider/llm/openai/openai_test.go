package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vectorkb/internal/adapter/provider/llm/openai"
	"vectorkb/internal/domain/kb"
	"vectorkb/internal/provider"
)

func temp(v float64) *float64 { return &v }

// TestComplete 非流式补全请求与响应解析
func TestComplete(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4.1",
			"choices": []map[string]any{
				{
					"message":       map[string]string{"role": "assistant", "content": "hello there"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	p := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL})

	resp, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model: "gpt-4.1",
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Temperature: temp(0.7),
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("unexpected auth header: %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4.1" {
		t.Errorf("unexpected model: %v", gotBody["model"])
	}
	if gotBody["temperature"] != 0.7 {
		t.Errorf("unexpected temperature: %v", gotBody["temperature"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(msgs))
	}

	if resp.Content != "hello there" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("unexpected finish reason: %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}

	t.Logf("✅ Completion: %q (%d tokens)", resp.Content, resp.Usage.TotalTokens)
}

// TestCompleteTemperatureOnWire 显式 0 上送，未设置则不出现在请求体中
func TestCompleteTemperatureOnWire(t *testing.T) {
	var gotRaw map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRaw = map[string]json.RawMessage{}
		json.NewDecoder(r.Body).Decode(&gotRaw)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4.1",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	p := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL})
	messages := []provider.Message{{Role: "user", Content: "hi"}}

	// 显式 0：必须出现在请求体中
	_, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model:       "gpt-4.1",
		Messages:    messages,
		Temperature: temp(0),
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	raw, ok := gotRaw["temperature"]
	if !ok {
		t.Fatal("explicit zero temperature must be sent upstream")
	}
	if string(raw) != "0" {
		t.Errorf("expected temperature 0 on the wire, got %s", raw)
	}

	// 未设置：字段省略，由上游取默认值
	_, err = p.Complete(context.Background(), &provider.CompletionRequest{
		Model:    "gpt-4.1",
		Messages: messages,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if _, ok := gotRaw["temperature"]; ok {
		t.Error("unset temperature must be omitted from the request body")
	}

	t.Logf("✅ Temperature: explicit zero sent, unset omitted")
}

// TestCompleteUpstreamError 非 200 映射为 ProviderError
func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	p := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var pe *kb.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", pe.StatusCode)
	}
}

// TestCompleteNoChoices 空 choices 是错误
func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "chatcmpl-1", "choices": []}`))
	}))
	defer srv.Close()

	p := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

// TestProviderName 注册名固定为 openai
func TestProviderName(t *testing.T) {
	p := openai.New(openai.Config{})
	if p.Name() != "openai" {
		t.Errorf("expected name openai, got %s", p.Name())
	}
}
