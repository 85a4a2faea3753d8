package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/gembot/internal/model"
)

func TestWrapErrorClassifiesStatus(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, true},
		{"unavailable", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("down")}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400, Message: "nope"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		err := wrapError("deepseek", tc.err)
		if got := model.IsTransient(err); got != tc.transient {
			t.Fatalf("%s: IsTransient() = %v, want %v (err=%v)", tc.name, got, tc.transient, err)
		}
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: wrapped error lost its cause", tc.name)
		}
	}
	if wrapError("x", nil) != nil {
		t.Fatalf("wrapError(nil) != nil")
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Title") != "gembot" {
			t.Errorf("X-Title header = %q", r.Header.Get("X-Title"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "deepseek-chat",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello back"},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{
		Name:         "deepseek",
		APIKey:       "test",
		BaseURL:      srv.URL,
		DefaultModel: "deepseek-chat",
		Headers:      map[string]string{"X-Title": "gembot"},
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}

	resp, err := c.Complete(context.Background(), &CompletionRequest{
		System: "be brief",
		Messages: []ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hey"},
			{Role: "user", Content: "how are you"},
		},
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello back" || resp.TokensIn != 12 || resp.TokensOut != 3 {
		t.Fatalf("Complete() = %+v", resp)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != openai.ChatMessageRoleSystem || got.Messages[2].Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("request messages = %+v, want system then history", got.Messages)
	}
	if got.Model != "deepseek-chat" {
		t.Fatalf("request model = %q, want default model", got.Model)
	}

	plain, err := NewOpenAIClient(OpenAIConfig{APIKey: "test"})
	if err != nil || plain.defaultModel != "gpt-4o" || plain.Name() != string(ProviderOpenAI) {
		t.Fatalf("NewOpenAIClient() defaults = %q, %q, %v", plain.defaultModel, plain.Name(), err)
	}
}

func TestAnthropicTurns(t *testing.T) {
	cases := []struct {
		name       string
		system     string
		in         []ChatMessage
		wantSystem string
		want       []ChatMessage
	}{
		{
			name: "leading assistant dropped",
			in: []ChatMessage{
				{Role: "assistant", Content: "orphan answer"},
				{Role: "user", Content: "hi"},
			},
			want: []ChatMessage{{Role: "user", Content: "hi"}},
		},
		{
			name: "same role merged",
			in: []ChatMessage{
				{Role: "user", Content: "first"},
				{Role: "user", Content: "second"},
				{Role: "assistant", Content: "a"},
				{Role: "assistant", Content: "b"},
				{Role: "user", Content: "third"},
			},
			want: []ChatMessage{
				{Role: "user", Content: "first\n\nsecond"},
				{Role: "assistant", Content: "a\n\nb"},
				{Role: "user", Content: "third"},
			},
		},
		{
			name:       "system folded",
			system:     "be brief",
			in:         []ChatMessage{{Role: "system", Content: "use English"}, {Role: "user", Content: "hi"}},
			wantSystem: "be brief\n\nuse English",
			want:       []ChatMessage{{Role: "user", Content: "hi"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			system, got := anthropicTurns(tc.system, tc.in)
			if system != tc.wantSystem {
				t.Fatalf("system = %q, want %q", system, tc.wantSystem)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("turns = %+v, want %+v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("turn %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestOpenAIClientTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient(OpenAIConfig{Name: "openrouter", APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), &CompletionRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	if !model.IsTransient(err) {
		t.Fatalf("Complete() error = %v, want transient", err)
	}
}

func TestNewClientsRequireKeys(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{}); err == nil {
		t.Fatalf("NewOpenAIClient() without key error = nil")
	}
	if _, err := NewAnthropicClient("", ""); err == nil {
		t.Fatalf("NewAnthropicClient() without key error = nil")
	}
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{}); err == nil {
		t.Fatalf("NewGeminiClient() without key error = nil")
	}
}
