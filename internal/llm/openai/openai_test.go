package openai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/dbchat/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "gpt-4" {
			t.Errorf("expected model gpt-4, got %q", req.Model)
		}
		// Should have system + user messages.
		if len(req.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(req.Messages))
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("expected system role, got %q", req.Messages[0].Role)
		}
		if req.Messages[1].Role != "user" {
			t.Errorf("expected user role, got %q", req.Messages[1].Role)
		}
		if req.Temperature != 0.3 {
			t.Errorf("expected temperature 0.3, got %v", req.Temperature)
		}

		resp := apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "SELECT count(*) FROM artists;"},
				FinishReason: "stop",
			}},
			Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You generate SQL.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "How many artists?"}},
		Temperature:  0.3,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "SELECT count(*) FROM artists;" {
		t.Errorf("got content %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("got stop reason %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("got usage %+v", resp.Usage)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", "gpt-4", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestSendMessage_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Usage: apiUsage{PromptTokens: 3}})
	}))
	defer srv.Close()

	client := NewClient("k", "gpt-4", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("usage not carried through: %+v", resp.Usage)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct{ in, want string }{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.in); got != tt.want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithName(t *testing.T) {
	client := NewClient("", "llama3", discardLogger(), WithName("ollama"), WithBaseURL("http://localhost:11434"))
	if client.Name() != "ollama" {
		t.Errorf("got name %q, want ollama", client.Name())
	}
}
