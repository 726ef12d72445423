package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestOllamaClient points a client at a mock server without touching
// process environment.
func newTestOllamaClient(serverURL string) *OllamaClient {
	return &OllamaClient{
		httpClient: http.DefaultClient,
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		model:      "test-model",
	}
}

// TestChatStream_BasicSuccess tests successful streaming.
func TestChatStream_BasicSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected /api/chat, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" world"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":5}`)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)

	var tokens []string
	var doneEvent *StreamEvent
	callback := func(event StreamEvent) error {
		switch event.Type {
		case StreamEventToken:
			tokens = append(tokens, event.Content)
		case StreamEventDone:
			copied := event
			doneEvent = &copied
		}
		return nil
	}

	messages := []ChatMessage{{Role: RoleUser, Content: "hi"}}
	if err := client.ChatStream(context.Background(), messages, GenerationParams{}, callback); err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello world" {
		t.Errorf("Expected accumulated content 'Hello world', got %q", got)
	}
	if doneEvent == nil {
		t.Fatal("Expected a done event")
	}
	if doneEvent.TokensUsed != 17 {
		t.Errorf("Expected 17 tokens used, got %d", doneEvent.TokensUsed)
	}
}

// TestChatStream_CallbackErrorStopsStream tests that a callback error
// aborts the read loop and is propagated.
func TestChatStream_CallbackErrorStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"first"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"second"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)

	count := 0
	callback := func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			count++
			return fmt.Errorf("consumer hung up")
		}
		return nil
	}

	err := client.ChatStream(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}},
		GenerationParams{}, callback)
	if err == nil {
		t.Fatal("Expected callback error to propagate")
	}
	if count != 1 {
		t.Errorf("Expected the stream to stop after the first token, saw %d", count)
	}
}

// TestChatStream_ServerError tests that HTTP failures emit an error event.
func TestChatStream_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	err := client.ChatStream(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}},
		GenerationParams{}, callback)
	if err == nil {
		t.Fatal("Expected an error from a 500 response")
	}
	if receivedEvent.Type != StreamEventError {
		t.Errorf("Expected StreamEventError, got %v", receivedEvent.Type)
	}
}

// TestChat_SingleShot tests the non-streaming chat path.
func TestChat_SingleShot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"42"},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":1}`)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)

	result, err := client.Chat(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "meaning of life?"}}, GenerationParams{})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if result.Content != "42" {
		t.Errorf("Expected content '42', got %q", result.Content)
	}
	if result.TokensUsed != 4 {
		t.Errorf("Expected 4 tokens used, got %d", result.TokensUsed)
	}
	if result.FinishReason != "stop" {
		t.Errorf("Expected finish reason 'stop', got %q", result.FinishReason)
	}
}
