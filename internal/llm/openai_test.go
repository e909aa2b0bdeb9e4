package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewOpenAIClientDefaults(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test"})

	if c.model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", c.model)
	}
	if c.url != openaiAPIURL {
		t.Errorf("url = %q, want %q", c.url, openaiAPIURL)
	}
	if c.systemPrompt != DefaultSystemPrompt {
		t.Error("expected default system prompt")
	}
	if !strings.HasPrefix(c.systemPromptWithGuardrails(), ResponseGuardrails) {
		t.Error("guardrails should lead the system prompt")
	}
}

func TestNewOpenAIClientCustom(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{
		APIKey:       "sk-test",
		Model:        "gpt-4o",
		SystemPrompt: "Be brief.",
		Temperature:  0.2,
	})
	if c.model != "gpt-4o" || c.systemPrompt != "Be brief." || c.temperature != 0.2 {
		t.Errorf("client = %+v", c)
	}
}

func TestGenerateSystemPrompt(t *testing.T) {
	p := GenerateSystemPrompt("Max", []string{"en", "de"})
	if !strings.Contains(p, `"Max"`) || !strings.Contains(p, "en, de") {
		t.Errorf("prompt missing name or languages:\n%s", p)
	}

	p = GenerateSystemPrompt("", nil)
	if !strings.Contains(p, `"GPT"`) {
		t.Errorf("empty name should default to GPT:\n%s", p)
	}
}

func sseChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func collect(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-s.Fragments():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamCompletion(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, sseChunk("Hel"))
		fmt.Fprint(w, sseChunk("lo wor"))
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, sseChunk("ld"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", URL: srv.URL})
	s, err := c.StreamCompletion(context.Background(), "[Speaker 0, en] hi GPT")
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	got := collect(t, s)
	if strings.Join(got, "|") != "Hel|lo wor|ld" {
		t.Errorf("fragments = %q", got)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !gotReq.Stream || len(gotReq.Messages) != 2 {
		t.Fatalf("request = %+v", gotReq)
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Content != "[Speaker 0, en] hi GPT" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestStreamCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", URL: srv.URL})
	if _, err := c.StreamCompletion(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestStreamCompletionMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("partial "))
		fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", URL: srv.URL})
	s, err := c.StreamCompletion(context.Background(), "x")
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := collect(t, s)
	if len(got) != 1 || got[0] != "partial " {
		t.Errorf("fragments = %q", got)
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("Err() = %v, want overloaded", err)
	}
}

func TestStreamCompletionTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("cut"))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", URL: srv.URL})
	s, err := c.StreamCompletion(context.Background(), "x")
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	collect(t, s)
	if s.Err() == nil {
		t.Error("stream without [DONE] should report an error")
	}
}

func TestStreamCloseAbandonsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", URL: srv.URL})
	s, err := c.StreamCompletion(context.Background(), "x")
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	if f := <-s.Fragments(); f != "first" {
		t.Fatalf("first fragment = %q", f)
	}
	s.Close()

	collect(t, s)
	if !errors.Is(s.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", s.Err())
	}
}

func TestStreamProducerHelpers(t *testing.T) {
	s := NewStream(context.Background(), 1)
	if !s.Send("a") {
		t.Fatal("Send on open stream should succeed")
	}
	s.Finish(nil)
	s.Finish(errors.New("ignored"))

	got := collect(t, s)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("fragments = %q", got)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
	if s.Send("b") {
		t.Error("Send after Finish should fail")
	}
}
