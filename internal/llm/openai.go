package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient implements the Client interface using OpenAI's streaming chat API.
type OpenAIClient struct {
	apiKey       string
	model        string
	url          string
	systemPrompt string
	temperature  float64
	maxTokens    int
	httpClient   *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	Model        string // e.g., "gpt-4o-mini"
	URL          string // Optional, defaults to the public chat completions endpoint
	SystemPrompt string // Optional custom system prompt
	Temperature  float64
	MaxTokens    int
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	url := cfg.URL
	if url == "" {
		url = openaiAPIURL
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.5
	}
	return &OpenAIClient{
		apiKey:       cfg.APIKey,
		model:        model,
		url:          url,
		systemPrompt: systemPrompt,
		temperature:  temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient:   &http.Client{},
	}
}

func (c *OpenAIClient) systemPromptWithGuardrails() string {
	return ResponseGuardrails + "\n\n" + c.systemPrompt
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one server-sent event of a streamed completion.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamCompletion sends the dialogue prompt as a single user message and streams the reply.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, prompt string) (*Stream, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPromptWithGuardrails()},
			{Role: "user", Content: prompt},
		},
		Stream:      true,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	stream := NewStream(ctx, 100)

	httpReq, err := http.NewRequestWithContext(stream.Context(), http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		stream.Close()
		return nil, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	go func() {
		defer resp.Body.Close()
		stream.Finish(readEvents(resp.Body, stream))
	}()

	return stream, nil
}

// readEvents forwards delta content from an SSE body until [DONE], EOF or close.
func readEvents(body io.Reader, stream *Stream) error {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()

		// Skip empty lines and non-data lines
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("OpenAI stream error: %s", chunk.Error.Message)
		}

		if len(chunk.Choices) > 0 {
			content := chunk.Choices[0].Delta.Content
			if content != "" && !stream.Send(content) {
				return ErrClosed
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if stream.Context().Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if stream.Context().Err() != nil {
		return ErrClosed
	}
	return errors.New("stream ended without [DONE]")
}
