package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramClient implements the Client interface using Deepgram's streaming API.
// One client serves exactly one language.
type DeepgramClient struct {
	language  string
	logger    *log.Logger
	conn      *websocket.Conn
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	URL            string // defaults to the public listen endpoint
	APIKey         string
	Language       string // e.g., "en", "ru"
	Model          string // e.g., "nova-3"
	SampleRate     int    // e.g., 16000
	Encoding       string // e.g., "linear16"
	Channels       int    // e.g., 1 for mono
	SmartFormat    bool
	Diarize        bool
	InterimResults bool
	VADEvents      bool
	Endpointing    int // milliseconds of silence for endpointing, 0 for default
	UtteranceEndMs int // hard timeout after last speech, regardless of noise (0 for default)
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Confidence float64        `json:"confidence"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

type deepgramWord struct {
	Word           string `json:"word"`
	PunctuatedWord string `json:"punctuated_word"`
	Speaker        *int   `json:"speaker"`
}

// listenURL builds the websocket URL with the query parameters Deepgram expects.
func listenURL(cfg DeepgramConfig) string {
	base := cfg.URL
	if base == "" {
		base = deepgramWSURL
	}

	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("diarize", strconv.FormatBool(cfg.Diarize))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("vad_events", strconv.FormatBool(cfg.VADEvents))

	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.Endpointing))
	}

	// Deepgram only emits UtteranceEnd when interim results are on.
	if cfg.UtteranceEndMs > 0 && cfg.InterimResults {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}

	return base + "?" + q.Encode()
}

// NewDeepgramClient creates a new Deepgram streaming STT client.
func NewDeepgramClient(ctx context.Context, cfg DeepgramConfig, logger *log.Logger) (*DeepgramClient, error) {
	// Set up headers with API key
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	// Connect to Deepgram
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenURL(cfg), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram (%s): %w", cfg.Language, err)
	}

	client := &DeepgramClient{
		language: cfg.Language,
		logger:   logger,
		conn:     conn,
		events:   make(chan Event, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}

	// Start reading responses
	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// Language returns the language this client transcribes.
func (c *DeepgramClient) Language() string {
	return c.language
}

// StreamAudio sends audio data to Deepgram.
func (c *DeepgramClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Events returns the channel for receiving transcript events.
func (c *DeepgramClient) Events() <-chan Event {
	return c.events
}

// Errors returns the channel for receiving errors.
func (c *DeepgramClient) Errors() <-chan error {
	return c.errors
}

// Close closes the Deepgram connection.
func (c *DeepgramClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		// Send close message to Deepgram
		c.mu.Lock()
		closeMsg := []byte(`{"type": "CloseStream"}`)
		_ = c.conn.WriteMessage(websocket.TextMessage, closeMsg)
		c.mu.Unlock()

		err = c.conn.Close()

		// Wait for readLoop to finish before closing channels
		c.wg.Wait()
		close(c.events)
		close(c.errors)
	})
	return err
}

// readLoop reads responses from Deepgram and sends them to the events channel.
func (c *DeepgramClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		ev, ok, err := parseMessage(msg, c.language)
		if err != nil {
			c.logger.Printf("deepgram[%s]: failed to parse response: %v", c.language, err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case <-c.done:
			return
		case c.events <- ev:
		}
	}
}

// parseMessage converts one Deepgram message into an Event.
// ok is false for message types that carry nothing the assembler needs.
func parseMessage(msg []byte, language string) (ev Event, ok bool, err error) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return Event{}, false, err
	}

	switch resp.Type {
	case "UtteranceEnd":
		return Event{Kind: EventUtteranceEnd, Language: language}, true, nil
	case "SpeechStarted":
		return Event{Kind: EventSpeechStarted, Language: language}, true, nil
	case "Results":
	default:
		return Event{}, false, nil
	}

	ev = Event{
		Kind:        EventTranscript,
		Language:    language,
		IsFinal:     resp.IsFinal,
		SpeechFinal: resp.SpeechFinal,
	}

	// Extract transcript from first alternative (can be empty).
	if len(resp.Channel.Alternatives) > 0 {
		alt := resp.Channel.Alternatives[0]
		ev.Text = alt.Transcript
		ev.Confidence = alt.Confidence
		for _, w := range alt.Words {
			text := w.PunctuatedWord
			if text == "" {
				text = w.Word
			}
			word := Word{Text: text}
			if w.Speaker != nil {
				word.Speaker = SpeakerTag(*w.Speaker)
			}
			ev.Words = append(ev.Words, word)
		}
	}

	// Emit events even if transcript is empty when we have boundary signals.
	if ev.Text == "" && !ev.IsFinal && !ev.SpeechFinal {
		return Event{}, false, nil
	}

	return ev, true, nil
}

// SpeakerTag renders a diarization index the way dialogue lines show it.
func SpeakerTag(n int) string {
	return "Speaker " + strconv.Itoa(n)
}
