package stt

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		wantOK bool
		want   Event
	}{
		{
			name:   "final with diarized words",
			msg:    `{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.9,"words":[{"word":"hello","punctuated_word":"Hello","speaker":0},{"word":"there","punctuated_word":"there.","speaker":1}]}]}}`,
			wantOK: true,
			want: Event{
				Kind:       EventTranscript,
				Language:   "en",
				Text:       "hello there",
				Confidence: 0.9,
				IsFinal:    true,
				Words: []Word{
					{Text: "Hello", Speaker: "Speaker 0"},
					{Text: "there.", Speaker: "Speaker 1"},
				},
			},
		},
		{
			name:   "word without punctuated form or speaker",
			msg:    `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"da","words":[{"word":"da"}]}]}}`,
			wantOK: true,
			want: Event{
				Kind:     EventTranscript,
				Language: "en",
				Text:     "da",
				IsFinal:  true,
				Words:    []Word{{Text: "da"}},
			},
		},
		{
			name:   "empty interim is skipped",
			msg:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`,
			wantOK: false,
		},
		{
			name:   "empty speech final is kept as boundary",
			msg:    `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			wantOK: true,
			want:   Event{Kind: EventTranscript, Language: "en", IsFinal: true, SpeechFinal: true},
		},
		{
			name:   "utterance end",
			msg:    `{"type":"UtteranceEnd","last_word_end":2.1}`,
			wantOK: true,
			want:   Event{Kind: EventUtteranceEnd, Language: "en"},
		},
		{
			name:   "speech started",
			msg:    `{"type":"SpeechStarted"}`,
			wantOK: true,
			want:   Event{Kind: EventSpeechStarted, Language: "en"},
		},
		{
			name:   "metadata ignored",
			msg:    `{"type":"Metadata","request_id":"x"}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseMessage([]byte(tt.msg), "en")
			if err != nil {
				t.Fatalf("parseMessage error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Kind != tt.want.Kind || got.Language != tt.want.Language || got.Text != tt.want.Text {
				t.Errorf("event = %+v, want %+v", got, tt.want)
			}
			if got.IsFinal != tt.want.IsFinal || got.SpeechFinal != tt.want.SpeechFinal {
				t.Errorf("flags = (%v,%v), want (%v,%v)", got.IsFinal, got.SpeechFinal, tt.want.IsFinal, tt.want.SpeechFinal)
			}
			if len(got.Words) != len(tt.want.Words) {
				t.Fatalf("words = %+v, want %+v", got.Words, tt.want.Words)
			}
			for i := range got.Words {
				if got.Words[i] != tt.want.Words[i] {
					t.Errorf("word[%d] = %+v, want %+v", i, got.Words[i], tt.want.Words[i])
				}
			}
		})
	}
}

func TestParseMessageInvalidJSON(t *testing.T) {
	if _, _, err := parseMessage([]byte("{not json"), "en"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestListenURL(t *testing.T) {
	raw := listenURL(DeepgramConfig{
		Language:       "ru",
		Model:          "nova-3",
		SampleRate:     16000,
		Encoding:       "linear16",
		Channels:       1,
		SmartFormat:    true,
		Diarize:        true,
		InterimResults: true,
		VADEvents:      true,
		Endpointing:    300,
		UtteranceEndMs: 1000,
	})

	if !strings.HasPrefix(raw, deepgramWSURL+"?") {
		t.Fatalf("url %q should start with %q", raw, deepgramWSURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()

	want := map[string]string{
		"model":            "nova-3",
		"language":         "ru",
		"encoding":         "linear16",
		"sample_rate":      "16000",
		"diarize":          "true",
		"interim_results":  "true",
		"endpointing":      "300",
		"utterance_end_ms": "1000",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestListenURLOmitsUtteranceEndWithoutInterim(t *testing.T) {
	u, _ := url.Parse(listenURL(DeepgramConfig{Language: "en", UtteranceEndMs: 1000}))
	if u.Query().Has("utterance_end_ms") {
		t.Error("utterance_end_ms requires interim_results")
	}
	if u.Query().Has("endpointing") {
		t.Error("endpointing should be omitted when zero")
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"final transcript", Event{Kind: EventTranscript, Text: "hi", IsFinal: true}, false},
		{"utterance end", Event{Kind: EventUtteranceEnd}, false},
		{"zero kind", Event{Text: "hi"}, true},
		{"speech final without final", Event{Kind: EventTranscript, Text: "hi", SpeechFinal: true}, true},
		{"empty word", Event{Kind: EventTranscript, Text: "hi", IsFinal: true, Words: []Word{{Speaker: "Speaker 0"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("error %v should wrap ErrMalformedEvent", err)
			}
		})
	}
}

func TestDeepgramClientRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAudio := make(chan []byte, 1)
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"privet"}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd"}`))

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				gotAudio <- data
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewDeepgramClient(ctx, DeepgramConfig{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:   "dg-key",
		Language: "ru",
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewDeepgramClient: %v", err)
	}
	defer client.Close()

	if auth := <-gotAuth; auth != "Token dg-key" {
		t.Errorf("Authorization = %q, want %q", auth, "Token dg-key")
	}

	first := <-client.Events()
	if first.Kind != EventTranscript || first.Text != "privet" || first.Language != "ru" {
		t.Errorf("first event = %+v", first)
	}
	second := <-client.Events()
	if second.Kind != EventUtteranceEnd {
		t.Errorf("second event kind = %s, want utterance_end", second.Kind)
	}

	if err := client.StreamAudio(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	select {
	case data := <-gotAudio:
		if len(data) != 3 {
			t.Errorf("server got %d bytes, want 3", len(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive audio")
	}

	if err := client.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if err := client.StreamAudio(ctx, []byte{1}); err == nil {
		t.Error("StreamAudio after Close should fail")
	}
}
