package stt

import (
	"context"
	"errors"
	"fmt"
)

// EventKind identifies which variant an Event carries.
type EventKind int

const (
	// EventTranscript carries interim or final transcript text.
	EventTranscript EventKind = iota + 1
	// EventUtteranceEnd signals that the provider detected the end of an utterance
	// after a period of silence.
	EventUtteranceEnd
	// EventSpeechStarted signals voice activity at the start of speech.
	EventSpeechStarted
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventSpeechStarted:
		return "speech_started"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ErrMalformedEvent is returned by Event.Validate for events missing required fields.
var ErrMalformedEvent = errors.New("malformed transcript event")

// Word is a single recognized token with its diarization tag.
type Word struct {
	Text    string
	Speaker string // empty when the provider did not diarize
}

// Event is one message delivered by a live transcription stream.
type Event struct {
	Kind        EventKind
	Language    string  // language of the stream that produced the event
	Text        string  // transcript of the first alternative
	Confidence  float64 // 0-1
	IsFinal     bool    // the text for this audio segment will not change
	SpeechFinal bool    // the provider detected an endpoint after this segment
	Words       []Word
}

// Validate reports whether the event carries the fields its kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case EventTranscript:
		if e.SpeechFinal && !e.IsFinal {
			return fmt.Errorf("%w: speech_final without is_final", ErrMalformedEvent)
		}
		for i, w := range e.Words {
			if w.Text == "" {
				return fmt.Errorf("%w: word %d has no text", ErrMalformedEvent, i)
			}
		}
		return nil
	case EventUtteranceEnd, EventSpeechStarted:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrMalformedEvent, e.Kind)
	}
}

// Client defines the interface for live speech-to-text providers.
type Client interface {
	// StreamAudio sends audio data to the STT service.
	// Audio should be in the format expected by the provider.
	StreamAudio(ctx context.Context, audio []byte) error

	// Events returns a channel that receives transcript events in delivery order.
	Events() <-chan Event

	// Errors returns a channel that receives errors.
	Errors() <-chan error

	// Close closes the connection to the STT service.
	Close() error
}
