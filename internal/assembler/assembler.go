package assembler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/eventlog"
	"github.com/lukasbauer/parley/internal/stt"
)

// UnknownSpeaker tags lines whose stream did not diarize.
const UnknownSpeaker = "Unknown"

// Appender receives completed lines.
type Appender interface {
	Append(line dialogue.Line) uint64
}

// Notifier is told whenever the dialogue grew.
type Notifier interface {
	NotifyNewContent()
}

// Metrics receives assembler counters.
type Metrics interface {
	EventDropped(language string)
	UtteranceFlushed(language, reason string)
}

// EventLog records assembler events for a session.
type EventLog interface {
	LogAsync(sessionID string, eventType eventlog.EventType, data map[string]any)
}

// Config configures one assembler.
type Config struct {
	Language       string                      // language tag of the stream
	SilenceTimeout time.Duration               // flush a buffered utterance after this much silence; 0 disables
	OnInterim      func(language, text string) // receives interim previews; never appended
	SessionID      string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// WithEventLog sets the event log.
func WithEventLog(l EventLog) Option {
	return func(a *Assembler) { a.events = l }
}

// Assembler turns the transcript events of one stream into dialogue lines.
//
// Finals with word-level speaker data are split into runs of the same speaker and
// appended right away. Finals without words accumulate in the buffer until the
// stream signals speech_final, an utterance end, or the silence timeout passes.
type Assembler struct {
	cfg      Config
	dialogue Appender
	notifier Notifier
	logger   *log.Logger
	metrics  Metrics
	events   EventLog

	mu          sync.Mutex
	buffer      []string
	lastSpeaker string
}

// New creates an assembler for one stream.
func New(cfg Config, d Appender, n Notifier, logger *log.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		cfg:      cfg,
		dialogue: d,
		notifier: n,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes events in delivery order until ctx is done or the channel closes.
// A buffered utterance is flushed when the channel closes or ctx is done.
func (a *Assembler) Run(ctx context.Context, events <-chan stt.Event) error {
	var silence <-chan time.Time
	var timer *time.Timer
	if a.cfg.SilenceTimeout > 0 {
		timer = time.NewTimer(a.cfg.SilenceTimeout)
		defer timer.Stop()
		silence = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			a.flushBoundary("shutdown")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				a.flushBoundary("stream closed")
				return nil
			}
			a.OnTranscriptEvent(ev)
			if timer != nil {
				timer.Reset(a.cfg.SilenceTimeout)
			}

		case <-silence:
			a.flushBoundary("silence timeout")
			timer.Reset(a.cfg.SilenceTimeout)
		}
	}
}

// OnTranscriptEvent applies one event. It is safe for concurrent use, though a
// single stream is expected to deliver its events from one goroutine.
func (a *Assembler) OnTranscriptEvent(ev stt.Event) {
	if err := ev.Validate(); err != nil {
		a.logger.Printf("assembler[%s]: dropping event: %v", a.cfg.Language, err)
		if a.metrics != nil {
			a.metrics.EventDropped(a.cfg.Language)
		}
		a.logEvent(eventlog.EventMalformedEvent, map[string]any{"error": err.Error()})
		return
	}

	switch ev.Kind {
	case stt.EventUtteranceEnd:
		a.flushBoundary("utterance end")
	case stt.EventTranscript:
		a.transcript(ev)
	}
}

func (a *Assembler) transcript(ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if !ev.IsFinal {
		if a.cfg.OnInterim != nil {
			a.cfg.OnInterim(a.cfg.Language, text)
		}
		return
	}

	a.mu.Lock()
	var appended, flushed int
	if len(ev.Words) > 0 {
		// Keep append order equal to speech order.
		flushed = a.flushLocked()
		appended += flushed
		for _, run := range speakerRuns(ev.Words) {
			a.appendLocked(run.speaker, run.text)
			a.lastSpeaker = run.speaker
			appended++
		}
	} else {
		a.buffer = append(a.buffer, text)
		if ev.SpeechFinal {
			flushed = a.flushLocked()
			appended += flushed
		}
	}
	a.mu.Unlock()

	if flushed > 0 && a.metrics != nil {
		reason := "diarized final"
		if ev.SpeechFinal && len(ev.Words) == 0 {
			reason = "speech final"
		}
		a.metrics.UtteranceFlushed(a.cfg.Language, reason)
	}
	if appended > 0 {
		a.notifier.NotifyNewContent()
	}
}

// flushBoundary flushes the buffer at an utterance boundary. An empty buffer is a no-op.
func (a *Assembler) flushBoundary(reason string) {
	a.mu.Lock()
	n := a.flushLocked()
	a.mu.Unlock()

	if n == 0 {
		return
	}
	if a.metrics != nil {
		a.metrics.UtteranceFlushed(a.cfg.Language, reason)
	}
	eventType := eventlog.EventUtteranceEnd
	if reason == "silence timeout" {
		eventType = eventlog.EventSilenceTimeout
	}
	a.logEvent(eventType, map[string]any{"language": a.cfg.Language})
	a.notifier.NotifyNewContent()
}

// flushLocked appends the buffer as one line and clears it. Must hold mu.
func (a *Assembler) flushLocked() int {
	if len(a.buffer) == 0 {
		return 0
	}
	speaker := a.lastSpeaker
	if speaker == "" {
		speaker = UnknownSpeaker
	}
	a.appendLocked(speaker, strings.Join(a.buffer, " "))
	a.buffer = nil
	return 1
}

func (a *Assembler) appendLocked(speaker, text string) {
	seq := a.dialogue.Append(dialogue.Line{
		Speaker:  speaker,
		Language: a.cfg.Language,
		Text:     text,
		Kind:     dialogue.KindUser,
	})
	a.logger.Printf("assembler[%s]: #%d [%s] %s", a.cfg.Language, seq, speaker, text)
	a.logEvent(eventlog.EventLineAppended, map[string]any{
		"seq":      seq,
		"speaker":  speaker,
		"language": a.cfg.Language,
	})
}

// Buffered returns the not yet flushed text.
func (a *Assembler) Buffered() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.buffer, " ")
}

func (a *Assembler) logEvent(eventType eventlog.EventType, data map[string]any) {
	if a.events != nil {
		a.events.LogAsync(a.cfg.SessionID, eventType, data)
	}
}

type run struct {
	speaker string
	text    string
}

// speakerRuns groups contiguous words with the same speaker tag.
func speakerRuns(words []stt.Word) []run {
	var runs []run
	var sb strings.Builder
	current := ""
	for i, w := range words {
		speaker := w.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		if i > 0 && speaker != current {
			runs = append(runs, run{speaker: current, text: sb.String()})
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w.Text)
		current = speaker
	}
	if sb.Len() > 0 {
		runs = append(runs, run{speaker: current, text: sb.String()})
	}
	return runs
}
