package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lukasbauer/parley/internal/stt"
)

var errNoStreams = errors.New("no transcript streams connected")

// AudioMetrics counts forwarded audio.
type AudioMetrics interface {
	RecordAudio(language string, n int)
}

type languageStream struct {
	language string
	client   stt.Client
}

// audioFanout copies every audio frame to each language stream. A frame fails
// only when no stream accepted it.
type audioFanout struct {
	logger  *log.Logger
	metrics AudioMetrics

	mu      sync.RWMutex
	streams []languageStream
}

func newAudioFanout(logger *log.Logger, metrics AudioMetrics) *audioFanout {
	return &audioFanout{logger: logger, metrics: metrics}
}

func (f *audioFanout) add(language string, client stt.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, languageStream{language: language, client: client})
}

func (f *audioFanout) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = nil
}

// SendAudio implements httpapi.AudioSink.
func (f *audioFanout) SendAudio(ctx context.Context, frame []byte) error {
	f.mu.RLock()
	streams := f.streams
	f.mu.RUnlock()

	if len(streams) == 0 {
		return errNoStreams
	}

	var errs []error
	for _, s := range streams {
		if err := s.client.StreamAudio(ctx, frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.language, err))
			continue
		}
		if f.metrics != nil {
			f.metrics.RecordAudio(s.language, len(frame))
		}
	}

	if len(errs) == len(streams) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		f.logger.Printf("audio: stream %v", err)
	}
	return nil
}
