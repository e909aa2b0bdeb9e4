package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is reported by Stream.Err when the consumer abandoned the call.
var ErrClosed = errors.New("stream closed by consumer")

// Client defines the interface for streaming generation providers.
type Client interface {
	// StreamCompletion starts a generation call for prompt. Text fragments arrive on
	// the returned stream until the call completes, fails or is closed. Fragments may
	// split words at arbitrary points.
	StreamCompletion(ctx context.Context, prompt string) (*Stream, error)
}

// Stream is a lazy, cancellable sequence of text fragments from one generation call.
// The producer side calls Send and then Finish exactly once; the consumer ranges over
// Fragments and may Close early without waiting for the provider.
type Stream struct {
	fragments chan string
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	err        error
	finishOnce sync.Once
}

// NewStream returns a stream bound to ctx. Cancelling ctx has the same effect as Close.
func NewStream(ctx context.Context, buffer int) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		fragments: make(chan string, buffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Fragments returns the channel of text fragments. It is closed when the call ends.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Err returns the error that ended the call, if any. It is meaningful once
// Fragments has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the call. The producer observes it through Context.
func (s *Stream) Close() {
	s.cancel()
}

// Context is done once the consumer has closed the stream.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Send delivers a fragment. It returns false if the stream was closed.
func (s *Stream) Send(fragment string) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case <-s.ctx.Done():
		return false
	case s.fragments <- fragment:
		return true
	}
}

// Finish ends the stream with err (nil for natural completion) and closes Fragments.
func (s *Stream) Finish(err error) {
	s.finishOnce.Do(func() {
		if err == nil && s.ctx.Err() != nil {
			err = ErrClosed
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.fragments)
	})
}
