package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/llm"
)

// SupersededPrefix marks a generated line whose call ended before completion.
const SupersededPrefix = "(partial, superseded): "

// ErrIdleTimeout is reported when a generation call delivers no fragment for too long.
var ErrIdleTimeout = errors.New("generation idle timeout")

// Outcome is how a generation cycle ended.
type Outcome int

const (
	Completed Outcome = iota + 1
	Superseded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Superseded:
		return "superseded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SlotWriter updates the text of a reserved generated line.
type SlotWriter interface {
	UpdateGeneratedSlot(h dialogue.Handle, text string) error
}

// Renderer consumes one generation stream into a reserved dialogue slot.
type Renderer struct {
	slots       SlotWriter
	current     func() uint64
	idleTimeout time.Duration
	onWords     func([]string)
	logger      *log.Logger
}

// NewRenderer creates a renderer. current returns the live epoch; a call whose
// token differs from it is stale. idleTimeout <= 0 disables the idle timeout.
func NewRenderer(slots SlotWriter, current func() uint64, idleTimeout time.Duration, onWords func([]string), logger *log.Logger) *Renderer {
	return &Renderer{
		slots:       slots,
		current:     current,
		idleTimeout: idleTimeout,
		onWords:     onWords,
		logger:      logger,
	}
}

// Render streams fragments into slot until the stream ends, the token goes stale,
// the call fails or stays idle too long. Every fragment is written through to the
// slot. It returns the outcome and the raw text consumed.
func (r *Renderer) Render(ctx context.Context, stream *llm.Stream, slot dialogue.Handle, token uint64) (Outcome, string, error) {
	defer stream.Close()

	var text strings.Builder
	var words WordBuffer

	var timer *time.Timer
	var idle <-chan time.Time
	if r.idleTimeout > 0 {
		timer = time.NewTimer(r.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case fragment, ok := <-stream.Fragments():
			if !ok {
				if r.stale(token) {
					return r.abandon(slot, text.String(), Superseded, nil)
				}
				if err := stream.Err(); err != nil {
					return r.abandon(slot, text.String(), Failed, err)
				}
				r.publish(words.Flush())
				r.write(slot, text.String())
				return Completed, text.String(), nil
			}
			if r.stale(token) {
				return r.abandon(slot, text.String(), Superseded, nil)
			}
			text.WriteString(fragment)
			r.write(slot, text.String())
			r.publish(words.Push(fragment))
			if timer != nil {
				timer.Reset(r.idleTimeout)
			}

		case <-idle:
			if r.stale(token) {
				return r.abandon(slot, text.String(), Superseded, nil)
			}
			return r.abandon(slot, text.String(), Failed, ErrIdleTimeout)

		case <-ctx.Done():
			if r.stale(token) {
				return r.abandon(slot, text.String(), Superseded, nil)
			}
			return r.abandon(slot, text.String(), Failed, ctx.Err())
		}
	}
}

// Abort marks slot as abandoned without consuming a stream, for calls that failed to start.
func (r *Renderer) Abort(slot dialogue.Handle, token uint64, err error) (Outcome, string, error) {
	if r.stale(token) {
		return r.abandon(slot, "", Superseded, nil)
	}
	return r.abandon(slot, "", Failed, err)
}

func (r *Renderer) stale(token uint64) bool {
	return r.current() != token
}

func (r *Renderer) abandon(slot dialogue.Handle, text string, outcome Outcome, err error) (Outcome, string, error) {
	r.write(slot, SupersededPrefix+text)
	return outcome, text, err
}

func (r *Renderer) write(slot dialogue.Handle, text string) {
	if err := r.slots.UpdateGeneratedSlot(slot, text); err != nil {
		r.logger.Printf("renderer: update slot %d failed: %v", slot, err)
	}
}

func (r *Renderer) publish(words []string) {
	if len(words) > 0 && r.onWords != nil {
		r.onWords(words)
	}
}
