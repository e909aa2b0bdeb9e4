package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrUnknownSlot is returned when updating a handle that does not name a generated line.
var ErrUnknownSlot = errors.New("unknown generated slot")

// Handle names the position of a reserved generated line.
type Handle int

// Metrics receives counters from the aggregator.
type Metrics interface {
	LineAppended(kind Kind)
	SnapshotFailed()
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithObserver registers fn to be called, outside the lock, with every appended or updated line.
func WithObserver(fn func(Line)) Option {
	return func(a *Aggregator) { a.observer = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithErrorReporter sets a callback for failed snapshot writes, in addition to logging.
func WithErrorReporter(fn func(error)) Option {
	return func(a *Aggregator) { a.reportErr = fn }
}

// WithPersistTimeout bounds a single background snapshot write. Default is 5s.
func WithPersistTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.persistTimeout = d
		}
	}
}

// Aggregator is the shared append-only dialogue log.
//
// Mutations are serialized by mu and bump version. Snapshots are written by a
// background writer outside mu; writeMu only orders the writes themselves, so a
// slow store never blocks Append. durable is the version of the last successful
// write and never exceeds version.
type Aggregator struct {
	mu      sync.Mutex
	lines   []Line
	version uint64
	durable uint64

	writeMu   sync.Mutex
	store     Store
	wake      chan struct{}
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	logger         *log.Logger
	observer       func(Line)
	metrics        Metrics
	reportErr      func(error)
	persistTimeout time.Duration
}

// NewAggregator creates an empty aggregator. A nil store disables persistence.
func NewAggregator(store Store, logger *log.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:          store,
		logger:         logger,
		wake:           make(chan struct{}, 1),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		persistTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.persistLoop()
	return a
}

// Load replaces the in-memory dialogue with the last persisted one.
// It is meant to be called once at startup, before any Append.
func (a *Aggregator) Load(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	records, err := a.store.Load(ctx)
	if err != nil {
		a.logger.Printf("dialogue: load failed: %v", err)
		return fmt.Errorf("load dialogue: %w", err)
	}

	a.mu.Lock()
	a.lines = LinesFromRecords(records)
	a.mu.Unlock()

	a.logger.Printf("dialogue: loaded %d lines", len(records))
	return nil
}

// Append adds a line and returns its sequence number.
func (a *Aggregator) Append(line Line) uint64 {
	a.mu.Lock()
	line.Seq = uint64(len(a.lines))
	a.lines = append(a.lines, line)
	a.version++
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.LineAppended(line.Kind)
	}
	a.changed(line)
	return line.Seq
}

// ReserveGeneratedSlot appends an empty generated line and returns its handle.
func (a *Aggregator) ReserveGeneratedSlot(speaker string) Handle {
	seq := a.Append(Line{Speaker: speaker, Kind: KindGenerated})
	return Handle(seq)
}

// UpdateGeneratedSlot replaces the text of a reserved generated line. Last write wins.
func (a *Aggregator) UpdateGeneratedSlot(h Handle, text string) error {
	a.mu.Lock()
	if h < 0 || int(h) >= len(a.lines) || a.lines[h].Kind != KindGenerated {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSlot, h)
	}
	a.lines[h].Text = text
	line := a.lines[h]
	a.version++
	a.mu.Unlock()

	a.changed(line)
	return nil
}

// Line returns the line at seq.
func (a *Aggregator) Line(seq uint64) (Line, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq >= uint64(len(a.lines)) {
		return Line{}, false
	}
	return a.lines[seq], true
}

// Lines returns a copy of the dialogue in order.
func (a *Aggregator) Lines() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}

// Len returns the number of lines.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lines)
}

// SnapshotText renders a consistent point-in-time view of the dialogue as prompt text.
func (a *Aggregator) SnapshotText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return BuildPrompt(a.lines)
}

// Flush synchronously writes the current dialogue if it is newer than the last durable write.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.writeLatest(ctx)
}

// Close stops the background writer after a final flush.
func (a *Aggregator) Close() error {
	a.closeOnce.Do(func() { close(a.quit) })
	<-a.stopped

	ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout)
	defer cancel()
	return a.writeLatest(ctx)
}

func (a *Aggregator) changed(line Line) {
	select {
	case a.wake <- struct{}{}:
	default:
	}

	if a.observer != nil {
		a.observer(line)
	}
}

func (a *Aggregator) persistLoop() {
	defer close(a.stopped)
	for {
		select {
		case <-a.wake:
			ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout)
			_ = a.writeLatest(ctx)
			cancel()
		case <-a.quit:
			return
		}
	}
}

// writeLatest copies the dialogue under mu and writes it outside mu.
func (a *Aggregator) writeLatest(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	version := a.version
	if version == a.durable {
		a.mu.Unlock()
		return nil
	}
	records := make([]Record, len(a.lines))
	for i, l := range a.lines {
		records[i] = l.record()
	}
	a.mu.Unlock()

	if err := a.store.Save(ctx, records); err != nil {
		a.logger.Printf("dialogue: snapshot of %d lines failed: %v", len(records), err)
		if a.metrics != nil {
			a.metrics.SnapshotFailed()
		}
		if a.reportErr != nil {
			a.reportErr(err)
		}
		return fmt.Errorf("save dialogue: %w", err)
	}

	a.mu.Lock()
	if version > a.durable {
		a.durable = version
	}
	a.mu.Unlock()
	return nil
}
