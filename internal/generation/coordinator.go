package generation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/eventlog"
	"github.com/lukasbauer/parley/internal/llm"
)

// State is the coordinator's trigger state.
type State int

const (
	StateIdle State = iota
	StatePending
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialogue is the part of the aggregator the coordinator drives.
type Dialogue interface {
	SlotWriter
	Lines() []dialogue.Line
	ReserveGeneratedSlot(speaker string) dialogue.Handle
}

// Metrics receives cycle counters from the coordinator.
type Metrics interface {
	TriggerCoalesced()
	CycleStarted()
	CycleFinished(outcome Outcome, elapsed time.Duration)
}

// EventLog records cycle events for a session.
type EventLog interface {
	LogAsync(sessionID string, eventType eventlog.EventType, data map[string]any)
}

// CycleResult describes a finished generation cycle.
type CycleResult struct {
	Epoch   uint64
	Slot    dialogue.Handle
	Outcome Outcome
	Text    string
	Err     error
	Elapsed time.Duration
}

// CoordinatorConfig configures debounce and generation behavior.
type CoordinatorConfig struct {
	Debounce    time.Duration // delay between the first trigger and the call; default 200ms
	IdleTimeout time.Duration // max wait between fragments; default 30s, negative disables
	Speaker     string        // speaker tag of generated lines; default "GPT"
	SessionID   string        // event log key
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWordSink publishes whole words as they are rebuilt from the stream.
func WithWordSink(fn func(words []string)) Option {
	return func(c *Coordinator) { c.onWords = fn }
}

// WithCycleHook is called after every cycle ends, outside the coordinator lock.
func WithCycleHook(fn func(CycleResult)) Option {
	return func(c *Coordinator) { c.onCycle = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEventLog sets the event log.
func WithEventLog(l EventLog) Option {
	return func(c *Coordinator) { c.events = l }
}

type cycle struct {
	token   uint64
	cancel  context.CancelFunc
	done    chan struct{}
	started bool // call issued; guarded by Coordinator.mu
}

// Coordinator decides when to start generation calls and invalidates superseded ones.
//
// A burst of NotifyNewContent calls inside the debounce window starts one cycle.
// Starting a cycle bumps the epoch, which makes the previous cycle stale; the new
// cycle waits for the previous renderer to write its partial text before it takes
// the prompt snapshot, so the next prompt carries the superseded line. The epoch is
// only written under mu and read lock-free by renderers. It grows once per issued
// call: a cycle superseded before its call starts hands its epoch to its successor.
type Coordinator struct {
	cfg      CoordinatorConfig
	dialogue Dialogue
	client   llm.Client
	renderer *Renderer
	logger   *log.Logger

	onWords func([]string)
	onCycle func(CycleResult)
	metrics Metrics
	events  EventLog

	epoch   atomic.Uint64
	closing atomic.Bool

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	active  *cycle
	closed  bool
	changed chan struct{}
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(cfg CoordinatorConfig, d Dialogue, client llm.Client, logger *log.Logger, opts ...Option) *Coordinator {
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.Speaker == "" {
		cfg.Speaker = "GPT"
	}

	c := &Coordinator{
		cfg:      cfg,
		dialogue: d,
		client:   client,
		logger:   logger,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.renderer = NewRenderer(d, c.current, cfg.IdleTimeout, c.onWords, logger)
	return c
}

// Epoch returns the current request epoch.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}

// current is the epoch renderers compare against. Tokens start at 1, so 0 makes
// every cycle stale once Close has begun.
func (c *Coordinator) current() uint64 {
	if c.closing.Load() {
		return 0
	}
	return c.epoch.Load()
}

// State returns the current trigger state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NotifyNewContent signals that the dialogue grew. It is a no-op while a trigger
// is already pending; otherwise it schedules a cycle after the debounce delay.
func (c *Coordinator) NotifyNewContent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.state == StatePending {
		if c.metrics != nil {
			c.metrics.TriggerCoalesced()
		}
		return
	}
	c.setState(StatePending)
	c.timer = time.AfterFunc(c.cfg.Debounce, c.fire)
}

// fire runs when the debounce timer elapses.
func (c *Coordinator) fire() {
	c.mu.Lock()
	if c.closed || c.state != StatePending {
		c.mu.Unlock()
		return
	}
	prev := c.active
	var token uint64
	if prev != nil && !prev.started {
		token = prev.token
	} else {
		token = c.epoch.Add(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cyc := &cycle{token: token, cancel: cancel, done: make(chan struct{})}
	c.active = cyc
	c.timer = nil
	c.setState(StateRunning)
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	c.mu.Lock()
	if c.closed || c.active != cyc {
		// A newer cycle took over while we waited.
		c.mu.Unlock()
		cancel()
		close(cyc.done)
		return
	}
	cyc.started = true
	prompt := dialogue.BuildPrompt(c.dialogue.Lines())
	slot := c.dialogue.ReserveGeneratedSlot(c.cfg.Speaker)
	c.mu.Unlock()

	c.run(ctx, cyc, prompt, slot)
}

func (c *Coordinator) run(ctx context.Context, cyc *cycle, prompt string, slot dialogue.Handle) {
	defer close(cyc.done)
	defer cyc.cancel()

	started := time.Now()
	c.logger.Printf("coordinator: cycle %d started (slot %d, %d prompt bytes)", cyc.token, slot, len(prompt))
	if c.metrics != nil {
		c.metrics.CycleStarted()
	}
	c.logEvent(eventlog.EventCycleStarted, map[string]any{
		"epoch":        cyc.token,
		"slot":         int(slot),
		"prompt_bytes": len(prompt),
	})

	var outcome Outcome
	var text string
	var err error

	stream, err := c.client.StreamCompletion(ctx, prompt)
	if err != nil {
		outcome, text, err = c.renderer.Abort(slot, cyc.token, err)
	} else {
		outcome, text, err = c.renderer.Render(ctx, stream, slot, cyc.token)
	}

	c.finish(cyc, CycleResult{
		Epoch:   cyc.token,
		Slot:    slot,
		Outcome: outcome,
		Text:    text,
		Err:     err,
		Elapsed: time.Since(started),
	})
}

// finish reports a cycle and returns to idle if no newer trigger arrived meanwhile.
func (c *Coordinator) finish(cyc *cycle, res CycleResult) {
	switch res.Outcome {
	case Completed:
		c.logger.Printf("coordinator: cycle %d completed in %v (%d bytes)", res.Epoch, res.Elapsed.Round(time.Millisecond), len(res.Text))
		c.logEvent(eventlog.EventCycleCompleted, map[string]any{"epoch": res.Epoch, "bytes": len(res.Text), "elapsed_ms": res.Elapsed.Milliseconds()})
	case Superseded:
		c.logger.Printf("coordinator: cycle %d superseded after %d bytes", res.Epoch, len(res.Text))
		c.logEvent(eventlog.EventCycleSuperseded, map[string]any{"epoch": res.Epoch, "bytes": len(res.Text), "elapsed_ms": res.Elapsed.Milliseconds()})
	case Failed:
		c.logger.Printf("coordinator: cycle %d failed after %d bytes: %v", res.Epoch, len(res.Text), res.Err)
		data := map[string]any{"epoch": res.Epoch, "bytes": len(res.Text), "elapsed_ms": res.Elapsed.Milliseconds()}
		if res.Err != nil {
			data["error"] = res.Err.Error()
		}
		c.logEvent(eventlog.EventCycleFailed, data)
	}

	if c.metrics != nil {
		c.metrics.CycleFinished(res.Outcome, res.Elapsed)
	}
	if c.onCycle != nil {
		c.onCycle(res)
	}

	c.mu.Lock()
	if c.active == cyc && c.state == StateRunning {
		c.setState(StateIdle)
	}
	c.mu.Unlock()
}

// Wait blocks until the coordinator is idle or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateIdle {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels any pending trigger, supersedes the running cycle and waits for it.
// Further notifications are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	active := c.active
	c.closing.Store(true)
	c.mu.Unlock()

	if active != nil {
		active.cancel()
		<-active.done
	}

	c.mu.Lock()
	c.setState(StateIdle)
	c.mu.Unlock()
}

// setState must be called with mu held.
func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) logEvent(eventType eventlog.EventType, data map[string]any) {
	if c.events != nil {
		c.events.LogAsync(c.cfg.SessionID, eventType, data)
	}
}
