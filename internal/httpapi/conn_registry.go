package httpapi

import (
	"context"
	"sync"
	"sync/atomic"
)

// ConnRegistry tracks open websocket connections (audio ingest and live feed) and
// supports graceful draining. Once draining starts, new connections are refused and
// open ones observe Draining() and close themselves.
//
// mu makes the draining check and wg.Add atomic, so no connection can be admitted
// after StartDraining returns.
type ConnRegistry struct {
	mu       sync.Mutex
	draining bool
	drain    chan struct{}
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{drain: make(chan struct{})}
}

// Add admits a connection. It returns false while draining.
func (cr *ConnRegistry) Add() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	cr.wg.Add(1)
	cr.count.Add(1)
	return true
}

// Done releases a connection admitted by Add.
func (cr *ConnRegistry) Done() {
	cr.count.Add(-1)
	cr.wg.Done()
}

// StartDraining refuses new connections and signals open ones to close.
func (cr *ConnRegistry) StartDraining() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return
	}
	cr.draining = true
	close(cr.drain)
}

// Draining is closed once StartDraining has been called.
func (cr *ConnRegistry) Draining() <-chan struct{} {
	return cr.drain
}

// IsDraining reports whether the registry is draining.
func (cr *ConnRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

// ActiveCount returns the number of open connections.
func (cr *ConnRegistry) ActiveCount() int64 {
	return cr.count.Load()
}

// Wait blocks until every admitted connection is released or ctx is done.
func (cr *ConnRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
