package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestConnRegistry_AddAndDone(t *testing.T) {
	cr := NewConnRegistry()

	if !cr.Add() || !cr.Add() {
		t.Fatal("Add() should succeed when not draining")
	}
	if cr.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", cr.ActiveCount())
	}

	cr.Done()
	cr.Done()
	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", cr.ActiveCount())
	}
}

func TestConnRegistry_DrainingSignalsOpenConnections(t *testing.T) {
	cr := NewConnRegistry()
	if !cr.Add() {
		t.Fatal("Add() should succeed before draining")
	}

	select {
	case <-cr.Draining():
		t.Fatal("Draining() closed before StartDraining")
	default:
	}

	cr.StartDraining()
	cr.StartDraining() // idempotent

	select {
	case <-cr.Draining():
	default:
		t.Fatal("Draining() should be closed after StartDraining")
	}
	if !cr.IsDraining() {
		t.Error("IsDraining() should be true")
	}
	if cr.Add() {
		t.Error("Add() should return false when draining")
	}
	if cr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", cr.ActiveCount())
	}
	cr.Done()
}

func TestConnRegistry_WaitHonorsContext(t *testing.T) {
	cr := NewConnRegistry()
	cr.Add()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := cr.Wait(ctx); err == nil {
		t.Error("Wait() should time out while a connection is open")
	}

	cr.Done()
	if err := cr.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v after Done", err)
	}
}

func TestConnRegistry_DrainDuringConcurrentAdds(t *testing.T) {
	cr := NewConnRegistry()
	const n = 100

	var wg sync.WaitGroup
	var accepted, rejected int64
	var mu sync.Mutex

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok := cr.Add()
			mu.Lock()
			if ok {
				accepted++
			} else {
				rejected++
			}
			mu.Unlock()
			if ok {
				cr.Done()
			}
		}()

		if i == n/2 {
			cr.StartDraining()
		}
	}
	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if rejected == 0 {
		t.Error("expected some connections to be rejected after draining started")
	}
	if cr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", cr.ActiveCount())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	cr := NewConnRegistry()
	r := &Router{logger: testLogger(), conns: cr}

	rec := httptest.NewRecorder()
	r.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("readyz = %d %q, want 200 ok", rec.Code, rec.Body.String())
	}

	cr.StartDraining()
	rec = httptest.NewRecorder()
	r.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "draining" {
		t.Errorf("readyz = %d %q, want 503 draining", rec.Code, rec.Body.String())
	}
}
