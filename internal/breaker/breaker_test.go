package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeClock — управляемый источник времени.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.FailureThreshold != 5 {
		t.Errorf("expected FailureThreshold 5, got %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout != 60*time.Second {
		t.Errorf("expected RecoveryTimeout 60s, got %v", cfg.RecoveryTimeout)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New("test", Config{FailureThreshold: 5, Now: clock.Now})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after 4 failures, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}

	err := b.Allow()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %T", err)
	}
	if openErr.RetryAfter != 60*time.Second {
		t.Errorf("expected retry after 60s, got %v", openErr.RetryAfter)
	}
}

func TestBreaker_WindowResetsFailures(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New("test", Config{FailureThreshold: 3, Window: 10 * time.Second, Now: clock.Now})

	b.RecordFailure()
	b.RecordFailure()

	// Окно истекло — старые ошибки не считаются
	clock.Advance(11 * time.Second)
	b.RecordFailure()

	if b.State() != Closed {
		t.Fatalf("expected closed, failures outside window must not count")
	}
	if b.Failures() != 1 {
		t.Errorf("expected 1 failure in window, got %d", b.Failures())
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Minute)

	// Параллельно пытаемся получить пробный запрос
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 1 {
		t.Fatalf("expected exactly one half-open trial, got %d", allowed.Load())
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial to be allowed, got %v", err)
	}
	b.RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("expected closed after successful trial, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial to be allowed, got %v", err)
	}
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected open after failed trial, got %s", b.State())
	}

	// Recovery отсчитывается заново
	clock.Advance(30 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected breaker still open, got %v", err)
	}
}

func TestBreaker_Do_IgnoresNonFailures(t *testing.T) {
	t.Parallel()
	b := New("test", Config{FailureThreshold: 1})
	errValidation := errors.New("validation")

	err := b.Do(func() error { return errValidation }, func(err error) bool {
		return !errors.Is(err, errValidation)
	})
	if !errors.Is(err, errValidation) {
		t.Fatalf("expected fn error to be returned, got %v", err)
	}
	if b.State() != Closed {
		t.Errorf("non-failure error must not open breaker")
	}

	_ = b.Do(func() error { return errors.New("boom") }, nil)
	if b.State() != Open {
		t.Errorf("expected open after failure")
	}

	called := false
	err = b.Do(func() error { called = true; return nil }, nil)
	if called {
		t.Error("fn must not be called while breaker is open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRegistry_ScopedPerTenantAndTarget(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 1})
	tenantA := uuid.New()
	tenantB := uuid.New()

	r.Get(tenantA, "attio").RecordFailure()

	if r.Get(tenantA, "attio").State() != Open {
		t.Error("expected tenant A / attio to be open")
	}
	if r.Get(tenantB, "attio").State() != Closed {
		t.Error("tenant B must not be affected by tenant A failures")
	}
	if r.Get(tenantA, "hubspot").State() != Closed {
		t.Error("other target of the same tenant must not be affected")
	}

	if r.Get(tenantA, "attio") != r.Get(tenantA, "attio") {
		t.Error("expected the same breaker instance for the same key")
	}

	stats := r.Snapshot()
	if len(stats) != 3 {
		t.Fatalf("expected 3 breakers, got %d", len(stats))
	}

	r.Reset()
	if r.Get(tenantA, "attio").State() != Closed {
		t.Error("expected closed after Reset")
	}
}
