package latest

import (
	"testing"
	"time"
)

func TestTakeReturnsOnlyFreshest(t *testing.T) {
	h := NewHolder[int]()

	// Publish a burst of values before the consumer runs.
	for i := 1; i <= 5; i++ {
		h.Set(i)
	}

	v, err := h.Take(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if v != 5 {
		t.Errorf("expected freshest value 5, got %d", v)
	}

	// Nothing new since; the same value must not be handed out twice.
	if _, err := h.Take(5 * time.Millisecond); err != ErrTimeout {
		t.Errorf("expected ErrTimeout on second Take, got %v", err)
	}
}

func TestTakeTimesOutWhenEmpty(t *testing.T) {
	h := NewHolder[string]()

	start := time.Now()
	_, err := h.Take(20 * time.Millisecond)
	elapsed := time.Since(start)

	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("Take returned before timeout: %v", elapsed)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Take blocked far past timeout: %v", elapsed)
	}
}

func TestTakeWakesOnSet(t *testing.T) {
	h := NewHolder[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Set(42)
	}()

	v, err := h.Take(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestTryTake(t *testing.T) {
	h := NewHolder[int]()

	if _, ok := h.TryTake(); ok {
		t.Error("TryTake on empty holder should report no value")
	}

	h.Set(7)
	v, ok := h.TryTake()
	if !ok || v != 7 {
		t.Errorf("TryTake = (%d, %v), want (7, true)", v, ok)
	}

	if _, ok := h.TryTake(); ok {
		t.Error("TryTake should not return the same value twice")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	h := NewHolder[int]()
	h.Set(3)

	if v, ok := h.Peek(); !ok || v != 3 {
		t.Fatalf("Peek = (%d, %v), want (3, true)", v, ok)
	}

	// Peek must leave the value available for Take.
	v, err := h.Take(10 * time.Millisecond)
	if err != nil || v != 3 {
		t.Errorf("Take after Peek = (%d, %v), want (3, nil)", v, err)
	}

	// Peek still sees the last value after consumption.
	if v, ok := h.Peek(); !ok || v != 3 {
		t.Errorf("Peek after Take = (%d, %v), want (3, true)", v, ok)
	}
}

func TestCloseWakesTake(t *testing.T) {
	h := NewHolder[int]()

	done := make(chan error, 1)
	go func() {
		_, err := h.Take(5 * time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	h.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Close")
	}

	// Set after Close is a no-op.
	h.Set(1)
	if _, ok := h.Peek(); ok {
		t.Error("Set after Close should not store a value")
	}
}

func TestConcurrentSetters(t *testing.T) {
	h := NewHolder[int]()

	const writers = 8
	const perWriter = 100
	done := make(chan struct{})
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				h.Set(w*perWriter + i)
			}
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < writers; w++ {
		<-done
	}

	if got := h.Seq(); got != writers*perWriter {
		t.Errorf("Seq = %d, want %d", got, writers*perWriter)
	}
	if _, ok := h.TryTake(); !ok {
		t.Error("expected a value after concurrent sets")
	}
}
