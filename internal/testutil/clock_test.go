package testutil

import (
	"sync"
	"testing"
	"time"
)

func TestManualClock_FrozenUntilAdvanced(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	if !c.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", c.Now(), start)
	}
	if !c.Now().Equal(c.Now()) {
		t.Error("clock moved without Advance")
	}

	c.Advance(5 * time.Second)
	if want := start.Add(5 * time.Second); !c.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", c.Now(), want)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set did not rewind: %v", c.Now())
	}
}

func TestManualClock_ConcurrentAccess(t *testing.T) {
	c := NewManualClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Advance(time.Millisecond)
				_ = c.Now()
			}
		}()
	}
	wg.Wait()

	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC).Add(800 * time.Millisecond)
	if !c.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", c.Now(), want)
	}
}
