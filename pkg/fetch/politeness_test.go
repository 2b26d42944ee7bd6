package fetch

import (
	"context"
	"testing"
	"time"
)

func TestPoliteness_NoDelayOnFirstFetch(t *testing.T) {
	p := NewPoliteness(time.Second, 2*time.Second, testLogger())

	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait() on first fetch took %v, expected instant return", elapsed)
	}
}

func TestPoliteness_DelaysInsideWindow(t *testing.T) {
	p := NewPoliteness(80*time.Millisecond, 120*time.Millisecond, testLogger())
	p.Done()

	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 75*time.Millisecond {
		t.Errorf("Wait() returned too quickly: %v, expected >= 80ms", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("Wait() took too long: %v", elapsed)
	}
}

func TestPoliteness_NoDelayOutsideWindow(t *testing.T) {
	p := NewPoliteness(20*time.Millisecond, 30*time.Millisecond, testLogger())
	p.Done()
	time.Sleep(40 * time.Millisecond)

	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Millisecond {
		t.Errorf("Wait() outside window took %v, expected instant return", elapsed)
	}
}

func TestPoliteness_RespectsContextCancellation(t *testing.T) {
	p := NewPoliteness(5*time.Second, 5*time.Second, testLogger())
	p.Done()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Wait(ctx)
	if err == nil {
		t.Fatal("Wait() with cancelled context expected error")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait() with cancelled context took %v, expected <100ms", elapsed)
	}
}

func TestPoliteness_DrawWithinWindow(t *testing.T) {
	p := NewPoliteness(1500*time.Millisecond, 2500*time.Millisecond, testLogger())
	for i := 0; i < 200; i++ {
		d := p.draw()
		if d < 1500*time.Millisecond || d > 2500*time.Millisecond {
			t.Fatalf("draw() = %v, outside [1.5s, 2.5s]", d)
		}
	}
}

func TestPoliteness_Disabled(t *testing.T) {
	p := NewPoliteness(0, 0, testLogger())
	p.Done()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}
}
