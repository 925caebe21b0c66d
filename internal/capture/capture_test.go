package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s: timed out", msg)
}

func TestGradient(t *testing.T) {
	f := Gradient(8, 4, 3)
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if f.Pix[3] != 255 {
		t.Error("alpha not opaque")
	}
	g := Gradient(8, 4, 4)
	if string(f.Pix) == string(g.Pix) {
		t.Error("phase does not change the frame")
	}
}

func TestSimulatedEmitsAllViews(t *testing.T) {
	src := NewSimulated(SimulatedConfig{Width: 4, Height: 4, FPS: 200, Views: 2})
	var (
		mu    sync.Mutex
		views = map[int]int{}
	)
	err := src.Start(context.Background(), func(raw codec.RawFrame, view int) error {
		if raw.Width != 4 || raw.Height != 4 {
			t.Errorf("frame %dx%d", raw.Width, raw.Height)
		}
		mu.Lock()
		views[view]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return views[0] >= 3 && views[1] >= 3
	}, "frames from both views")
	src.Stop()

	if src.Name() != "simulated" {
		t.Errorf("Name = %q", src.Name())
	}
	if st := src.Stats(); st.Captured < 6 || st.Skipped != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSimulatedCountsSkipped(t *testing.T) {
	src := NewSimulated(SimulatedConfig{Width: 2, Height: 2, FPS: 200})
	if err := src.Start(context.Background(), func(codec.RawFrame, int) error {
		return errors.New("queue full")
	}); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()
	waitFor(t, func() bool { return src.Stats().Skipped >= 2 }, "skipped frames")
}

func TestSimulatedDisable(t *testing.T) {
	src := NewSimulated(SimulatedConfig{Width: 2, Height: 2, FPS: 200})
	src.Disable()
	if src.Enabled() {
		t.Fatal("still enabled")
	}
	if err := src.Start(context.Background(), func(codec.RawFrame, int) error { return nil }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := src.Stats().Captured; n != 0 {
		t.Errorf("captured %d frames while disabled", n)
	}
	src.Enable()
	waitFor(t, func() bool { return src.Stats().Captured > 0 }, "frames after enable")
	src.Stop()
}

func TestSimulatedStartTwice(t *testing.T) {
	src := NewSimulated(SimulatedConfig{})
	noop := func(codec.RawFrame, int) error { return nil }
	if err := src.Start(context.Background(), noop); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background(), noop); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start err = %v", err)
	}
	src.Stop()
	src.Stop()
	if err := src.Start(context.Background(), noop); err != nil {
		t.Errorf("Start after Stop: %v", err)
	}
	src.Stop()
}

func TestSimulatedStopsWithContext(t *testing.T) {
	src := NewSimulated(SimulatedConfig{Width: 2, Height: 2, FPS: 200})
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	var mu sync.Mutex
	if err := src.Start(ctx, func(codec.RawFrame, int) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	cancel()
	src.Stop()
	mu.Lock()
	before := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != before {
		t.Error("frames emitted after cancel")
	}
}
