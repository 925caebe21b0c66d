package statemachine

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/replaybuf/internal/detector"
	"github.com/tiroq/replaybuf/testutil"
)

var (
	pressed  = detector.Sample{LeftGrip: 1, LeftTrigger: 1}
	released = detector.Sample{}
)

type step struct {
	advance time.Duration
	sample  detector.Sample
	busy    bool
	want    Decision
}

func runSteps(t *testing.T, debounce time.Duration, steps []step) *Trigger {
	t.Helper()
	clock := testutil.NewFakeClock()
	busy := false
	tr := NewTrigger(TriggerConfig{Combo: detector.LeftGripAndTrigger, Debounce: debounce}, clock)
	tr.SetBusy(func() bool { return busy })

	for i, s := range steps {
		clock.Advance(s.advance)
		busy = s.busy
		if got := tr.Process(s.sample); got != s.want {
			t.Fatalf("step %d: decision = %v, want %v", i, got, s.want)
		}
	}
	return tr
}

func TestProcess_Sequences(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "single press fires once",
			steps: []step{
				{0, released, false, None},
				{10 * time.Millisecond, pressed, false, Fire},
			},
		},
		{
			name: "held combo fires only on the edge",
			steps: []step{
				{0, pressed, false, Fire},
				{10 * time.Millisecond, pressed, false, None},
				{600 * time.Millisecond, pressed, false, None},
				{2 * time.Second, pressed, false, None},
			},
		},
		{
			name: "second press inside debounce is ignored",
			steps: []step{
				{0, pressed, false, Fire},
				{100 * time.Millisecond, released, false, None},
				{100 * time.Millisecond, pressed, false, None},
			},
		},
		{
			name: "second press after debounce fires",
			steps: []step{
				{0, pressed, false, Fire},
				{100 * time.Millisecond, released, false, None},
				{400 * time.Millisecond, pressed, false, Fire},
			},
		},
		{
			name: "press during cooldown does not carry over",
			steps: []step{
				{0, pressed, false, Fire},
				{10 * time.Millisecond, released, false, None},
				{100 * time.Millisecond, pressed, false, None},
				{500 * time.Millisecond, pressed, false, None},
				{10 * time.Millisecond, released, false, None},
				{10 * time.Millisecond, pressed, false, Fire},
			},
		},
		{
			name: "busy gate discards edge without entering cooldown",
			steps: []step{
				{0, pressed, true, Discarded},
				{10 * time.Millisecond, released, false, None},
				{10 * time.Millisecond, pressed, false, Fire},
			},
		},
		{
			name: "malformed sample counts as released",
			steps: []step{
				{0, detector.Sample{LeftGrip: float32(math.NaN()), LeftTrigger: 1}, false, None},
				{10 * time.Millisecond, pressed, false, Fire},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runSteps(t, DefaultDebounce, tt.steps)
		})
	}
}

func TestDebounceSpacing(t *testing.T) {
	clock := testutil.NewFakeClock()
	tr := NewTrigger(TriggerConfig{Debounce: 200 * time.Millisecond}, clock)

	var fires []time.Time
	for i := 0; i < 200; i++ {
		clock.Advance(15 * time.Millisecond)
		s := released
		if i%2 == 0 {
			s = pressed
		}
		if tr.Process(s) == Fire {
			fires = append(fires, clock.Now())
		}
	}
	if len(fires) < 2 {
		t.Fatalf("fired %d times", len(fires))
	}
	for i := 1; i < len(fires); i++ {
		if gap := fires[i].Sub(fires[i-1]); gap < 200*time.Millisecond {
			t.Errorf("fires %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	clock := testutil.NewFakeClock()
	tr := NewTrigger(TriggerConfig{}, clock)

	if tr.State() != Armed {
		t.Fatalf("initial state = %v", tr.State())
	}
	if !tr.LastFire().IsZero() {
		t.Error("LastFire should be zero before any fire")
	}

	tr.Process(pressed)
	if tr.State() != Cooldown {
		t.Errorf("state after fire = %v, want cooldown", tr.State())
	}
	if !tr.LastFire().Equal(clock.Now()) {
		t.Errorf("LastFire = %v", tr.LastFire())
	}

	clock.Advance(DefaultDebounce)
	if tr.State() != Armed {
		t.Errorf("state after debounce = %v, want armed", tr.State())
	}
}

func TestSetDebounce(t *testing.T) {
	clock := testutil.NewFakeClock()
	tr := NewTrigger(TriggerConfig{Debounce: time.Hour}, clock)

	tr.Process(pressed)
	tr.Process(released)
	clock.Advance(time.Second)
	if tr.Process(pressed) != None {
		t.Fatal("fired inside hour-long debounce")
	}

	tr.SetDebounce(500 * time.Millisecond)
	if tr.Debounce() != 500*time.Millisecond {
		t.Errorf("Debounce = %v", tr.Debounce())
	}
	tr.Process(released)
	if tr.Process(pressed) != Fire {
		t.Error("shorter debounce should apply to the running cooldown")
	}

	tr.SetDebounce(-time.Second)
	if tr.Debounce() != 0 {
		t.Errorf("negative debounce = %v, want 0", tr.Debounce())
	}
}

func TestZeroDebounceFiresEveryEdge(t *testing.T) {
	clock := testutil.NewFakeClock()
	tr := NewTrigger(TriggerConfig{Debounce: 0}, clock)
	for i := 0; i < 3; i++ {
		if tr.Process(pressed) != Fire {
			t.Fatalf("edge %d did not fire", i)
		}
		tr.Process(released)
	}
}

func TestStats(t *testing.T) {
	busy := true
	clock := testutil.NewFakeClock()
	tr := NewTrigger(TriggerConfig{}, clock)
	tr.SetBusy(func() bool { return busy })

	tr.Process(pressed) // discarded
	tr.Process(released)
	busy = false
	tr.Process(pressed) // fired
	tr.Process(released)
	tr.Process(pressed) // suppressed by cooldown

	st := tr.Stats()
	if st.Fired != 1 || st.Discarded != 1 || st.Suppressed != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.State != "cooldown" {
		t.Errorf("state = %q", st.State)
	}
}

func TestNewTriggerDefaults(t *testing.T) {
	tr := NewTrigger(TriggerConfig{Threshold: 0, Debounce: -1}, nil)
	if tr.cfg.Threshold != detector.DefaultThreshold {
		t.Errorf("threshold = %v", tr.cfg.Threshold)
	}
	if tr.Debounce() != 0 {
		t.Errorf("debounce = %v", tr.Debounce())
	}
	if _, ok := tr.clock.(SystemClock); !ok {
		t.Errorf("clock = %T, want SystemClock", tr.clock)
	}
}

func TestProcessConcurrentSafe(t *testing.T) {
	tr := NewTrigger(TriggerConfig{Debounce: time.Hour}, testutil.NewFakeClock())
	var wg sync.WaitGroup
	fires := make(chan Decision, 400)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s := released
				if i%2 == 0 {
					s = pressed
				}
				if d := tr.Process(s); d == Fire {
					fires <- d
				}
			}
		}()
	}
	wg.Wait()
	close(fires)
	if n := len(fires); n != 1 {
		t.Errorf("fired %d times under one debounce window, want 1", n)
	}
}

func TestDecisionAndStateStrings(t *testing.T) {
	if Fire.String() != "fire" || Discarded.String() != "discarded" || None.String() != "none" {
		t.Error("unexpected Decision strings")
	}
	if Armed.String() != "armed" || Cooldown.String() != "cooldown" {
		t.Error("unexpected State strings")
	}
}
