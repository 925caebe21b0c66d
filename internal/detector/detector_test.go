package detector

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestComboPressed(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name   string
		combo  Combo
		sample Sample
		want   bool
	}{
		{"left both held", LeftGripAndTrigger, Sample{LeftGrip: 1, LeftTrigger: 0.95}, true},
		{"left grip only", LeftGripAndTrigger, Sample{LeftGrip: 1}, false},
		{"exactly threshold", LeftGripAndTrigger, Sample{LeftGrip: 0.9, LeftTrigger: 0.9}, false},
		{"right hand ignored by left combo", LeftGripAndTrigger, Sample{RightGrip: 1, RightTrigger: 1}, false},
		{"right both held", RightGripAndTrigger, Sample{RightGrip: 0.91, RightTrigger: 1}, true},
		{"both grips", BothGrips, Sample{LeftGrip: 1, RightGrip: 1}, true},
		{"both grips one missing", BothGrips, Sample{LeftGrip: 1, RightTrigger: 1}, false},
		{"nan counts as released", LeftGripAndTrigger, Sample{LeftGrip: nan, LeftTrigger: 1}, false},
		{"out of range counts as released", LeftGripAndTrigger, Sample{LeftGrip: 1.5, LeftTrigger: 1}, false},
		{"negative counts as released", BothGrips, Sample{LeftGrip: -1, RightGrip: 1}, false},
		{"unknown combo", Combo(42), Sample{LeftGrip: 1, LeftTrigger: 1, RightGrip: 1, RightTrigger: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.combo.Pressed(tt.sample, DefaultThreshold); got != tt.want {
				t.Errorf("Pressed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSampleMalformed(t *testing.T) {
	if (Sample{LeftGrip: 0.5}).Malformed() {
		t.Error("valid sample reported malformed")
	}
	if !(Sample{RightTrigger: float32(math.Inf(1))}).Malformed() {
		t.Error("inf not reported malformed")
	}
	if !(Sample{LeftTrigger: float32(math.NaN())}).Malformed() {
		t.Error("NaN not reported malformed")
	}
}

func TestParseCombo(t *testing.T) {
	tests := []struct {
		in      string
		want    Combo
		wantErr bool
	}{
		{"", LeftGripAndTrigger, false},
		{"left_grip_trigger", LeftGripAndTrigger, false},
		{"LeftGripAndTrigger", LeftGripAndTrigger, false},
		{"right-grip-trigger", RightGripAndTrigger, false},
		{"RightGripAndTrigger", RightGripAndTrigger, false},
		{"both_grips", BothGrips, false},
		{"BothGrips", BothGrips, false},
		{"a_button", LeftGripAndTrigger, true},
	}
	for _, tt := range tests {
		got, err := ParseCombo(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCombo(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCombo(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, c := range []Combo{LeftGripAndTrigger, RightGripAndTrigger, BothGrips} {
		back, err := ParseCombo(c.String())
		if err != nil || back != c {
			t.Errorf("ParseCombo(%q) = %v, %v", c.String(), back, err)
		}
	}
}

func TestComboPress(t *testing.T) {
	for _, c := range []Combo{LeftGripAndTrigger, RightGripAndTrigger, BothGrips} {
		if !c.Pressed(c.Press(time.Now()), DefaultThreshold) {
			t.Errorf("%v: Press sample not pressed", c)
		}
	}
}

func TestScriptedSampler(t *testing.T) {
	s := NewScriptedSampler(Sample{LeftGrip: 0.1}, Sample{LeftGrip: 0.2})
	if s.Remaining() != 2 {
		t.Fatalf("Remaining = %d", s.Remaining())
	}
	first, _ := s.Sample()
	second, _ := s.Sample()
	if first.LeftGrip != 0.1 || second.LeftGrip != 0.2 {
		t.Errorf("samples out of order: %v %v", first, second)
	}
	if _, err := s.Sample(); !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestPulseSampler(t *testing.T) {
	start := time.Date(2026, 10, 15, 14, 25, 0, 0, time.UTC)
	now := start
	p := &PulseSampler{
		Combo:  BothGrips,
		Period: time.Second,
		Hold:   100 * time.Millisecond,
		Now:    func() time.Time { return now },
	}

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, false},
		{50 * time.Millisecond, false},
		{time.Second, true},
		{time.Second + 99*time.Millisecond, true},
		{time.Second + 100*time.Millisecond, false},
		{2*time.Second + 10*time.Millisecond, true},
	}
	for _, tt := range tests {
		now = start.Add(tt.offset)
		s, err := p.Sample()
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if got := BothGrips.Pressed(s, DefaultThreshold); got != tt.want {
			t.Errorf("at +%v pressed = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestPollDeliversSamplesUntilCancelled(t *testing.T) {
	s := NewScriptedSampler(Sample{LeftGrip: 1, LeftTrigger: 1}, Sample{})
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []Sample
	)
	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, s, time.Millisecond, func(sample Sample) {
			mu.Lock()
			got = append(got, sample)
			n := len(got)
			mu.Unlock()
			if n == 4 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Poll err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 4 {
		t.Fatalf("got %d samples", len(got))
	}
	if !LeftGripAndTrigger.Pressed(got[0], DefaultThreshold) {
		t.Error("first sample should be the scripted press")
	}
	// Exhausted reads arrive as released samples with a timestamp.
	if LeftGripAndTrigger.Pressed(got[3], DefaultThreshold) || got[3].At.IsZero() {
		t.Errorf("exhausted sample = %+v", got[3])
	}
}
