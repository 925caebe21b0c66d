package detector

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned by a ScriptedSampler once its script has run out.
var ErrExhausted = errors.New("sampler exhausted")

// Sampler yields the latest input reading. Errors are treated as "nothing
// held" by Poll.
type Sampler interface {
	Sample() (Sample, error)
}

// ScriptedSampler replays a fixed sequence of samples.
type ScriptedSampler struct {
	mu      sync.Mutex
	samples []Sample
	next    int
}

// NewScriptedSampler returns a sampler that yields samples in order.
func NewScriptedSampler(samples ...Sample) *ScriptedSampler {
	return &ScriptedSampler{samples: samples}
}

func (s *ScriptedSampler) Sample() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.samples) {
		return Sample{}, ErrExhausted
	}
	out := s.samples[s.next]
	s.next++
	return out, nil
}

// Remaining returns how many samples have not been consumed.
func (s *ScriptedSampler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples) - s.next
}

// PulseSampler holds the combo for Hold once every Period, starting one
// Period after creation. It drives the daemon's simulated input mode.
type PulseSampler struct {
	Combo  Combo
	Period time.Duration
	Hold   time.Duration
	Now    func() time.Time

	start time.Time
}

// NewPulseSampler returns a PulseSampler anchored at the current time.
func NewPulseSampler(combo Combo, period, hold time.Duration) *PulseSampler {
	p := &PulseSampler{Combo: combo, Period: period, Hold: hold, Now: time.Now}
	p.start = p.Now()
	return p
}

func (p *PulseSampler) Sample() (Sample, error) {
	now := p.Now()
	if p.start.IsZero() {
		p.start = now
	}
	if p.Period <= 0 {
		return Sample{At: now}, nil
	}
	elapsed := now.Sub(p.start)
	if elapsed >= p.Period && elapsed%p.Period < p.Hold {
		return p.Combo.Press(now), nil
	}
	return Sample{At: now}, nil
}

// Poll reads s every interval and hands each reading to fn until ctx is
// cancelled. Failed reads are delivered as a released sample.
func Poll(ctx context.Context, s Sampler, interval time.Duration, fn func(Sample)) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			sample, err := s.Sample()
			if err != nil {
				sample = Sample{At: now}
			}
			if sample.At.IsZero() {
				sample.At = now
			}
			fn(sample)
		}
	}
}
