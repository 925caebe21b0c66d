package statemachine

import (
	"sync"
	"time"

	"github.com/tiroq/replaybuf/internal/detector"
)

// DefaultDebounce is the minimum spacing between two accepted triggers.
const DefaultDebounce = 500 * time.Millisecond

// State of the trigger.
type State int

const (
	Armed State = iota
	Cooldown
)

func (s State) String() string {
	if s == Cooldown {
		return "cooldown"
	}
	return "armed"
}

// Decision is the outcome of processing one sample.
type Decision int

const (
	None Decision = iota
	Fire
	Discarded
)

func (d Decision) String() string {
	switch d {
	case Fire:
		return "fire"
	case Discarded:
		return "discarded"
	default:
		return "none"
	}
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TriggerConfig selects the combo and timing.
type TriggerConfig struct {
	Combo     detector.Combo
	Threshold float32
	Debounce  time.Duration
}

// Stats counts trigger outcomes since creation.
type Stats struct {
	State      string    `json:"state"`
	Fired      uint64    `json:"fired"`
	Discarded  uint64    `json:"discarded"`
	Suppressed uint64    `json:"suppressed"`
	LastFire   time.Time `json:"last_fire,omitempty"`
}

// Trigger is the debounced save trigger. It fires once per rising edge of
// the combo while Armed, then stays in Cooldown for the debounce window.
// Edges that arrive while a save is in flight are discarded, not queued.
type Trigger struct {
	mu         sync.Mutex
	cfg        TriggerConfig
	clock      Clock
	busy       func() bool
	state      State
	lastFire   time.Time
	wasPressed bool

	fired      uint64
	discarded  uint64
	suppressed uint64 // edges during cooldown
}

// NewTrigger creates an Armed trigger. A non-positive threshold falls back to
// detector.DefaultThreshold and a nil clock to SystemClock. A negative
// debounce is treated as zero.
func NewTrigger(cfg TriggerConfig, clock Clock) *Trigger {
	if cfg.Threshold <= 0 {
		cfg.Threshold = detector.DefaultThreshold
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Trigger{cfg: cfg, clock: clock, state: Armed}
}

// SetBusy installs the gate consulted before firing.
func (t *Trigger) SetBusy(busy func() bool) {
	t.mu.Lock()
	t.busy = busy
	t.mu.Unlock()
}

// Process evaluates one sample.
func (t *Trigger) Process(s detector.Sample) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.state == Cooldown && now.Sub(t.lastFire) >= t.cfg.Debounce {
		t.state = Armed
	}

	pressed := t.cfg.Combo.Pressed(s, t.cfg.Threshold)
	rising := pressed && !t.wasPressed
	t.wasPressed = pressed
	if !rising {
		return None
	}

	if t.state == Cooldown {
		t.suppressed++
		return None
	}
	if t.busy != nil && t.busy() {
		t.discarded++
		return Discarded
	}

	t.state = Cooldown
	t.lastFire = now
	t.fired++
	return Fire
}

// State returns the current state, applying any elapsed cooldown.
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Cooldown && t.clock.Now().Sub(t.lastFire) >= t.cfg.Debounce {
		t.state = Armed
	}
	return t.state
}

// LastFire returns when the trigger last fired; zero means never.
func (t *Trigger) LastFire() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFire
}

// SetDebounce changes the debounce window. It applies to the current
// cooldown as well.
func (t *Trigger) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	t.cfg.Debounce = d
	t.mu.Unlock()
}

// Debounce returns the configured window.
func (t *Trigger) Debounce() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Debounce
}

// Stats returns a snapshot of the counters.
func (t *Trigger) Stats() Stats {
	state := t.State()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		State:      state.String(),
		Fired:      t.fired,
		Discarded:  t.discarded,
		Suppressed: t.suppressed,
		LastFire:   t.lastFire,
	}
}
