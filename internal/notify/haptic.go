package notify

import "time"

// HapticParams describes one controller vibration.
type HapticParams struct {
	Frequency float32       `json:"frequency"` // 0..1
	Amplitude float32       `json:"amplitude"` // 0..1
	Duration  time.Duration `json:"duration"`
}

// Feedback patterns for save lifecycle events.
var (
	HapticClick   = HapticParams{Frequency: 0.5, Amplitude: 0.3, Duration: 50 * time.Millisecond}
	HapticSuccess = HapticParams{Frequency: 0.8, Amplitude: 0.5, Duration: 100 * time.Millisecond}
	HapticError   = HapticParams{Frequency: 0.2, Amplitude: 0.8, Duration: 200 * time.Millisecond}
)

// Vibrator plays haptic feedback on an input device.
type Vibrator interface {
	Vibrate(p HapticParams) error
}

// Haptic maps lifecycle events to vibration patterns.
type Haptic struct {
	v Vibrator
}

// NewHaptic wraps v.
func NewHaptic(v Vibrator) *Haptic { return &Haptic{v: v} }

// ParamsFor returns the pattern for kind.
func ParamsFor(kind Kind) (HapticParams, bool) {
	switch kind {
	case KindStarted:
		return HapticClick, true
	case KindSucceeded:
		return HapticSuccess, true
	case KindFailed:
		return HapticError, true
	}
	return HapticParams{}, false
}

func (h *Haptic) Notify(e Event) {
	if p, ok := ParamsFor(e.Kind); ok {
		_ = h.v.Vibrate(p)
	}
}
