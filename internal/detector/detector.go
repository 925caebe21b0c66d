// Package detector turns controller input into a save predicate. It knows
// nothing about saving; the trigger state machine consumes its samples.
package detector

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultThreshold is the analog value a channel must exceed to count as
// pressed.
const DefaultThreshold float32 = 0.9

// Sample is one reading of the analog channels, normalized to 0..1.
type Sample struct {
	LeftTrigger  float32   `json:"left_trigger"`
	LeftGrip     float32   `json:"left_grip"`
	RightTrigger float32   `json:"right_trigger"`
	RightGrip    float32   `json:"right_grip"`
	At           time.Time `json:"at"`
}

// Malformed reports whether any channel is NaN or outside 0..1.
func (s Sample) Malformed() bool {
	return !valid(s.LeftTrigger) || !valid(s.LeftGrip) || !valid(s.RightTrigger) || !valid(s.RightGrip)
}

func valid(v float32) bool {
	return !math.IsNaN(float64(v)) && v >= 0 && v <= 1
}

// held treats malformed values as released.
func held(v, threshold float32) bool {
	return valid(v) && v > threshold
}

// Combo selects which pair of channels must be held together.
type Combo int

const (
	LeftGripAndTrigger Combo = iota
	RightGripAndTrigger
	BothGrips
)

func (c Combo) String() string {
	switch c {
	case LeftGripAndTrigger:
		return "left_grip_trigger"
	case RightGripAndTrigger:
		return "right_grip_trigger"
	case BothGrips:
		return "both_grips"
	default:
		return fmt.Sprintf("combo(%d)", int(c))
	}
}

// ParseCombo accepts the String form or the CamelCase preset name. An empty
// string selects the default LeftGripAndTrigger.
func ParseCombo(s string) (Combo, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	switch key {
	case "", "leftgriptrigger", "leftgripandtrigger":
		return LeftGripAndTrigger, nil
	case "rightgriptrigger", "rightgripandtrigger":
		return RightGripAndTrigger, nil
	case "bothgrips":
		return BothGrips, nil
	}
	return LeftGripAndTrigger, fmt.Errorf("unknown trigger combo %q", s)
}

// Pressed reports whether both channels of the combo strictly exceed
// threshold in s.
func (c Combo) Pressed(s Sample, threshold float32) bool {
	switch c {
	case LeftGripAndTrigger:
		return held(s.LeftGrip, threshold) && held(s.LeftTrigger, threshold)
	case RightGripAndTrigger:
		return held(s.RightGrip, threshold) && held(s.RightTrigger, threshold)
	case BothGrips:
		return held(s.LeftGrip, threshold) && held(s.RightGrip, threshold)
	default:
		return false
	}
}

// Press returns a sample with the combo's channels fully held.
func (c Combo) Press(at time.Time) Sample {
	s := Sample{At: at}
	switch c {
	case LeftGripAndTrigger:
		s.LeftGrip, s.LeftTrigger = 1, 1
	case RightGripAndTrigger:
		s.RightGrip, s.RightTrigger = 1, 1
	case BothGrips:
		s.LeftGrip, s.RightGrip = 1, 1
	}
	return s
}
