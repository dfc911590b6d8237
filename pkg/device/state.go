// Package device models the night-watch intrusion device: a light sensor
// selects day or night mode, and a rising motion edge at night latches a
// fixed-length buzzer alarm together with a simulated alert notification.
//
// Machine holds the pure transition rules. Simulator owns a Machine and
// drives its clock-based transitions (network ready, buzzer countdown).
package device

import "time"

const (
	// MinLightLevel and MaxLightLevel bound the light sensor; readings
	// outside are clamped.
	MinLightLevel = 0
	MaxLightLevel = 2000

	// DefaultLightLevel is the reading at power-on, which is daylight.
	DefaultLightLevel = 1500

	// NightThreshold is the light level below which the device is in night mode.
	NightThreshold = 1000

	// AlarmSeconds is how long the buzzer sounds once triggered.
	AlarmSeconds = 10

	// DefaultStartupDelay is the time from Start until the device reports
	// its network as connected.
	DefaultStartupDelay = 3 * time.Second

	// DefaultTickInterval is one countdown step: one simulated second.
	DefaultTickInterval = time.Second
)

// State is a point-in-time copy of the device. It is a plain value; holding
// one never aliases the machine's internal state.
type State struct {
	Connected        bool `json:"connected"`
	LightLevel       int  `json:"light_level"`
	NightMode        bool `json:"night_mode"`
	MotionInput      bool `json:"motion_input"`
	AlarmActive      bool `json:"alarm_active"`
	BuzzerTimer      int  `json:"buzzer_timer"`
	NotificationSent bool `json:"notification_sent"`
}

// initialState is the state of a freshly powered device: still connecting,
// daylight, no motion, buzzer silent.
func initialState() State {
	return State{
		LightLevel: DefaultLightLevel,
		NightMode:  isNight(DefaultLightLevel),
	}
}

func isNight(level int) bool {
	return level < NightThreshold
}

// ClampLightLevel limits v to the sensor range [MinLightLevel, MaxLightLevel].
func ClampLightLevel(v int) int {
	switch {
	case v < MinLightLevel:
		return MinLightLevel
	case v > MaxLightLevel:
		return MaxLightLevel
	default:
		return v
	}
}
