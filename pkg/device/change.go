package device

// Change names a single observable transition of the device state.
type Change int

const (
	ChangeConnected Change = iota + 1
	ChangeLightLevel
	ChangeMode
	ChangeMotion
	ChangeAlarmTriggered
	ChangeAlarmTick
	ChangeAlarmCleared
	ChangeNotificationSent
	ChangeNotificationReset
)

var changeNames = map[Change]string{
	ChangeConnected:         "connected",
	ChangeLightLevel:        "light_level",
	ChangeMode:              "mode",
	ChangeMotion:            "motion",
	ChangeAlarmTriggered:    "alarm_triggered",
	ChangeAlarmTick:         "alarm_tick",
	ChangeAlarmCleared:      "alarm_cleared",
	ChangeNotificationSent:  "notification_sent",
	ChangeNotificationReset: "notification_reset",
}

func (c Change) String() string {
	if name, ok := changeNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsAlarm reports whether c belongs to the alarm lifecycle (trigger,
// countdown, clear) or the notification that accompanies it.
func (c Change) IsAlarm() bool {
	switch c {
	case ChangeAlarmTriggered, ChangeAlarmTick, ChangeAlarmCleared,
		ChangeNotificationSent, ChangeNotificationReset:
		return true
	}
	return false
}

// ParseChange returns the Change whose String form is name.
func ParseChange(name string) (Change, bool) {
	for c, n := range changeNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Event is delivered to observers after every operation that changed state.
type Event struct {
	Changes []Change
	State   State
}

// Has reports whether the event includes c.
func (e Event) Has(c Change) bool {
	return contains(e.Changes, c)
}

// Observer receives state change events. OnChange runs on the simulator's
// state timeline with its lock held, so implementations must return quickly
// and must not call back into the Simulator.
type Observer interface {
	OnChange(ev Event)
}

// ObserverFunc adapts an ordinary function to the Observer interface.
type ObserverFunc func(ev Event)

// OnChange calls f(ev).
func (f ObserverFunc) OnChange(ev Event) { f(ev) }
