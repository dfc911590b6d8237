package device

// Machine applies the device rules to a single State. It does no locking and
// schedules nothing: callers feed it inputs and clock ticks in order. Every
// mutating method returns the changes it made, nil when the call was a no-op.
type Machine struct {
	state State
}

// NewMachine returns a machine in the power-on state.
func NewMachine() *Machine {
	return &Machine{state: initialState()}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	return m.state
}

// MarkConnected records that the network link is up. It never reverts.
func (m *Machine) MarkConnected() []Change {
	if m.state.Connected {
		return nil
	}
	m.state.Connected = true
	return []Change{ChangeConnected}
}

// SetLightLevel stores the clamped reading and re-derives night mode.
func (m *Machine) SetLightLevel(v int) []Change {
	v = ClampLightLevel(v)
	if v == m.state.LightLevel {
		return nil
	}

	changes := []Change{ChangeLightLevel}
	m.state.LightLevel = v
	if night := isNight(v); night != m.state.NightMode {
		m.state.NightMode = night
		changes = append(changes, ChangeMode)
	}
	return changes
}

// SetMotion records the motion sensor reading. A rising edge at night with
// the buzzer silent latches the alarm; a rising edge while the buzzer is
// already sounding is ignored, not queued. A falling edge clears the
// notification but leaves the countdown running.
func (m *Machine) SetMotion(detected bool) []Change {
	if detected == m.state.MotionInput {
		return nil
	}

	m.state.MotionInput = detected
	changes := []Change{ChangeMotion}

	if !detected {
		if m.state.NotificationSent {
			m.state.NotificationSent = false
			changes = append(changes, ChangeNotificationReset)
		}
		return changes
	}

	if m.state.NightMode && !m.state.AlarmActive {
		m.state.AlarmActive = true
		m.state.BuzzerTimer = AlarmSeconds
		m.state.NotificationSent = true
		changes = append(changes, ChangeAlarmTriggered, ChangeNotificationSent)
	}
	return changes
}

// Tick advances the buzzer countdown by one second. It is the only way an
// active alarm ends.
func (m *Machine) Tick() []Change {
	if m.state.BuzzerTimer <= 0 {
		return nil
	}

	m.state.BuzzerTimer--
	if m.state.BuzzerTimer > 0 {
		return []Change{ChangeAlarmTick}
	}
	m.state.AlarmActive = false
	return []Change{ChangeAlarmTick, ChangeAlarmCleared}
}
