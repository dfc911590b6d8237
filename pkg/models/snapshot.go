package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alimk/nightwatch/pkg/device"
)

// DeviceSnapshot is the shared data contract between the edge simulator, the
// MQTT bridge and the cloud ingestor: one published copy of device state.
type DeviceSnapshot struct {
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
	Connected        bool      `json:"connected"`
	LightLevel       int       `json:"light_level"`
	NightMode        bool      `json:"night_mode"`
	MotionInput      bool      `json:"motion_input"`
	AlarmActive      bool      `json:"alarm_active"`
	BuzzerTimer      int       `json:"buzzer_timer"`
	NotificationSent bool      `json:"notification_sent"`
}

// NewDeviceSnapshot stamps a device state with its origin and time.
func NewDeviceSnapshot(deviceID string, ts time.Time, st device.State) DeviceSnapshot {
	return DeviceSnapshot{
		DeviceID:         deviceID,
		Timestamp:        ts,
		Connected:        st.Connected,
		LightLevel:       st.LightLevel,
		NightMode:        st.NightMode,
		MotionInput:      st.MotionInput,
		AlarmActive:      st.AlarmActive,
		BuzzerTimer:      st.BuzzerTimer,
		NotificationSent: st.NotificationSent,
	}
}

// State returns the device portion of the snapshot.
func (s DeviceSnapshot) State() device.State {
	return device.State{
		Connected:        s.Connected,
		LightLevel:       s.LightLevel,
		NightMode:        s.NightMode,
		MotionInput:      s.MotionInput,
		AlarmActive:      s.AlarmActive,
		BuzzerTimer:      s.BuzzerTimer,
		NotificationSent: s.NotificationSent,
	}
}

// Validate checks that the snapshot could have been produced by a device:
// fields present, readings in range and derived flags consistent.
// It does not touch time.Now(); callers are responsible for skew checks.
func (s DeviceSnapshot) Validate() error {
	if err := validateDeviceID(s.DeviceID); err != nil {
		return err
	}
	if s.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if s.LightLevel < device.MinLightLevel || s.LightLevel > device.MaxLightLevel {
		return fmt.Errorf("light_level out of range [%d, %d]", device.MinLightLevel, device.MaxLightLevel)
	}
	if s.NightMode != (s.LightLevel < device.NightThreshold) {
		return fmt.Errorf("night_mode inconsistent with light_level %d", s.LightLevel)
	}
	if s.BuzzerTimer < 0 || s.BuzzerTimer > device.AlarmSeconds {
		return fmt.Errorf("buzzer_timer out of range [0, %d]", device.AlarmSeconds)
	}
	if s.AlarmActive != (s.BuzzerTimer > 0) {
		return errors.New("alarm_active inconsistent with buzzer_timer")
	}
	return nil
}

// AlarmEvent records one alarm-lifecycle transition of a device.
type AlarmEvent struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"`
	LightLevel  int       `json:"light_level"`
	BuzzerTimer int       `json:"buzzer_timer"`
}

// NewAlarmEvent builds an event with a fresh random ID.
func NewAlarmEvent(deviceID string, ts time.Time, c device.Change, st device.State) AlarmEvent {
	return AlarmEvent{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Timestamp:   ts,
		Kind:        c.String(),
		LightLevel:  st.LightLevel,
		BuzzerTimer: st.BuzzerTimer,
	}
}

// Validate checks that all fields are present and within expected ranges.
func (e AlarmEvent) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("id is not a valid UUID: %w", err)
	}
	if err := validateDeviceID(e.DeviceID); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := device.ParseChange(e.Kind); !ok {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.LightLevel < device.MinLightLevel || e.LightLevel > device.MaxLightLevel {
		return fmt.Errorf("light_level out of range [%d, %d]", device.MinLightLevel, device.MaxLightLevel)
	}
	if e.BuzzerTimer < 0 || e.BuzzerTimer > device.AlarmSeconds {
		return fmt.Errorf("buzzer_timer out of range [0, %d]", device.AlarmSeconds)
	}
	return nil
}

func validateDeviceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("device_id is required")
	}
	if len(id) > 128 {
		return errors.New("device_id exceeds 128 characters")
	}
	return nil
}
