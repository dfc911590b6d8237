package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alimk/nightwatch/pkg/device"
)

const (
	sourceHTTP     = "http"
	sourceMQTT     = "mqtt"
	sourceScenario = "scenario"

	inputLight  = "light"
	inputMotion = "motion"
)

// sensorInputs is the write side of *device.Simulator.
type sensorInputs interface {
	SetLightLevel(v int)
	SetMotion(detected bool)
}

// parseLightPayload accepts a bare integer. Out-of-range values are passed
// through; the device clamps them.
func parseLightPayload(b []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("light payload %q is not an integer", string(b))
	}
	return v, nil
}

func parseMotionPayload(b []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "1", "true", "on", "high":
		return true, nil
	case "0", "false", "off", "low":
		return false, nil
	default:
		return false, fmt.Errorf("motion payload %q is not a boolean", string(b))
	}
}

// commandHandler applies "<prefix>/<device>/cmd/{light,motion}" messages to
// the simulator. Called on paho's internal goroutine; the setters never block.
func commandHandler(cfg config, sim sensorInputs) mqtt.MessageHandler {
	lightTopic := cfg.topic("cmd/light")
	motionTopic := cfg.topic("cmd/motion")

	return func(_ mqtt.Client, msg mqtt.Message) {
		switch msg.Topic() {
		case lightTopic:
			v, err := parseLightPayload(msg.Payload())
			if err != nil {
				inputsRejected.WithLabelValues(sourceMQTT, inputLight).Inc()
				logger.Warn("rejected light command", "error", err)
				return
			}
			sim.SetLightLevel(v)
			inputsTotal.WithLabelValues(sourceMQTT, inputLight).Inc()

		case motionTopic:
			v, err := parseMotionPayload(msg.Payload())
			if err != nil {
				inputsRejected.WithLabelValues(sourceMQTT, inputMotion).Inc()
				logger.Warn("rejected motion command", "error", err)
				return
			}
			sim.SetMotion(v)
			inputsTotal.WithLabelValues(sourceMQTT, inputMotion).Inc()

		default:
			logger.Debug("ignoring message on unexpected topic", "topic", msg.Topic())
		}
	}
}

// scenarioStep is one random input change. The light reading drifts by up to
// ±300 around its previous value and the motion sensor flips about a third
// of the time, which walks the device through dusk, dawn and intrusions.
func scenarioStep(rng *rand.Rand, light int, motion bool) (int, bool) {
	light = device.ClampLightLevel(light + rng.Intn(601) - 300)
	if rng.Float64() < 0.35 {
		motion = !motion
	}
	return light, motion
}

// runScenario feeds random sensor readings into sim until ctx is done.
func runScenario(ctx context.Context, sim *device.Simulator, rng *rand.Rand, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	st := sim.Snapshot()
	light, motion := st.LightLevel, st.MotionInput
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			light, motion = scenarioStep(rng, light, motion)
			sim.SetLightLevel(light)
			sim.SetMotion(motion)
			inputsTotal.WithLabelValues(sourceScenario, inputLight).Inc()
			inputsTotal.WithLabelValues(sourceScenario, inputMotion).Inc()
			logger.Debug("scenario step", "light_level", light, "motion", motion)
		}
	}
}
