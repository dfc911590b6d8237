package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimk/nightwatch/internal/service"
	"github.com/alimk/nightwatch/pkg/device"
)

var (
	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_connected",
		Help: "1 once the simulated network link is up, 0 while connecting.",
	})
	lightLevelGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_light_level",
		Help: "Current light sensor reading in [0, 2000].",
	})
	nightModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_night_mode",
		Help: "1 when the light level is below the night threshold.",
	})
	alarmActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_alarm_active",
		Help: "1 while the buzzer is sounding.",
	})
	buzzerTimerGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_buzzer_timer_seconds",
		Help: "Seconds remaining on the active alarm.",
	})
	alarmsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_alarms_triggered_total",
		Help: "Total number of alarms latched by a night-time motion edge.",
	})
	notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_notifications_sent_total",
		Help: "Total number of simulated intruder alert emails.",
	})

	inputsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_inputs_total",
		Help: "Sensor inputs applied to the simulator by source and input.",
	}, []string{"source", "input"})
	inputsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_inputs_rejected_total",
		Help: "Sensor inputs that could not be parsed, by source and input.",
	}, []string{"source", "input"})

	publishSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_publish_success_total",
		Help: "Total number of messages successfully published to MQTT.",
	})
	publishFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_publish_failure_total",
		Help: "Total number of publish attempts that returned an error.",
	})
	publishTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_publish_timeout_total",
		Help: "Total number of publish attempts that timed out waiting for ack.",
	})
	publishDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_publish_dropped_total",
		Help: "Total messages dropped because the publish queue was full.",
	})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_stream_clients",
		Help: "Current number of connected state stream websocket clients.",
	})
	streamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_stream_dropped_total",
		Help: "Snapshots skipped because a stream client was not keeping up.",
	})

	httpMetrics = service.NewHTTPMetrics(prometheus.DefaultRegisterer, "nightwatch")
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// recordState mirrors a device state into the gauges.
func recordState(st device.State) {
	connectedGauge.Set(boolGauge(st.Connected))
	lightLevelGauge.Set(float64(st.LightLevel))
	nightModeGauge.Set(boolGauge(st.NightMode))
	alarmActiveGauge.Set(boolGauge(st.AlarmActive))
	buzzerTimerGauge.Set(float64(st.BuzzerTimer))
}

// stateMetrics keeps the gauges in step with the device and stands in for
// the alert mailer: a sent notification is logged and counted, nothing more.
type stateMetrics struct{}

func (stateMetrics) OnChange(ev device.Event) {
	recordState(ev.State)
	if ev.Has(device.ChangeAlarmTriggered) {
		alarmsTriggered.Inc()
	}
	if ev.Has(device.ChangeNotificationSent) {
		notificationsSent.Inc()
		logger.Info("simulated email: intruder alert sent",
			"light_level", ev.State.LightLevel,
			"buzzer_timer", ev.State.BuzzerTimer,
		)
	}
}
