package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alimk/nightwatch/internal/service"
	"github.com/alimk/nightwatch/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

type config struct {
	mqttBroker      string
	topicPrefix     string
	ingestorURL     string
	metricsAddr     string
	queueSize       int
	workers         int
	shutdownTimeout time.Duration
}

func newConfig() config {
	env := service.Env{Logger: logger}
	return config{
		mqttBroker:      env.String("MQTT_BROKER", "tcp://mosquitto:1883"),
		topicPrefix:     strings.TrimSuffix(env.String("MQTT_TOPIC_PREFIX", "nightwatch"), "/"),
		ingestorURL:     strings.TrimSuffix(env.String("INGESTOR_URL", "http://ingestor:8080"), "/"),
		metricsAddr:     env.String("METRICS_ADDR", ":9092"),
		queueSize:       env.Int("BRIDGE_QUEUE_SIZE", 1000),
		workers:         env.Int("BRIDGE_WORKERS", 16),
		shutdownTimeout: env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Message kinds, named after the last topic segment.
const (
	kindState = "state"
	kindEvent = "events"
)

func (c config) subscriptions() map[string]byte {
	return map[string]byte{
		c.topicPrefix + "/+/" + kindState: 1,
		c.topicPrefix + "/+/" + kindEvent: 1,
	}
}

// kindOf maps "<prefix>/<device>/<kind>" to its kind, or "" for topics the
// bridge does not forward.
func kindOf(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 {
		return ""
	}
	switch k := topic[i+1:]; k {
	case kindState, kindEvent:
		return k
	default:
		return ""
	}
}

func (c config) endpoint(kind string) string {
	if kind == kindEvent {
		return c.ingestorURL + "/api/v1/events"
	}
	return c.ingestorURL + "/api/v1/state"
}

// validate decodes data as the model for kind and runs its Validate. The
// device ID comes back even when validation fails so it can be logged.
func validate(kind string, data []byte) (string, error) {
	switch kind {
	case kindState:
		var s models.DeviceSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("decode snapshot: %w", err)
		}
		return s.DeviceID, s.Validate()
	case kindEvent:
		var e models.AlarmEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return "", fmt.Errorf("decode alarm event: %w", err)
		}
		return e.DeviceID, e.Validate()
	default:
		return "", fmt.Errorf("unsupported kind %q", kind)
	}
}

// newMQTTClient connects to the broker. Subscriptions are made in the
// OnConnect handler because paho's auto-reconnect does not restore them.
func newMQTTClient(cfg config, handler mqtt.MessageHandler) (mqtt.Client, error) {
	filters := cfg.subscriptions()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.mqttBroker).
		SetClientID("nightwatch-mqtt-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.mqttBroker)
			tok := c.SubscribeMultiple(filters, handler)
			if !tok.WaitTimeout(10 * time.Second) {
				logger.Warn("subscribe timed out", "prefix", cfg.topicPrefix)
				return
			}
			if err := tok.Error(); err != nil {
				logger.Error("subscribe failed", "prefix", cfg.topicPrefix, "error", err)
				return
			}
			logger.Info("subscribed to device topics", "prefix", cfg.topicPrefix)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, will reconnect", "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, errors.New("MQTT connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect: %w", err)
	}
	return client, nil
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	flag.Parse()

	cfg := newConfig()

	if *healthcheck {
		if err := service.Probe(cfg.metricsAddr, 3*time.Second); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger.Info("starting mqtt-bridge",
		"version", version,
		"broker", cfg.mqttBroker,
		"topic_prefix", cfg.topicPrefix,
		"ingestor_url", cfg.ingestorURL,
		"metrics_addr", cfg.metricsAddr,
		"queue_size", cfg.queueSize,
		"workers", cfg.workers,
		"shutdown_timeout", cfg.shutdownTimeout.String(),
	)

	metricsSrv := service.StartMetricsServer(logger, cfg.metricsAddr)
	stopMetrics := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal: their context is cancelled only when the
	// drain gives up.
	workCtx, stopWork := context.WithCancel(context.Background())
	b := newBridge(cfg)
	wg := b.startWorkers(workCtx)

	client, err := newMQTTClient(cfg, b.mqttHandler())
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		b.drain(wg, stopWork, cfg.shutdownTimeout)
		stopMetrics()
		return
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining queue")

	// The handler cannot send on b.queue once Disconnect has returned.
	client.Disconnect(500)
	if b.drain(wg, stopWork, cfg.shutdownTimeout) {
		logger.Info("all workers finished cleanly")
	} else {
		logger.Warn("shutdown timeout reached before workers finished",
			"timeout", cfg.shutdownTimeout.String())
	}

	b.transport.CloseIdleConnections()
	stopMetrics()
	logger.Info("mqtt-bridge stopped")
}
