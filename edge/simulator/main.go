package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alimk/nightwatch/internal/service"
	"github.com/alimk/nightwatch/pkg/device"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

const (
	clockSystem = "system"
	clockManual = "manual"

	scenarioNone   = "none"
	scenarioRandom = "random"
)

type config struct {
	deviceID         string
	httpAddr         string
	metricsAddr      string
	mqttEnabled      bool
	broker           string
	clientID         string
	topicPrefix      string
	startupDelay     time.Duration
	tickInterval     time.Duration
	publishInterval  time.Duration
	queueSize        int
	clockMode        string
	scenario         string
	scenarioInterval time.Duration
}

// topic builds "<prefix>/<device>/<suffix>".
func (c config) topic(suffix string) string {
	return c.topicPrefix + "/" + c.deviceID + "/" + suffix
}

func newConfig() config {
	env := service.Env{Logger: logger}
	deviceID := env.String("DEVICE_ID", "nightwatch-001")
	return config{
		deviceID:         deviceID,
		httpAddr:         env.String("HTTP_ADDR", ":8081"),
		metricsAddr:      env.String("METRICS_ADDR", ":9090"),
		mqttEnabled:      env.Bool("MQTT_ENABLED", true),
		broker:           env.String("MQTT_BROKER", "tcp://localhost:1883"),
		clientID:         env.String("MQTT_CLIENT_ID", "nightwatch-sim-"+deviceID),
		topicPrefix:      strings.TrimSuffix(env.String("MQTT_TOPIC_PREFIX", "nightwatch"), "/"),
		startupDelay:     env.Duration("STARTUP_DELAY", device.DefaultStartupDelay),
		tickInterval:     env.Duration("TICK_INTERVAL", device.DefaultTickInterval),
		publishInterval:  env.Duration("PUBLISH_INTERVAL", 5*time.Second),
		queueSize:        env.Int("PUBLISH_QUEUE_SIZE", 256),
		clockMode:        env.Choice("SIM_CLOCK", clockSystem, clockSystem, clockManual),
		scenario:         env.Choice("SIM_SCENARIO", scenarioNone, scenarioNone, scenarioRandom),
		scenarioInterval: env.Duration("SCENARIO_INTERVAL", 2*time.Second),
	}
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

	logger.Info("starting simulator",
		"version", version,
		"device_id", cfg.deviceID,
		"http_addr", cfg.httpAddr,
		"metrics_addr", cfg.metricsAddr,
		"mqtt_enabled", cfg.mqttEnabled,
		"broker", cfg.broker,
		"topic_prefix", cfg.topicPrefix,
		"startup_delay", cfg.startupDelay.String(),
		"tick_interval", cfg.tickInterval.String(),
		"clock", cfg.clockMode,
		"scenario", cfg.scenario,
	)

	metricsSrv := service.StartMetricsServer(logger, cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newStreamHub()
	opts := []device.Option{
		device.WithLogger(logger.With("device_id", cfg.deviceID)),
		device.WithStartupDelay(cfg.startupDelay),
		device.WithTickInterval(cfg.tickInterval),
		device.WithObserver(stateMetrics{}),
		device.WithObserver(hub),
	}

	var manual *device.ManualClock
	if cfg.clockMode == clockManual {
		manual = device.NewManualClock()
		opts = append(opts, device.WithClock(manual))
	}

	var pub *publisher
	if cfg.mqttEnabled {
		pub = newPublisher(cfg, nil)
		opts = append(opts, device.WithObserver(pub))
	}

	sim := device.NewSimulator(opts...)
	recordState(sim.Snapshot())

	var client mqttClient
	if pub != nil {
		c, err := newMQTTClient(cfg, commandHandler(cfg, sim))
		if err != nil {
			logger.Error("initial MQTT connect failed, shutting down", "error", err)
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
			return
		}
		client = c
		pub.client = c
	}

	var pubDone chan struct{}
	if pub != nil {
		pubDone = make(chan struct{})
		go func() {
			defer close(pubDone)
			pub.run()
		}()
	}

	sim.Start()

	var bg sync.WaitGroup
	if pub != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			pub.heartbeat(ctx, sim)
		}()
	}
	if cfg.scenario == scenarioRandom {
		bg.Add(1)
		go func() {
			defer bg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			runScenario(ctx, sim, rng, cfg.scenarioInterval)
		}()
	}

	api := newControlAPI(cfg.deviceID, sim, manual, hub)
	srv := &http.Server{
		Addr:        cfg.httpAddr,
		Handler:     loggingMiddleware(api.routes()),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		logger.Error("control server exited unexpectedly", "error", err)
		stop()
	}

	logger.Info("shutting down simulator")

	// 1. Stop the scenario driver and heartbeat so nothing new is produced.
	bg.Wait()

	// 2. Stop taking control requests and end open streams.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	hub.close()

	// 3. Cancel pending device timers; no observer fires after this.
	sim.Close()

	// 4. Flush queued publishes, then drop the broker connection.
	if pub != nil {
		close(pub.queue)
		<-pubDone
		client.Disconnect(500)
	}

	_ = metricsSrv.Shutdown(shutCtx)
	logger.Info("simulator stopped")
}
