package main

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_bridge_messages_received_total",
		Help: "Device messages received from the broker, by kind.",
	}, []string{"kind"})
	messagesInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_bridge_messages_invalid_total",
		Help: "Device messages that failed decoding or validation, by kind.",
	}, []string{"kind"})
	forwardSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_bridge_forward_success_total",
		Help: "Device messages accepted by the ingestor, by kind.",
	}, []string{"kind"})
	forwardFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightwatch_bridge_forward_failure_total",
		Help: "Device messages that never reached the ingestor, by kind and reason.",
	}, []string{"kind", "reason"})
	forwardRetry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_bridge_forward_retry_total",
		Help: "Retry attempts, not counting the first attempt of each message.",
	})
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nightwatch_bridge_forward_duration_seconds",
		Help:    "Time to deliver one message to the ingestor, retries included.",
		Buckets: prometheus.DefBuckets,
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nightwatch_bridge_queue_depth",
		Help: "Messages waiting for a worker.",
	})
	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightwatch_bridge_queue_dropped_total",
		Help: "Messages dropped because the queue was full.",
	})
)

type message struct {
	kind string
	data []byte
}

// bridge moves validated device messages from the broker to the ingestor.
// Only dropLogAt changes after newBridge returns.
type bridge struct {
	cfg       config
	client    *http.Client
	transport *http.Transport
	queue     chan message

	// dropLogAt is the Unix nano time of the last "queue full" log line.
	dropLogAt atomic.Int64
}

func newBridge(cfg config) *bridge {
	client, transport := newHTTPClient()
	return &bridge{
		cfg:       cfg,
		client:    client,
		transport: transport,
		queue:     make(chan message, cfg.queueSize),
	}
}

// mqttHandler runs on paho's goroutine and never blocks. The payload is
// copied because paho reuses the buffer. Topics the bridge does not forward
// are ignored.
func (b *bridge) mqttHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		kind := kindOf(msg.Topic())
		if kind == "" {
			return
		}
		messagesReceived.WithLabelValues(kind).Inc()

		data := append([]byte(nil), msg.Payload()...)
		select {
		case b.queue <- message{kind: kind, data: data}:
			queueDepth.Inc()
		default:
			queueDropped.Inc()
			b.logDropRateLimited()
		}
	}
}

// logDropRateLimited logs at most once per second however many drops occur.
func (b *bridge) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := b.dropLogAt.Load()
	if now-last >= int64(time.Second) && b.dropLogAt.CompareAndSwap(last, now) {
		logger.Warn("queue full, message dropped; consider increasing BRIDGE_QUEUE_SIZE or BRIDGE_WORKERS")
	}
}

// startWorkers drains b.queue on cfg.workers goroutines until it is closed.
func (b *bridge) startWorkers(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for range b.cfg.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range b.queue {
				queueDepth.Dec()
				b.process(ctx, msg)
			}
		}()
	}
	return &wg
}

// drain closes the queue and waits up to timeout for the workers to forward
// what is left. Workers must have been started with a context that only
// stop cancels, so queued messages keep retrying during the drain; stop is
// called once the drain ends either way. It reports whether the workers
// finished in time.
func (b *bridge) drain(wg *sync.WaitGroup, stop context.CancelFunc, timeout time.Duration) bool {
	defer stop()
	close(b.queue)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// process validates and forwards one message. Safe for concurrent use.
func (b *bridge) process(ctx context.Context, msg message) {
	deviceID, err := validate(msg.kind, msg.data)
	if err != nil {
		messagesInvalid.WithLabelValues(msg.kind).Inc()
		logger.Warn("invalid device message", "kind", msg.kind, "device_id", deviceID, "error", err)
		return
	}

	if err := b.forward(ctx, b.cfg.endpoint(msg.kind), msg.data, deviceID); err != nil {
		reason := failureReason(err)
		forwardFailure.WithLabelValues(msg.kind, reason).Inc()
		logger.Error("forward failed",
			"kind", msg.kind,
			"device_id", deviceID,
			"reason", reason,
			"error", err,
		)
		return
	}
	forwardSuccess.WithLabelValues(msg.kind).Inc()
}
