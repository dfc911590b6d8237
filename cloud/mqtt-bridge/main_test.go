package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alimk/nightwatch/pkg/device"
	"github.com/alimk/nightwatch/pkg/models"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testConfig(ingestorURL string) config {
	return config{
		mqttBroker:      "tcp://localhost:1883",
		topicPrefix:     "nightwatch",
		ingestorURL:     ingestorURL,
		metricsAddr:     ":0",
		queueSize:       64,
		workers:         2,
		shutdownTimeout: 2 * time.Second,
	}
}

func testBridge(ingestorURL string) *bridge {
	return newBridge(testConfig(ingestorURL))
}

// alarmState is the device state right after an intrusion was detected.
func alarmState() device.State {
	m := device.NewMachine()
	m.MarkConnected()
	m.SetLightLevel(400)
	m.SetMotion(true)
	return m.Snapshot()
}

func snapshotPayload(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(models.NewDeviceSnapshot("test-device", time.Now().UTC(), alarmState()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func eventPayload(t *testing.T) []byte {
	t.Helper()
	ev := models.NewAlarmEvent("test-device", time.Now().UTC(), device.ChangeAlarmTriggered, alarmState())
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// ---------------------------------------------------------------------------
// config parsing
// ---------------------------------------------------------------------------

func TestNewConfig_Fallbacks(t *testing.T) {
	t.Setenv("BRIDGE_QUEUE_SIZE", "not-a-number")
	t.Setenv("BRIDGE_WORKERS", "0")
	t.Setenv("SHUTDOWN_TIMEOUT", "notaduration")

	cfg := newConfig()
	if cfg.queueSize != 1000 || cfg.workers != 16 || cfg.shutdownTimeout != 10*time.Second {
		t.Fatalf("expected defaults, got queue=%d workers=%d timeout=%v",
			cfg.queueSize, cfg.workers, cfg.shutdownTimeout)
	}
}

func TestNewConfig_TrimsTrailingSlashes(t *testing.T) {
	t.Setenv("MQTT_TOPIC_PREFIX", "site-a/")
	t.Setenv("INGESTOR_URL", "http://ingestor:8080/")

	cfg := newConfig()
	if cfg.topicPrefix != "site-a" {
		t.Fatalf("topicPrefix = %q, want site-a", cfg.topicPrefix)
	}
	if got := cfg.endpoint(kindState); got != "http://ingestor:8080/api/v1/state" {
		t.Fatalf("state endpoint = %q", got)
	}
	if got := cfg.endpoint(kindEvent); got != "http://ingestor:8080/api/v1/events" {
		t.Fatalf("events endpoint = %q", got)
	}
}

func TestSubscriptions(t *testing.T) {
	subs := testConfig("http://x").subscriptions()
	for _, want := range []string{"nightwatch/+/state", "nightwatch/+/events"} {
		if qos, ok := subs[want]; !ok || qos != 1 {
			t.Fatalf("missing subscription %q at qos 1: %v", want, subs)
		}
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// topic classification
// ---------------------------------------------------------------------------

func TestKindOf(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"nightwatch/sim-1/state", kindState},
		{"nightwatch/sim-1/events", kindEvent},
		{"nightwatch/sim-1/status", ""},
		{"nightwatch/sim-1/cmd/motion", ""},
		{"nightwatch/sim-1/statex", ""},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := kindOf(tt.topic); got != tt.want {
				t.Fatalf("kindOf(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	bad := models.NewDeviceSnapshot("test-device", time.Now().UTC(), alarmState())
	bad.NightMode = false // light 400 implies night
	badSnapshot, _ := json.Marshal(bad)

	tests := []struct {
		name    string
		kind    string
		data    []byte
		wantErr bool
	}{
		{"valid snapshot", kindState, snapshotPayload(t), false},
		{"valid event", kindEvent, eventPayload(t), false},
		{"snapshot garbage", kindState, []byte("{not json}"), true},
		{"event garbage", kindEvent, []byte("[]"), true},
		{"inconsistent snapshot", kindState, badSnapshot, true},
		{"snapshot sent as event", kindEvent, snapshotPayload(t), true},
		{"unknown kind", "status", snapshotPayload(t), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validate(tt.kind, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// process
// ---------------------------------------------------------------------------

func TestProcess_InvalidJSON(t *testing.T) {
	b := testBridge("http://127.0.0.1:0") // unreachable; should not be called
	before := testutil.ToFloat64(messagesInvalid.WithLabelValues(kindState))

	b.process(context.Background(), message{kind: kindState, data: []byte("{not json}")})

	if got := testutil.ToFloat64(messagesInvalid.WithLabelValues(kindState)) - before; got != 1 {
		t.Fatalf("expected 1 invalid message, got %v", got)
	}
}

func TestProcess_RoutesByKind(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	b.process(context.Background(), message{kind: kindState, data: snapshotPayload(t)})
	b.process(context.Background(), message{kind: kindEvent, data: eventPayload(t)})
	b.process(context.Background(), message{kind: kindEvent, data: eventPayload(t)})

	mu.Lock()
	defer mu.Unlock()
	if paths["/api/v1/state"] != 1 || paths["/api/v1/events"] != 2 {
		t.Fatalf("unexpected routing: %v", paths)
	}
}

// ---------------------------------------------------------------------------
// mqtt handler
// ---------------------------------------------------------------------------

func TestMQTTHandler_EnqueuesKnownTopics(t *testing.T) {
	b := testBridge("http://127.0.0.1:0")
	h := b.mqttHandler()

	payload := snapshotPayload(t)
	h(nil, fakeMessage{topic: "nightwatch/sim-1/state", payload: payload})
	h(nil, fakeMessage{topic: "nightwatch/sim-1/status", payload: []byte("online")})

	if len(b.queue) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(b.queue))
	}
	msg := <-b.queue
	queueDepth.Dec()
	if msg.kind != kindState {
		t.Fatalf("kind = %q, want %q", msg.kind, kindState)
	}

	// The handler must copy the payload; paho reuses its buffer.
	payload[0] = 'X'
	if msg.data[0] == 'X' {
		t.Fatal("handler did not copy the payload")
	}
}

func TestMQTTHandler_DropsWhenQueueFull(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.queueSize = 1
	b := newBridge(cfg)
	h := b.mqttHandler()

	before := testutil.ToFloat64(queueDropped)
	for range 3 {
		h(nil, fakeMessage{topic: "nightwatch/sim-1/events", payload: []byte("{}")})
	}
	if got := testutil.ToFloat64(queueDropped) - before; got != 2 {
		t.Fatalf("expected 2 drops, got %v", got)
	}
	<-b.queue
	queueDepth.Dec()
}

// ---------------------------------------------------------------------------
// forward: HTTP status classification
// ---------------------------------------------------------------------------

func TestForward_SuccessOn202(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	err := b.forward(context.Background(), srv.URL+"/api/v1/state", snapshotPayload(t), "dev-1")
	if err != nil {
		t.Fatalf("expected nil error on 202, got: %v", err)
	}
}

func TestForward_NonRetryableOn4xx(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			b := testBridge(srv.URL)
			err := b.forward(context.Background(), srv.URL, eventPayload(t), "dev-1")
			if !errors.Is(err, errRejected) {
				t.Fatalf("status %d: want errRejected, got %v", status, err)
			}
			if calls.Load() != 1 {
				t.Fatalf("%d should not be retried, got %d calls", status, calls.Load())
			}
		})
	}
}

func TestForward_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	err := b.forward(context.Background(), srv.URL, snapshotPayload(t), "dev-1")
	if !errors.Is(err, errExhausted) {
		t.Fatalf("want errExhausted after retries on 503, got %v", err)
	}
	if got := calls.Load(); got != maxAttempts {
		t.Fatalf("expected %d attempts on 503, got %d", maxAttempts, got)
	}
}

func TestForward_RetriesOn500ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	if err := b.forward(context.Background(), srv.URL, snapshotPayload(t), "dev-1"); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", got)
	}
}

func TestForward_ContextCancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel while the first 200ms backoff sleep is in progress.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := b.forward(ctx, srv.URL, snapshotPayload(t), "dev-1")
	if got := failureReason(err); got != "cancelled" {
		t.Fatalf("failureReason = %q, want cancelled (err %v)", got, err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", got)
	}
}

func TestBackoff_Doubles(t *testing.T) {
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}
	for i, w := range want {
		if got := backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: HTTP 422", errRejected), "rejected"},
		{fmt.Errorf("backoff: %w", context.Canceled), "cancelled"},
		{fmt.Errorf("before attempt 2: %w", context.DeadlineExceeded), "cancelled"},
		{fmt.Errorf("%w after 5 attempts: boom", errExhausted), "exhausted"},
	}
	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestProcess_RejectedCountsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	c := forwardFailure.WithLabelValues(kindEvent, "rejected")
	before := testutil.ToFloat64(c)
	b.process(context.Background(), message{kind: kindEvent, data: eventPayload(t)})
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("rejected failures delta = %v, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// queue drop rate limiting
// ---------------------------------------------------------------------------

func TestDropLog_RateLimited(t *testing.T) {
	b := testBridge("http://127.0.0.1:0")

	b.logDropRateLimited()
	first := b.dropLogAt.Load()
	if first == 0 {
		t.Fatal("expected dropLogAt to be set after first call")
	}

	b.logDropRateLimited()
	if b.dropLogAt.Load() != first {
		t.Fatal("dropLogAt must not change within the 1-second rate-limit window")
	}
}

// ---------------------------------------------------------------------------
// worker pool drains queue on close
// ---------------------------------------------------------------------------

func TestWorkers_DrainOnClose(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.workers = 4
	b := newBridge(cfg)

	wg := b.startWorkers(context.Background())

	const n = 10
	for i := range n {
		msg := message{kind: kindState, data: snapshotPayload(t)}
		if i%2 == 1 {
			msg = message{kind: kindEvent, data: eventPayload(t)}
		}
		b.queue <- msg
		queueDepth.Inc()
	}
	close(b.queue)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not finish draining within 5 s")
	}
	if got := received.Load(); got != n {
		t.Fatalf("expected %d forwarded messages, got %d", n, got)
	}
}

func TestDrain_ForwardsRetryingMessagesAfterShutdown(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	c := forwardSuccess.WithLabelValues(kindState)
	before := testutil.ToFloat64(c)

	workCtx, stopWork := context.WithCancel(context.Background())
	wg := b.startWorkers(workCtx)
	b.queue <- message{kind: kindState, data: snapshotPayload(t)}
	queueDepth.Inc()

	// The first attempt fails, so the message is mid-backoff while draining.
	if !b.drain(wg, stopWork, 5*time.Second) {
		t.Fatal("drain timed out")
	}
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("forward successes +%v, want +1", got)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls (retry during drain), got %d", got)
	}
	if workCtx.Err() == nil {
		t.Fatal("worker context should be cancelled once the drain ends")
	}
}

func TestDrain_TimeoutCancelsInFlightRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	c := forwardFailure.WithLabelValues(kindState, "cancelled")
	before := testutil.ToFloat64(c)

	workCtx, stopWork := context.WithCancel(context.Background())
	wg := b.startWorkers(workCtx)
	b.queue <- message{kind: kindState, data: snapshotPayload(t)}
	queueDepth.Inc()

	if b.drain(wg, stopWork, 50*time.Millisecond) {
		t.Fatal("drain should time out while the ingestor keeps failing")
	}
	wg.Wait()
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("cancelled failures +%v, want +1", got)
	}
}
