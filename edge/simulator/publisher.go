package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alimk/nightwatch/pkg/device"
	"github.com/alimk/nightwatch/pkg/models"
)

// mqttClient is the subset of mqtt.Client the simulator needs.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// publisher turns device events into MQTT messages. OnChange runs on the
// device timeline and only enqueues; run drains the queue on its own
// goroutine so a slow broker never stalls the simulator.
type publisher struct {
	cfg    config
	client mqttClient
	queue  chan outbound
	now    func() time.Time

	// dropLogAt holds the Unix nanosecond timestamp of the last drop log line.
	dropLogAt atomic.Int64
}

func newPublisher(cfg config, client mqttClient) *publisher {
	return &publisher{
		cfg:    cfg,
		client: client,
		queue:  make(chan outbound, cfg.queueSize),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnChange implements device.Observer. Every change publishes a retained
// snapshot; alarm lifecycle changes also publish an AlarmEvent each.
func (p *publisher) OnChange(ev device.Event) {
	ts := p.now()
	p.enqueueSnapshot(ts, ev.State)

	for _, c := range ev.Changes {
		if !c.IsAlarm() || c == device.ChangeAlarmTick {
			continue
		}
		evt := models.NewAlarmEvent(p.cfg.deviceID, ts, c, ev.State)
		payload, err := json.Marshal(evt)
		if err != nil {
			logger.Error("failed to marshal alarm event", "error", err)
			continue
		}
		p.enqueue(outbound{topic: p.cfg.topic("events"), payload: payload})
	}
}

func (p *publisher) enqueueSnapshot(ts time.Time, st device.State) {
	payload, err := json.Marshal(models.NewDeviceSnapshot(p.cfg.deviceID, ts, st))
	if err != nil {
		logger.Error("failed to marshal snapshot", "error", err)
		return
	}
	p.enqueue(outbound{topic: p.cfg.topic("state"), payload: payload, retained: true})
}

// enqueue never blocks; when the queue is full the message is dropped.
func (p *publisher) enqueue(msg outbound) {
	select {
	case p.queue <- msg:
	default:
		publishDropped.Inc()
		p.logDropRateLimited()
	}
}

// logDropRateLimited emits at most one warning log per second regardless of
// how many drops occur within that window.
func (p *publisher) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := p.dropLogAt.Load()
	if now-last >= int64(time.Second) && p.dropLogAt.CompareAndSwap(last, now) {
		logger.Warn("publish queue full, message dropped; consider increasing PUBLISH_QUEUE_SIZE")
	}
}

// run publishes queued messages until the queue is closed.
func (p *publisher) run() {
	for msg := range p.queue {
		if err := p.publish(msg); err != nil {
			logger.Warn("publish failed", "topic", msg.topic, "error", err)
		}
	}
}

func (p *publisher) publish(msg outbound) error {
	token := p.client.Publish(msg.topic, 1, msg.retained, msg.payload)
	if ok := token.WaitTimeout(3 * time.Second); !ok {
		publishTimeout.Inc()
		return fmt.Errorf("publish to %s timed out", msg.topic)
	}
	if err := token.Error(); err != nil {
		publishFailure.Inc()
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	publishSuccess.Inc()
	return nil
}

// snapshotSource is satisfied by *device.Simulator.
type snapshotSource interface {
	Snapshot() device.State
}

// heartbeat republishes the current snapshot every publishInterval so that
// late subscribers and the cloud side see a live device even when idle.
func (p *publisher) heartbeat(ctx context.Context, src snapshotSource) {
	ticker := time.NewTicker(p.cfg.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.enqueueSnapshot(p.now(), src.Snapshot())
		}
	}
}

// newMQTTClient dials the broker and returns a connected client. Command
// subscriptions are (re)made inside OnConnectHandler so they survive
// reconnects. The retained status topic reads "offline" via the will message
// whenever the simulator drops off the broker.
func newMQTTClient(cfg config, handler mqtt.MessageHandler) (mqtt.Client, error) {
	statusTopic := cfg.topic("status")
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.broker).
		SetClientID(cfg.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(statusTopic, "offline", 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.broker)
			c.Publish(statusTopic, 1, true, "online")

			filters := map[string]byte{
				cfg.topic("cmd/light"):  1,
				cfg.topic("cmd/motion"): 1,
			}
			tok := c.SubscribeMultiple(filters, handler)
			if ok := tok.WaitTimeout(10 * time.Second); !ok {
				logger.Warn("command subscribe timed out", "device_id", cfg.deviceID)
				return
			}
			if err := tok.Error(); err != nil {
				logger.Error("command subscribe failed", "device_id", cfg.deviceID, "error", err)
				return
			}
			logger.Info("subscribed to command topics", "prefix", cfg.topic("cmd"))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
}
