package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimk/nightwatch/pkg/device"
	"github.com/alimk/nightwatch/pkg/models"
)

const (
	streamBuffer     = 16
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control API is meant to sit behind the page that renders it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamHub fans device states out to websocket subscribers. A subscriber
// that falls streamBuffer states behind misses updates rather than slowing
// the device timeline.
//
// The hub must be registered as an observer when the simulator is built so
// that last tracks every change from the initial state on.
type streamHub struct {
	mu     sync.Mutex
	subs   map[chan device.State]struct{}
	last   device.State
	closed bool
}

func newStreamHub() *streamHub {
	return &streamHub{
		subs: make(map[chan device.State]struct{}),
		last: device.NewMachine().Snapshot(),
	}
}

// OnChange implements device.Observer.
func (h *streamHub) OnChange(ev device.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = ev.State
	for ch := range h.subs {
		select {
		case ch <- ev.State:
		default:
			streamDropped.Inc()
		}
	}
}

// subscribe registers a new subscriber. The first value on the channel is
// the current state, followed by every later change in order. The channel
// is closed by the returned cancel func or by close, whichever comes first.
func (h *streamHub) subscribe() (<-chan device.State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan device.State, streamBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- h.last
	h.subs[ch] = struct{}{}
	streamClients.Inc()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
			streamClients.Dec()
		}
	}
}

func (h *streamHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
		streamClients.Dec()
	}
}

// handleStream serves GET /api/v1/state/stream. The current snapshot is sent
// on connect, then one message per state change. Both come from the hub so
// a change racing the connect is never sent out of order.
func (a *controlAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := a.hub.subscribe()
	defer cancel()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(st device.State) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(models.NewDeviceSnapshot(a.deviceID, a.now(), st))
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulator shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if err := send(st); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
