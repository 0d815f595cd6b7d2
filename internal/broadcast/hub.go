// Package broadcast implements the Broadcast Hub: it accepts persistent
// WebSocket subscriber connections and fans out the Alert Store's change
// stream to each of them, in emission order, with per-subscriber
// back-pressure.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

// FrameType is the frame taxonomy from spec.md §4.5.
type FrameType string

const (
	FrameConnectionAck FrameType = "connection_ack"
	FrameBulk          FrameType = "bulk"
	FrameNew           FrameType = "new"
	FrameUpdate        FrameType = "update"
	FrameRemove        FrameType = "remove"
	FrameSystemStatus  FrameType = "system_status"
	FramePing          FrameType = "ping"
	FramePong          FrameType = "pong"
	FrameError         FrameType = "error"
)

// Frame is the envelope every outbound message carries.
type Frame struct {
	Type      FrameType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	subscriberQueueSize = 256
	readIdleTimeout      = 45 * time.Second
	pongGrace            = 30 * time.Second
)

// Hub fans out Store events to connected subscribers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	clock    clockwork.Clock
	metrics  *observability.Metrics

	mu          sync.Mutex
	subscribers map[string]*subscriber
}

// New constructs a Hub. Each subscriber connection takes its own atomic
// snapshot-plus-subscription from the Store in ServeWS, per spec.md §5's
// ordering guarantee that bulk and the post-snapshot stream partition
// history exactly.
func New(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		subscribers: make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock overrides the time source, for deterministic heartbeat tests.
func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithMetrics attaches Prometheus counters/gauges to the Hub's subscriber
// lifecycle and frame delivery. Optional.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	queue  chan Frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	ready    bool
	buffered []Frame
}

func (s *subscriber) enqueue(f Frame) bool {
	select {
	case s.queue <- f:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func productID(a *alert.Alert) string {
	if a == nil {
		return ""
	}
	return a.ProductID
}

func (h *Hub) removeSubscriber(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	count := len(h.subscribers)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(float64(count))
	}
}

// send enqueues f for delivery, recording the outcome in metrics. Returns
// false when the subscriber's queue was full and the caller should treat
// the connection as a slow consumer.
func (h *Hub) send(sub *subscriber, f Frame) bool {
	ok := sub.enqueue(f)
	if h.metrics != nil {
		if ok {
			h.metrics.HubFramesSent.WithLabelValues(string(f.Type)).Inc()
		} else {
			h.metrics.HubSlowConsumers.Inc()
		}
	}
	return ok
}

// deliver is the store-subscription callback's path for a live event. The
// subscription goes live the moment SnapshotAndSubscribe registers it,
// which happens before ServeWS has enqueued connection_ack/bulk, so any
// event that races that window is buffered under sub.mu instead of being
// sent straight to the queue. openHandshake flushes the buffer once bulk
// is out, preserving the "bulk first, then only strictly-later events"
// ordering regardless of how the Store's writer goroutine interleaves.
func (h *Hub) deliver(sub *subscriber, f Frame) bool {
	sub.mu.Lock()
	if !sub.ready {
		sub.buffered = append(sub.buffered, f)
		sub.mu.Unlock()
		return true
	}
	sub.mu.Unlock()
	return h.send(sub, f)
}

// openHandshake enqueues ack and bulk, then flushes whatever deliver
// buffered in the meantime, all while holding sub.mu so a concurrent
// deliver call blocks until the flush finishes rather than slipping a
// frame in between bulk and the buffered backlog.
func (h *Hub) openHandshake(sub *subscriber, ack, bulk Frame) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	buffered := sub.buffered
	sub.buffered = nil
	sub.ready = true

	ok := h.send(sub, ack)
	ok = h.send(sub, bulk) && ok
	for _, f := range buffered {
		ok = h.send(sub, f) && ok
	}
	return ok
}

// ServeWS upgrades the HTTP connection and runs the subscriber's
// read/write loops until disconnect, per spec.md §4.5's connect sequence:
// connection_ack, then bulk, then the live stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, s *store.Store) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		queue:  make(chan Frame, subscriberQueueSize),
		closed: make(chan struct{}),
	}

	snapshot, storeSub := s.SnapshotAndSubscribe(func(ev store.Event) {
		var f Frame
		switch ev.Kind {
		case store.EventAdded:
			f = Frame{Type: FrameNew, Data: ev.Alert, Timestamp: h.clock.Now()}
		case store.EventUpdated:
			f = Frame{Type: FrameUpdate, Data: ev.Alert, Timestamp: h.clock.Now()}
		case store.EventRemoved:
			f = Frame{Type: FrameRemove, Data: map[string]string{"product_id": productID(ev.Alert)}, Timestamp: h.clock.Now()}
		}
		if !h.deliver(sub, f) {
			h.logger.Info("disconnecting slow consumer", "subscriber_id", sub.id)
			go sub.close()
		}
	})
	defer storeSub.Cancel()

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	count := len(h.subscribers)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(float64(count))
	}
	defer h.removeSubscriber(sub.id)

	if !h.openHandshake(sub,
		Frame{Type: FrameConnectionAck, Data: map[string]string{"subscriber_id": sub.id}, Timestamp: h.clock.Now()},
		Frame{Type: FrameBulk, Data: snapshot, Timestamp: h.clock.Now()},
	) {
		h.logger.Info("disconnecting slow consumer", "subscriber_id", sub.id)
		sub.close()
	}

	go h.readLoop(sub)
	h.writeLoop(sub)
}

func (h *Hub) readLoop(sub *subscriber) {
	sub.conn.SetReadDeadline(h.clock.Now().Add(readIdleTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(h.clock.Now().Add(readIdleTimeout))
		return nil
	})

	for {
		_, msg, err := sub.conn.ReadMessage()
		if err != nil {
			sub.close()
			return
		}
		sub.conn.SetReadDeadline(h.clock.Now().Add(readIdleTimeout))

		var inbound struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &inbound); err != nil {
			continue
		}
		switch inbound.Type {
		case "ping":
			h.send(sub, Frame{Type: FramePong, Timestamp: h.clock.Now()})
		case "chaser_position_update":
			// Passes through to a side channel outside this repository's
			// scope; nothing to do here but accept it without error.
		case "subscribe":
			h.send(sub, Frame{Type: FrameError, Data: "unsupported", Timestamp: h.clock.Now()})
		default:
			h.send(sub, Frame{Type: FrameError, Data: "unsupported", Timestamp: h.clock.Now()})
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	heartbeat := h.clock.NewTicker(readIdleTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-sub.closed:
			return
		case f, ok := <-sub.queue:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(h.clock.Now().Add(10 * time.Second))
			if err := sub.conn.WriteJSON(f); err != nil {
				sub.close()
				return
			}
		case <-heartbeat.Chan():
			sub.conn.SetWriteDeadline(h.clock.Now().Add(pongGrace))
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, h.clock.Now().Add(pongGrace)); err != nil {
				sub.close()
				return
			}
			// Collapse the read deadline to the pong grace window: if the
			// pong handler doesn't push it back out before this fires,
			// ReadMessage in readLoop errors out and closes the connection.
			// Gives the post-ping wait its own deadline instead of riding
			// the longer idle timeout.
			sub.conn.SetReadDeadline(h.clock.Now().Add(pongGrace))
		}
	}
}

// Shutdown sends a shutting_down status to every subscriber and closes
// their connections, per spec.md §5's cascading shutdown contract.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.send(sub, Frame{Type: FrameSystemStatus, Data: "shutting_down", Timestamp: h.clock.Now()})
		time.AfterFunc(5*time.Second, sub.close)
	}
}

// SubscriberCount reports the number of currently connected subscribers,
// for the /health and metrics surfaces.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
