// Package hub fans out event payloads to subscribers of the alarms and
// commands channels. Transport is decoupled: the hub deals in marshalled
// JSON frames; websocket.go attaches gorilla connections.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/gridpoint/plantgateway/internal/monitoring"
)

// Channel names.
const (
	ChannelAlarms   = "alarms"
	ChannelCommands = "commands"
)

const sendBuffer = 256

// Subscriber is one attached consumer. Frames arrive on C; a closed C means
// the subscriber was evicted or the hub shut down.
type Subscriber struct {
	ID      string
	Channel string
	C       chan []byte

	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.C) })
}

// Hub is the process-wide broadcaster. Publishers never block: a subscriber
// whose buffer is full is evicted on the spot.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscriber // channel -> id -> sub
	closed  bool
	metrics *monitoring.Metrics
	logger  *log.Logger
}

// New builds a hub. metrics may be nil.
func New(metrics *monitoring.Metrics) *Hub {
	return &Hub{
		subs:    map[string]map[string]*Subscriber{},
		metrics: metrics,
		logger:  log.New(log.Writer(), "[HUB] ", log.LstdFlags),
	}
}

// Subscribe registers a consumer on a channel. Any initial frames are queued
// on the subscriber's channel before it can receive live broadcasts, so a
// connect-time snapshot always precedes live payloads.
func (h *Hub) Subscribe(channel string, initial ...[]byte) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Channel: channel,
		C:       make(chan []byte, sendBuffer),
	}
	for _, frame := range initial {
		select {
		case sub.C <- frame:
		default:
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	if h.subs[channel] == nil {
		h.subs[channel] = map[string]*Subscriber{}
	}
	h.subs[channel][sub.ID] = sub
	h.gaugeLocked(channel)
	h.logger.Printf("subscriber %s joined %s (%d total)", sub.ID[:8], channel, len(h.subs[channel]))
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if m := h.subs[sub.Channel]; m != nil {
		delete(m, sub.ID)
	}
	h.gaugeLocked(sub.Channel)
	h.mu.Unlock()
	sub.close()
}

// Broadcast marshals the payload once and dispatches it to every live
// subscriber of the channel. Slow consumers are evicted, never waited on.
func (h *Hub) Broadcast(channel string, payload interface{}) {
	frame, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("marshal failed on %s: %v", channel, err)
		return
	}

	var evicted []*Subscriber
	h.mu.RLock()
	for _, sub := range h.subs[channel] {
		select {
		case sub.C <- frame:
		default:
			evicted = append(evicted, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evicted {
		h.logger.Printf("evicting slow subscriber %s from %s", sub.ID[:8], channel)
		h.Unsubscribe(sub)
	}
}

// SubscriberCount reports the live subscriber count of a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close evicts every subscriber and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for channel, m := range h.subs {
		for _, sub := range m {
			sub.close()
		}
		h.subs[channel] = map[string]*Subscriber{}
		h.gaugeLocked(channel)
	}
}

func (h *Hub) gaugeLocked(channel string) {
	if h.metrics != nil {
		h.metrics.Subscribers.WithLabelValues(channel).Set(float64(len(h.subs[channel])))
	}
}
