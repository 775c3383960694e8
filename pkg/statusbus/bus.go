// Package statusbus broadcasts fleet events to websocket observers
// (front-end polling / push clients), adapted directly from
// sumit7577-Figma-Forge's orchestrator Hub: a buffered broadcast channel
// fanned out to per-client send queues, dropping on a slow/full client
// rather than blocking the bus.
package statusbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventType tags the variant of an Event.
type EventType string

const (
	EventDeviceOnline     EventType = "device_online"
	EventDeviceOffline    EventType = "device_offline"
	EventJobProgress      EventType = "job_progress"
	EventAccountCompleted EventType = "account_completed"
	EventAccountBugged    EventType = "account_bugged"
)

// Event is one status update pushed to observers.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// DeviceEventPayload accompanies EventDeviceOnline/EventDeviceOffline.
type DeviceEventPayload struct {
	Serial string `json:"serial"`
	Reason string `json:"reason,omitempty"`
}

// JobProgressPayload accompanies EventJobProgress.
type JobProgressPayload struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Bugged    int `json:"bugged"`
	Remaining int `json:"remaining"`
}

// AccountEventPayload accompanies EventAccountCompleted/EventAccountBugged.
type AccountEventPayload struct {
	AccountFile string `json:"account_file"`
	DeviceID    string `json:"device_id"`
	Reason      string `json:"reason,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Bus fans Event values out to every connected websocket observer.
type Bus struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	bc      chan []byte
}

// New creates a Bus. Call Run in its own goroutine to start the fan-out
// loop, and ServeWS from an HTTP handler to accept observers.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:     log,
		clients: make(map[*client]struct{}),
		bc:      make(chan []byte, 512),
	}
}

// Run fans out broadcast events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.bc:
			b.mu.RLock()
			for c := range b.clients {
				select {
				case c.send <- msg:
				default:
					// Slow observer: drop this message rather than block the bus.
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Publish broadcasts an event of the given type and payload.
func (b *Bus) Publish(eventType EventType, payload interface{}) {
	b.broadcast(Event{Type: eventType, Timestamp: time.Now(), Payload: payload})
}

func (b *Bus) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("marshal status event")
		return
	}
	select {
	case b.bc <- data:
	default:
		b.log.Warn().Str("event_type", string(ev.Type)).Msg("status bus full, dropping event")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ServeWS upgrades an HTTP request to a websocket and registers it as an
// observer until the connection closes.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go func() {
		ping := time.NewTicker(54 * time.Second)
		defer func() {
			ping.Stop()
			conn.Close()
			b.mu.Lock()
			delete(b.clients, c)
			b.mu.Unlock()
		}()
		for {
			select {
			case msg := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports how many observers are currently connected, mostly
// useful for tests and health checks.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
