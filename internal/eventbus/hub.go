// Package eventbus carries transient timer notifications between clients
// over WebSocket connections. Delivery is at-most-once and best-effort:
// no queueing, no retry, no ordering guarantee. Nothing here may be used
// to reconstruct ledger state; the reconciler is the correctness
// backstop for consumers that miss events.
package eventbus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/timerwire"
)

const (
	// pongWait is how long the hub waits for any traffic from a
	// subscriber before dropping the connection
	pongWait = 90 * time.Second

	// pingInterval must be shorter than pongWait
	pingInterval = 30 * time.Second

	// writeWait is time allowed to write a single message
	writeWait = 10 * time.Second

	// subscriberBuffer is the per-subscriber send queue; a subscriber
	// that falls this far behind is dropped, not waited for
	subscriberBuffer = 32
)

// RoleFunc resolves a subscriber's role for audience scoping.
type RoleFunc func(userID string) (domain.Role, bool)

// History receives an audit copy of every published event. Inserts are
// best-effort; failures never propagate to the publisher.
type History interface {
	InsertEvent(ev timerwire.TimerEvent) error
}

type subscriber struct {
	userID string
	role   domain.Role
	conn   *websocket.Conn
	ch     chan timerwire.TimerEvent
}

// Hub fans published events out to connected subscribers: the acting
// user's own sessions plus every supervisor subscriber.
type Hub struct {
	roles    RoleFunc
	history  History
	log      zerolog.Logger
	upgrader websocket.Upgrader

	subscribers map[*subscriber]bool
	register    chan *subscriber
	unregister  chan *subscriber
	broadcast   chan timerwire.TimerEvent
	done        chan struct{} // closed when Run exits
}

// NewHub creates a hub. history may be nil to disable the audit copy.
func NewHub(roles RoleFunc, history History, log zerolog.Logger) *Hub {
	return &Hub{
		roles:   roles,
		history: history,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan timerwire.TimerEvent, 64),
		done:        make(chan struct{}),
	}
}

// Run owns the subscriber table until the context ends
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				close(sub.ch)
				delete(h.subscribers, sub)
			}
			return

		case sub := <-h.register:
			h.subscribers[sub] = true
			h.log.Debug().Str("user", sub.userID).Str("role", string(sub.role)).Msg("subscriber attached")

		case sub := <-h.unregister:
			if h.subscribers[sub] {
				delete(h.subscribers, sub)
				close(sub.ch)
			}

		case ev := <-h.broadcast:
			if h.history != nil {
				if err := h.history.InsertEvent(ev); err != nil {
					h.log.Warn().Err(err).Str("type", ev.Type).Msg("event history insert failed")
				}
			}

			for sub := range h.subscribers {
				if !h.audience(sub, ev) {
					continue
				}
				select {
				case sub.ch <- ev:
				default:
					// Subscriber can't keep up; drop it rather than
					// block the fan-out.
					delete(h.subscribers, sub)
					close(sub.ch)
					h.log.Warn().Str("user", sub.userID).Msg("slow subscriber dropped")
				}
			}
		}
	}
}

// audience scopes delivery: the acting user's other sessions and all
// supervisor subscribers.
func (h *Hub) audience(sub *subscriber, ev timerwire.TimerEvent) bool {
	return sub.userID == ev.UserID || sub.role == domain.RoleSupervisor
}

// Publish fires an event at the hub. Fire-and-forget: the caller is
// never blocked on subscriber delivery and never sees a delivery error.
// When the hub's intake is saturated the event is dropped.
func (h *Hub) Publish(ev timerwire.TimerEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn().Str("type", ev.Type).Msg("event bus saturated, event dropped")
	}
}

// HandleWS upgrades an HTTP request to a subscriber connection. The
// first message must be an attach envelope naming the user; everything
// the client sends afterwards is treated as an event emission and
// republished to the relevant audience.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	go h.handleConnection(conn)
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub, err := h.attach(conn)
	if err != nil {
		h.log.Warn().Err(err).Msg("attach failed")
		return
	}

	select {
	case h.register <- sub:
	case <-h.done:
		return
	}
	defer h.detach(sub)

	go sub.writeLoop(h.log)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("user", sub.userID).Msg("subscriber read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := timerwire.UnmarshalEnvelope(message)
		if err != nil {
			h.log.Warn().Err(err).Msg("invalid message")
			continue
		}
		if !timerwire.IsTimerEvent(env.Type) {
			continue
		}

		var ev timerwire.TimerEvent
		if err := timerwire.DecodePayload(env, &ev); err != nil {
			h.log.Warn().Err(err).Str("type", env.Type).Msg("invalid event payload")
			continue
		}
		// Client-emitted events (the per-second updates) rejoin the
		// fan-out under the sender's identity.
		ev.UserID = sub.userID
		h.Publish(ev)
	}
}

// detach hands the subscriber back to the hub loop. Once the loop has
// exited, connection goroutines must not block on it.
func (h *Hub) detach(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// attach reads the identifying first message
func (h *Hub) attach(conn *websocket.Conn) (*subscriber, error) {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))

	env, err := timerwire.UnmarshalEnvelope(message)
	if err != nil {
		return nil, err
	}
	if env.Type != timerwire.TypeAttach {
		return nil, fmt.Errorf("expected attach message, got %q", env.Type)
	}

	var attach timerwire.AttachMessage
	if err := timerwire.DecodePayload(env, &attach); err != nil {
		return nil, err
	}
	if attach.UserID == "" {
		return nil, fmt.Errorf("attach without user id")
	}

	role, ok := h.roles(attach.UserID)
	if !ok {
		role = domain.RoleCollaborator
	}

	return &subscriber{
		userID: attach.UserID,
		role:   role,
		conn:   conn,
		ch:     make(chan timerwire.TimerEvent, subscriberBuffer),
	}, nil
}

func (s *subscriber) writeLoop(log zerolog.Logger) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer s.conn.Close()

	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			data, err := timerwire.MarshalEnvelope(ev.Type, ev)
			if err != nil {
				log.Warn().Err(err).Msg("event marshal failed")
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
