package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/timerwire"
)

// retryInterval is the fixed delay between reconnection attempts. The
// channel is a latency optimization, not a dependency, so there is no
// point in backing off further: local ticking continues either way.
const retryInterval = 3 * time.Second

// readWait is how long the client waits for a ping from the hub before
// treating the connection as dead
const readWait = 90 * time.Second

// ClientConfig configures a bus client
type ClientConfig struct {
	ServerURL string // ws:// endpoint of the hub
	UserID    string
}

// Validate checks the config is valid
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// Client maintains one live subscription to the hub. A fresh
// subscription never receives events missed while disconnected; views
// relying on this stream must reconcile against the ledger on each
// (re)connect.
type Client struct {
	config ClientConfig
	log    zerolog.Logger

	conn *websocket.Conn
	mu   sync.Mutex

	events  chan timerwire.TimerEvent
	onState func(connected bool)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a bus client
func NewClient(config ClientConfig, log zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		log:    log,
		events: make(chan timerwire.TimerEvent, 64),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Events is the stream of received timer events
func (c *Client) Events() <-chan timerwire.TimerEvent {
	return c.events
}

// OnStateChange registers a connectivity callback, used purely for a
// live/disconnected indicator. Must be set before RunWithReconnect.
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.onState = fn
}

// Connect dials the hub and sends the attach message
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	data, err := timerwire.MarshalEnvelope(timerwire.TypeAttach, timerwire.AttachMessage{
		UserID: c.config.UserID,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Publish emits an event on the live channel. Best-effort by contract:
// when disconnected the event is silently dropped and local state keeps
// going; nothing downstream may depend on it arriving.
func (c *Client) Publish(ev timerwire.TimerEvent) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.log.Debug().Str("type", ev.Type).Msg("channel down, event dropped")
		return
	}

	data, err := timerwire.MarshalEnvelope(ev.Type, ev)
	if err != nil {
		c.log.Warn().Err(err).Msg("event marshal failed")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug().Err(err).Msg("event write failed")
	}
}

// run reads events until the connection breaks
func (c *Client) run() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("not connected")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		env, err := timerwire.UnmarshalEnvelope(message)
		if err != nil {
			c.log.Warn().Err(err).Msg("invalid message")
			continue
		}
		if !timerwire.IsTimerEvent(env.Type) {
			continue
		}

		var ev timerwire.TimerEvent
		if err := timerwire.DecodePayload(env, &ev); err != nil {
			c.log.Warn().Err(err).Str("type", env.Type).Msg("invalid event payload")
			continue
		}

		select {
		case c.events <- ev:
		default:
			// Lossy by contract; consumers self-heal via polls and
			// reconciliation.
		}
	}
}

// RunWithReconnect keeps the subscription alive until Stop or context
// cancellation, retrying on a fixed interval. The timer UI is never
// blocked on this loop.
func (c *Client) RunWithReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			c.log.Debug().Err(err).Dur("retry_in", retryInterval).Msg("connect failed")
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-time.After(retryInterval):
				continue
			}
		}

		c.setState(true)
		c.log.Info().Msg("live channel connected")

		err := c.run()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.setState(false)

		if err != nil {
			c.log.Debug().Err(err).Msg("live channel disconnected")
		}
	}
}

// Stop tears down the subscription. Always called on view teardown so
// connections never leak.
func (c *Client) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) setState(connected bool) {
	if c.onState != nil {
		c.onState(connected)
	}
}
