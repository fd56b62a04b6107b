package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/metricsx"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

var ErrConnClosed = errors.New("connection closed")

// Config wires one control connection.
type Config struct {
	Log               logx.Logger
	Router            *Router
	Hub               *Hub
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	// Heartbeat builds the current heartbeat envelope on each tick.
	Heartbeat func() events.Envelope
}

// Conn is one authenticated control connection. Reads route inbound
// events; a write pump serializes outbound frames and heartbeats.
type Conn struct {
	cfg      Config
	ws       *websocket.Conn
	identity string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(cfg Config, ws *websocket.Conn, identity string) *Conn {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = 3
	}
	return &Conn{
		cfg:      cfg,
		ws:       ws,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Conn) Identity() string {
	return c.identity
}

// start runs the write pump and blocks on the read loop until the
// connection dies.
func (c *Conn) start() {
	go c.writePump()
	c.readLoop()
}

// Emit queues an outbound event. A full queue drops the frame rather
// than blocking dispatch workers on a slow peer.
func (c *Conn) Emit(_ context.Context, ev events.Envelope) error {
	raw, err := events.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- raw:
		metricsx.IncEventOutbound(ev.EventType)
		return nil
	default:
		return errors.New("send queue full")
	}
}

func (c *Conn) readLoop() {
	defer c.teardown()

	deadline := time.Duration(c.cfg.HeartbeatMisses) * c.cfg.HeartbeatInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseReplaced) {
				c.cfg.Log.Warn(context.Background(), "ws_read_failed", "control connection read error",
					slog.String("identity", c.identity),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		c.cfg.Router.Route(context.Background(), raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if c.cfg.Heartbeat == nil {
				continue
			}
			raw, err := events.Encode(c.cfg.Heartbeat())
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "heartbeat write failed")
				return
			}
			metricsx.IncEventOutbound(events.TypeHeartbeat)
		}
	}
}

func (c *Conn) teardown() {
	c.closeWith(websocket.CloseNormalClosure, "")
	if c.cfg.Hub != nil {
		c.cfg.Hub.unregister(c.identity, c)
	}
}

func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(2 * time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}
