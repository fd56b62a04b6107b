package conn

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/metricsx"
)

// Close codes for the control connection.
const (
	CloseMissingKey = 4001 // no identity key supplied
	CloseReplaced   = 4002 // a newer connection took over the identity
	CloseInvalidKey = 4003 // key rejected
)

// KeyValidator maps a presented proxy key to an identity, or reports it
// invalid.
type KeyValidator interface {
	Validate(ctx context.Context, key string) (string, bool)
}

// StaticKey accepts a single configured key.
type StaticKey struct {
	Key      string
	Identity string
}

func (s StaticKey) Validate(_ context.Context, key string) (string, bool) {
	if s.Key == "" || key != s.Key {
		return "", false
	}
	return s.Identity, true
}

// Hub enforces one live connection per identity. A new connection for
// an identity already online replaces the old one, which is closed with
// CloseReplaced.
type Hub struct {
	log       logx.Logger
	validator KeyValidator
	upgrader  websocket.Upgrader
	newConn   func(ws *websocket.Conn, identity string) *Conn

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(log logx.Logger, validator KeyValidator, newConn func(ws *websocket.Conn, identity string) *Conn) *Hub {
	return &Hub{
		log:       log,
		validator: validator,
		newConn:   newConn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The backend authenticates by key, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades and authenticates a control connection. Order
// matters: upgrade first so the close code reaches the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}

	key := extractKey(r)
	if key == "" {
		closeWith(ws, CloseMissingKey, "missing key")
		return
	}
	identity, ok := h.validator.Validate(r.Context(), key)
	if !ok {
		h.log.Warn(r.Context(), "ws_key_rejected", "connection key rejected",
			slog.String("remote", r.RemoteAddr),
		)
		closeWith(ws, CloseInvalidKey, "invalid key")
		return
	}

	conn := h.newConn(ws, identity)
	h.register(identity, conn)
	h.log.Info(r.Context(), "ws_connected", "control connection established",
		slog.String("identity", identity),
		slog.String("remote", r.RemoteAddr),
	)
	conn.start()
}

// register swaps the identity's connection atomically. The displaced
// connection is closed outside the lock.
func (h *Hub) register(identity string, conn *Conn) {
	h.mu.Lock()
	old := h.conns[identity]
	h.conns[identity] = conn
	count := len(h.conns)
	h.mu.Unlock()

	metricsx.SetWSConnections(count)
	if old != nil {
		metricsx.IncWSConnectionReplaced()
		old.closeWith(CloseReplaced, "replaced by newer connection")
	}
}

// unregister removes the connection only if it is still the current one
// for its identity, so a replaced connection cannot evict its
// replacement.
func (h *Hub) unregister(identity string, conn *Conn) {
	h.mu.Lock()
	if h.conns[identity] == conn {
		delete(h.conns, identity)
	}
	count := len(h.conns)
	h.mu.Unlock()
	metricsx.SetWSConnections(count)
}

// Get returns the live connection for an identity.
func (h *Hub) Get(identity string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[identity]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Token ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Token "))
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
