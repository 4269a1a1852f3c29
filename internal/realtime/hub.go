// Package realtime is the websocket transport: it holds client connections,
// feeds the presence tracker, and pushes notification and unread-count
// events to connected recipients.
//
// Import Path: herald.io/herald/internal/realtime
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/pkg/worker"
	"herald.io/herald/internal/presence"
)

// Event names pushed to clients.
const (
	EventNotification = "notification"
	EventUnreadCount  = "unread_count"
)

var (
	// ErrNoConnection is returned when the recipient has no live socket here.
	ErrNoConnection = errors.New("recipient has no live connection")
	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("realtime hub closed")
)

// Submitter runs the per-socket writer. *worker.Pools satisfies it.
type Submitter interface {
	SubmitDetached(poolName string, task worker.Task) error
}

// Event is the envelope written to the socket.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// HubConfig tunes socket keepalive.
type HubConfig struct {
	PingInterval time.Duration
	// PongWait is how long a socket may stay silent before it is dropped.
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// DefaultHubConfig returns keepalive settings matched to a 90s presence TTL.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval: 30 * time.Second,
		PongWait:     90 * time.Second,
		WriteWait:    10 * time.Second,
		SendBuffer:   16,
	}
}

type frame struct {
	payload []byte
	ack     chan error
}

type client struct {
	id          string
	recipientID string
	conn        *websocket.Conn
	send        chan frame
	done        chan struct{}
	closeOnce   sync.Once
}

// Hub tracks every socket held by this process.
type Hub struct {
	cfg      HubConfig
	tracker  *presence.Tracker
	pools    Submitter
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // recipient id -> sockets
	closed  bool
}

// NewHub creates a hub that reports connects and heartbeats to tracker.
// Socket writers run on the sessions pool of pools; a saturated pool turns
// new connections away.
func NewHub(tracker *presence.Tracker, pools Submitter, cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	h := &Hub{
		cfg:     cfg,
		tracker: tracker,
		pools:   pools,
		log:     logger.Named("realtime"),
		clients: make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeWS upgrades the request and serves the socket until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, recipientID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	c := &client{
		id:          uuid.NewString(),
		recipientID: recipientID,
		conn:        conn,
		send:        make(chan frame, h.cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	if err := h.register(c); err != nil {
		_ = conn.Close()
		return err
	}

	err = h.pools.SubmitDetached(worker.PoolSessions, func(ctx context.Context) {
		h.writeLoop(ctx, c)
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"),
			time.Now().Add(h.cfg.WriteWait))
		h.unregister(c)
		return fmt.Errorf("start socket writer: %w", err)
	}
	h.readLoop(c)
	return nil
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	set, ok := h.clients[c.recipientID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.recipientID] = set
	}
	set[c] = struct{}{}
	h.tracker.OnConnect(c.recipientID, c.id)
	h.log.Debug("Socket connected",
		zap.String("recipient_id", c.recipientID),
		zap.String("connection_id", c.id),
		zap.Int("recipient_sockets", len(set)),
	)
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.recipientID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.recipientID)
		}
	}
	h.mu.Unlock()

	h.tracker.OnDisconnect(c.id)
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		h.tracker.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		// Client frames carry nothing we act on; any frame is a heartbeat.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("Socket read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		h.tracker.Touch(c.id)
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(h.cfg.WriteWait))
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			err := c.conn.WriteMessage(websocket.TextMessage, f.payload)
			f.ack <- err
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// Publish writes ev to every socket of recipientID and returns how many
// writes completed before ctx was done. It returns ErrNoConnection when the
// recipient has no socket on this process.
func (h *Hub) Publish(ctx context.Context, recipientID string, ev Event) (int, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode %s event: %w", ev.Event, err)
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0, ErrHubClosed
	}
	targets := make([]*client, 0, len(h.clients[recipientID]))
	for c := range h.clients[recipientID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0, ErrNoConnection
	}

	type pending struct {
		c   *client
		ack chan error
	}
	waits := make([]pending, 0, len(targets))
	for _, c := range targets {
		f := frame{payload: payload, ack: make(chan error, 1)}
		select {
		case c.send <- f:
			waits = append(waits, pending{c: c, ack: f.ack})
		case <-c.done:
		default:
			// A full buffer means the client stopped reading.
			h.log.Warn("Dropping slow socket", zap.String("connection_id", c.id))
			h.unregister(c)
		}
	}

	delivered := 0
	var lastErr error
	for _, w := range waits {
		select {
		case err := <-w.ack:
			if err != nil {
				lastErr = err
				continue
			}
			delivered++
		case <-w.c.done:
		case <-ctx.Done():
			if delivered > 0 {
				return delivered, nil
			}
			return 0, fmt.Errorf("publish %s event: %w", ev.Event, ctx.Err())
		}
	}
	if delivered == 0 {
		if lastErr == nil {
			lastErr = ErrNoConnection
		}
		return 0, fmt.Errorf("publish %s event: %w", ev.Event, lastErr)
	}
	return delivered, nil
}

// PublishUnreadCount pushes the recipient's badge count. A recipient without
// a socket is not an error.
func (h *Hub) PublishUnreadCount(ctx context.Context, recipientID string, count int64) error {
	_, err := h.Publish(ctx, recipientID, Event{Event: EventUnreadCount, Data: map[string]int64{"count": count}})
	if errors.Is(err, ErrNoConnection) {
		return nil
	}
	return err
}

// Connections returns the number of sockets held for recipientID.
func (h *Hub) Connections(recipientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipientID])
}

// Close drops every socket and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		h.unregister(c)
	}
}
