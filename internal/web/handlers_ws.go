package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mihome-go/internal/device"

	"nhooyr.io/websocket"
)

const (
	// wsReadLimit bounds a single incoming WebSocket message.
	wsReadLimit = 4096

	wsSendBuffer   = 64
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
)

// frameSnapshot opens every /ws stream with the full appliance list.
const frameSnapshot = "snapshot"

// wsFrame is one message of the /ws stream. A snapshot frame lists every
// appliance and carries the sequence number of the last event it includes.
// Event frames carry the appliance as it stands after the change, except
// for device_removed. A gap in Seq means the client missed events and should
// reconnect for a fresh snapshot.
type wsFrame struct {
	Type    string       `json:"type"`
	Seq     uint64       `json:"seq"`
	At      time.Time    `json:"at"`
	Device  string       `json:"device,omitempty"`
	Action  string       `json:"action,omitempty"`
	State   *deviceView  `json:"state,omitempty"`
	Devices []deviceView `json:"devices,omitempty"`
}

// eventFrame builds the frame for an appliance event.
func (s *Server) eventFrame(ev device.Event) wsFrame {
	f := wsFrame{Type: string(ev.Type), Seq: ev.Seq, At: ev.At, Device: ev.Device, Action: ev.Action}
	if ev.Type == device.EventDeviceRemoved {
		return f
	}
	if rec, ok := s.devices.Lookup(ev.Device); ok {
		v := newDeviceView(rec)
		f.State = &v
	}
	return f
}

// snapshotFrame lists every appliance. The sequence number is read before
// the list, so an event the client misses while connecting shows up as a
// gap rather than being silently covered.
func (s *Server) snapshotFrame() wsFrame {
	f := wsFrame{Type: frameSnapshot, At: time.Now()}
	if s.events != nil {
		f.Seq = s.events.Seq()
	}
	records := s.devices.List()
	f.Devices = make([]deviceView, 0, len(records))
	for _, rec := range records {
		f.Devices = append(f.Devices, newDeviceView(rec))
	}
	return f
}

// WSHub fans frames out to the connected /ws clients. A client that cannot
// keep up is disconnected.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	frames     chan wsFrame

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a hub; Run must be started for it to deliver frames.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		frames:     make(chan wsFrame, wsQueueSize),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.dropLocked(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", n)
		case f := <-h.frames:
			h.fanout(f)
		}
	}
}

func (h *WSHub) fanout(f wsFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("ws marshal", "type", f.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			h.logger.Warn("ws client evicted, too slow", "seq", f.Seq)
		}
	}
}

func (h *WSHub) dropLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Stop shuts the hub down and closes every client. Safe to call twice.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues a frame without blocking. A dropped frame leaves a gap
// in the sequence that clients can see.
func (h *WSHub) Broadcast(f wsFrame) {
	select {
	case h.frames <- f:
	default:
		h.logger.Warn("ws queue full, dropping frame", "type", f.Type, "seq", f.Seq)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// acceptWS upgrades the request. Without configured origins nhooyr applies
// its same-origin check.
func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// handleWS streams appliance changes: one snapshot frame, then a frame per
// event. Anything the client sends is ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.acceptWS(w, r)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	snapshot, err := json.Marshal(s.snapshotFrame())
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	c.send <- snapshot

	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWrite(c)
	s.wsRead(c)
}

// wsWrite drains the client's queue until the hub closes it.
func (s *Server) wsWrite(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsRead discards client messages until the connection drops or the hub
// stops, then unregisters the client.
func (s *Server) wsRead(c *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			break
		}
	}

	select {
	case s.wsHub.unregister <- c:
	case <-s.wsHub.done:
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
