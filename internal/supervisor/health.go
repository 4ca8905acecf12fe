package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/dronecam/internal/status"
)

// Websocket timing and buffering.
const (
	WebSocketPingInterval  = 54 * time.Second
	WebSocketReadDeadline  = 60 * time.Second
	WebSocketWriteDeadline = 10 * time.Second
	WebSocketReadLimit     = 512
	ClientBufferSize       = 16

	hubBufferSize = 64
)

// Health is the liveness answer of GET /health.
type Health struct {
	Status        string `json:"status"` // "healthy", "degraded", "stopped"
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersUp     int    `json:"workers_up"`
	WorkersTotal  int    `json:"workers_total"`
}

// HealthOf summarizes a snapshot.
func HealthOf(snap Snapshot) Health {
	h := Health{
		Status:        "healthy",
		State:         snap.State,
		UptimeSeconds: snap.UptimeSeconds,
		WorkersTotal:  len(snap.Processes),
	}
	for _, p := range snap.Processes {
		if p.Alive {
			h.WorkersUp++
		}
	}
	switch {
	case snap.State == StateStopped.String() || snap.State == StateStopping.String():
		h.Status = "stopped"
	case h.WorkersUp < h.WorkersTotal:
		h.Status = "degraded"
	}
	return h
}

// HealthServer exposes the supervisor over HTTP.
type HealthServer struct {
	sup    *Supervisor
	addr   string
	router *gin.Engine
	hub    *hub

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewHealthServer builds the HTTP surface for sup on addr (":8080").
func NewHealthServer(sup *Supervisor, addr string) *HealthServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := &HealthServer{sup: sup, addr: addr, router: r, hub: newHub()}

	r.GET("/health", h.handleHealth)
	r.GET("/status", h.handleStatus)
	r.GET("/status/ws", h.handleWebSocket)
	return h
}

// Handler returns the HTTP handler.
func (h *HealthServer) Handler() http.Handler { return h.router }

// Start subscribes to the status bus and starts serving.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	if err := h.hub.attach(h.sup.Bus()); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{Handler: h.router, ReadHeaderTimeout: 5 * time.Second}
	h.mu.Lock()
	h.srv = srv
	h.ln = ln
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "error", err)
		}
	}()
	slog.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return h.addr
	}
	return h.ln.Addr().String()
}

// Shutdown stops the server and disconnects websocket clients.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	h.hub.detach(h.sup.Bus())

	h.mu.Lock()
	srv := h.srv
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealth(c *gin.Context) {
	health := HealthOf(h.sup.Snapshot())
	code := http.StatusOK
	if health.Status == "stopped" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

func (h *HealthServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *HealthServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, ClientBufferSize)}
	h.hub.add(cl)
	slog.Debug("status client connected", "client", cl.id, "remote", c.Request.RemoteAddr)

	go cl.writePump()
	go cl.readPump(h.hub)
}

// hub fans bus messages out to websocket clients.
type hub struct {
	id string
	in chan status.Message

	mu       sync.Mutex
	clients  map[string]*wsClient
	attached bool
	stop     chan struct{}
}

func newHub() *hub {
	return &hub{
		id:      "ws-" + uuid.NewString(),
		in:      make(chan status.Message, hubBufferSize),
		clients: make(map[string]*wsClient),
		stop:    make(chan struct{}),
	}
}

func (hb *hub) attach(bus *status.Bus) error {
	if err := bus.Subscribe(hb.id, hb.in); err != nil {
		return fmt.Errorf("failed to subscribe status hub: %w", err)
	}
	hb.mu.Lock()
	hb.attached = true
	hb.mu.Unlock()
	go hb.loop()
	return nil
}

func (hb *hub) detach(bus *status.Bus) {
	hb.mu.Lock()
	if !hb.attached {
		hb.mu.Unlock()
		return
	}
	hb.attached = false
	clients := hb.clients
	hb.clients = make(map[string]*wsClient)
	hb.mu.Unlock()

	_ = bus.Unsubscribe(hb.id)
	close(hb.stop)
	for _, cl := range clients {
		cl.close()
	}
}

func (hb *hub) loop() {
	for {
		select {
		case <-hb.stop:
			return
		case msg := <-hb.in:
			payload, err := json.Marshal(msg)
			if err != nil {
				slog.Debug("failed to encode status message", "error", err)
				continue
			}
			hb.broadcast(payload)
		}
	}
}

func (hb *hub) broadcast(payload []byte) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	for _, cl := range hb.clients {
		select {
		case cl.send <- payload:
		default:
			cl.dropped++
		}
	}
}

func (hb *hub) add(cl *wsClient) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.clients[cl.id] = cl
}

func (hb *hub) remove(cl *wsClient) {
	hb.mu.Lock()
	_, ok := hb.clients[cl.id]
	delete(hb.clients, cl.id)
	hb.mu.Unlock()
	if ok {
		cl.close()
	}
}

func (hb *hub) count() int {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return len(hb.clients)
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	// guarded by hub.mu
	dropped uint64

	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *wsClient) readPump(hb *hub) {
	defer func() {
		hb.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(WebSocketReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("status client read failed", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("status client write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
