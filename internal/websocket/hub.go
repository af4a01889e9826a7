// Package websocket fans events out to authenticated operator clients.
// Clients join rooms (role rooms, per-device rooms, the alerts room) and
// receive JSON envelopes; a slow client is disconnected rather than allowed
// to stall the hub.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/metrics"
	"github.com/dwestall/aquawatch/internal/models"
)

// Event names pushed to clients.
const (
	EventConnectionStatus = "connection:status"
	EventSensorData       = "sensor:data"
	EventDeviceStatus     = "device:status"
	EventDeviceHeartbeat  = "device:heartbeat"
	EventAlertNew         = "alert:new"
	EventAlertResolved    = "alert:resolved"
	EventSystemHealth     = "system:health"
	EventAnalyticsUpdate  = "analytics:update"
	EventError            = "error"
)

// Room names.
const (
	RoomStaff  = "role:staff"
	RoomAdmin  = "role:admin"
	RoomAlerts = "alerts:all"
)

// Error codes surfaced to clients.
const (
	CodeAuthError        = "AUTH_ERROR"
	CodeInvalidSubscribe = "INVALID_SUBSCRIBE"
	CodeSlowConsumer     = "SLOW_CONSUMER"
)

// DeviceRoom returns the room name for one device's subscribers.
func DeviceRoom(deviceID string) string { return "device:" + deviceID }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TokenVerifier validates a handshake token and returns the user ID.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserResolver resolves the authoritative user record for a verified ID.
type UserResolver interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Envelope is the wire format for every server push.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Options tunes hub behaviour.
type Options struct {
	PingInterval        time.Duration
	PingTimeout         time.Duration
	SendBufferHighWater int64 // bytes queued per client before disconnect
}

func (o *Options) withDefaults() Options {
	out := Options{
		PingInterval:        25 * time.Second,
		PingTimeout:         60 * time.Second,
		SendBufferHighWater: 256 * 1024,
	}
	if o == nil {
		return out
	}
	if o.PingInterval > 0 {
		out.PingInterval = o.PingInterval
	}
	if o.PingTimeout > 0 {
		out.PingTimeout = o.PingTimeout
	}
	if o.SendBufferHighWater > 0 {
		out.SendBufferHighWater = o.SendBufferHighWater
	}
	return out
}

// Client is one connected operator socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID string
	email  string
	role   models.Role

	queuedBytes atomic.Int64
	closeOnce   sync.Once

	// sendMu serializes enqueue against closeSend so a broadcast racing a
	// disconnect never sends on a closed channel.
	sendMu     sync.Mutex
	sendClosed bool
}

// Hub maintains active clients and their room memberships.
type Hub struct {
	verifier TokenVerifier
	users    UserResolver
	opts     Options

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	done     chan struct{}
	stopOnce sync.Once
	nowFn    func() time.Time
}

// NewHub creates a hub. Run must be started on its own goroutine.
func NewHub(verifier TokenVerifier, users UserResolver, opts *Options) *Hub {
	return &Hub{
		verifier:   verifier,
		users:      users,
		opts:       opts.withDefaults(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
		nowFn:      time.Now,
	}
}

// Run processes client registration until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.done:
			return
		}
	}
}

// Stop closes every client with a shutdown notice and ends the Run loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		for _, c := range clients {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			h.removeClient(c)
		}
		log.Info().Int("clients", len(clients)).Msg("WebSocket hub stopped")
	})
}

// HandleWebSocket upgrades the connection, authenticates the handshake
// token, and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.NewString(),
	}

	user, err := h.authenticate(r)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket authentication failed")
		h.writeDirect(conn, EventError, errorPayload{Code: CodeAuthError, Message: "authentication failed"})
		conn.Close()
		return
	}
	client.userID = user.ID
	client.email = user.Email
	client.role = user.Role

	h.register <- client

	go client.writePump()
	go client.readPump()

	client.enqueue(h.envelope(EventConnectionStatus, map[string]interface{}{
		"status": "connected",
		"userId": user.ID,
		"role":   user.Role,
	}))
}

// authenticate verifies the handshake token and loads the user record. The
// role always comes from the store, never from token claims.
func (h *Hub) authenticate(r *http.Request) (*models.User, error) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, fmt.Errorf("no token presented")
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	user, err := h.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user.Status != models.UserActive {
		return nil, fmt.Errorf("user %s is %s", userID, user.Status)
	}
	return user, nil
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.joinLocked(client, RoomStaff)
	if client.role == models.RoleAdmin {
		h.joinLocked(client, RoomAdmin)
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSClients.Set(float64(total))
	log.Info().
		Str("client", client.id).
		Str("user", client.userID).
		Str("role", string(client.role)).
		Int("total", total).
		Msg("WebSocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for room, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.closeSend()
	metrics.WSClients.Set(float64(total))
	log.Info().Str("client", client.id).Int("total", total).Msg("WebSocket client disconnected")
}

func (h *Hub) joinLocked(client *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[client] = true
}

func (h *Hub) join(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	for _, room := range rooms {
		h.joinLocked(client, room)
	}
}

func (h *Hub) leave(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of members in a room. Used by tests.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// BroadcastSensorData pushes a reading to the device room and staff.
func (h *Hub) BroadcastSensorData(deviceID string, reading *models.SensorReading) {
	h.broadcast([]string{DeviceRoom(deviceID), RoomStaff}, EventSensorData, reading)
}

// BroadcastDeviceStatus pushes a status transition.
func (h *Hub) BroadcastDeviceStatus(ev models.DeviceStatusEvent) {
	h.broadcast([]string{DeviceRoom(ev.DeviceID), RoomStaff}, EventDeviceStatus, ev)
}

// BroadcastHeartbeat pushes a liveness heartbeat.
func (h *Hub) BroadcastHeartbeat(ev models.HeartbeatEvent) {
	h.broadcast([]string{DeviceRoom(ev.DeviceID), RoomStaff}, EventDeviceHeartbeat, ev)
}

// BroadcastAlert pushes a newly created alert.
func (h *Hub) BroadcastAlert(alert *models.Alert) {
	h.broadcast([]string{RoomAlerts, DeviceRoom(alert.DeviceID), RoomStaff}, EventAlertNew, alert)
}

// BroadcastAlertResolved pushes an alert resolution.
func (h *Hub) BroadcastAlertResolved(alert *models.Alert) {
	h.broadcast([]string{RoomAlerts, DeviceRoom(alert.DeviceID), RoomStaff}, EventAlertResolved, alert)
}

// BroadcastSystemHealth pushes a health sample to staff and admins.
func (h *Hub) BroadcastSystemHealth(health models.SystemHealth) {
	h.broadcast([]string{RoomStaff, RoomAdmin}, EventSystemHealth, health)
}

// BroadcastAnalytics pushes an analytics summary to staff and admins.
func (h *Hub) BroadcastAnalytics(summary models.AnalyticsSummary) {
	h.broadcast([]string{RoomStaff, RoomAdmin}, EventAnalyticsUpdate, summary)
}

// broadcast delivers one envelope to the union of the given rooms, at most
// once per client.
func (h *Hub) broadcast(rooms []string, event string, data interface{}) {
	payload := h.envelope(event, data)
	if payload == nil {
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]bool)
	for _, room := range rooms {
		for client := range h.rooms[room] {
			targets[client] = true
		}
	}
	h.mu.RUnlock()

	for client := range targets {
		client.enqueue(payload)
	}
}

func (h *Hub) envelope(event string, data interface{}) []byte {
	payload, err := json.Marshal(Envelope{Type: event, Data: data, Timestamp: h.nowFn().UTC()})
	if err != nil {
		log.Error().Err(err).Str("type", event).Msg("Failed to marshal WebSocket envelope")
		return nil
	}
	return payload
}

func (h *Hub) writeDirect(conn *websocket.Conn, event string, data interface{}) {
	if payload := h.envelope(event, data); payload != nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.WriteMessage(websocket.TextMessage, payload)
	}
}

// enqueue queues a payload without blocking. A client whose buffer is full
// or over the byte high-water mark is a slow consumer and gets dropped.
func (c *Client) enqueue(payload []byte) {
	if payload == nil {
		return
	}
	if c.queuedBytes.Load()+int64(len(payload)) > c.hub.opts.SendBufferHighWater {
		c.dropSlowConsumer()
		return
	}
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- payload:
		c.queuedBytes.Add(int64(len(payload)))
		c.sendMu.Unlock()
		metrics.WSMessagesSent.Inc()
	default:
		c.sendMu.Unlock()
		c.dropSlowConsumer()
	}
}

func (c *Client) dropSlowConsumer() {
	metrics.WSSlowConsumers.Inc()
	log.Warn().Str("client", c.id).Str("user", c.userID).Msg("Dropping slow WebSocket consumer")
	c.closeWith(websocket.ClosePolicyViolation, CodeSlowConsumer)
	go func() { c.hub.unregister <- c }()
}

func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()
	})
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// clientMessage is the inbound wire format.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PingTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PingTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(c.hub.envelope(EventError, errorPayload{
				Code: CodeInvalidSubscribe, Message: "malformed message",
			}))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe:devices", "unsubscribe:devices":
		var ids []string
		if err := json.Unmarshal(msg.Data, &ids); err != nil || len(ids) == 0 {
			c.enqueue(c.hub.envelope(EventError, errorPayload{
				Code: CodeInvalidSubscribe, Message: "expected a non-empty device id list",
			}))
			return
		}
		rooms := make([]string, 0, len(ids))
		for _, id := range ids {
			if strings.TrimSpace(id) == "" {
				c.enqueue(c.hub.envelope(EventError, errorPayload{
					Code: CodeInvalidSubscribe, Message: "empty device id",
				}))
				return
			}
			rooms = append(rooms, DeviceRoom(id))
		}
		if msg.Type == "subscribe:devices" {
			c.hub.join(c, rooms...)
		} else {
			c.hub.leave(c, rooms...)
		}
	case "subscribe:alerts":
		c.hub.join(c, RoomAlerts)
	case "unsubscribe:alerts":
		c.hub.leave(c, RoomAlerts)
	default:
		c.enqueue(c.hub.envelope(EventError, errorPayload{
			Code: CodeInvalidSubscribe, Message: "unknown message type: " + msg.Type,
		}))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.queuedBytes.Add(-int64(len(payload)))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
