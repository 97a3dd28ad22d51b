// Package ws fans bus events out to websocket clients grouped in rooms and
// accepts barrier votes from them.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

// WildcardRoom receives every frame regardless of its room.
const WildcardRoom = "*"

// Inbound actions.
const (
	ActionJoin    = "join"
	ActionLeave   = "leave"
	ActionRespond = "respond"
)

// Reply frame types.
const (
	FrameAck   = "ack"
	FrameError = "error"
)

// ErrHubClosed is returned by Emit after Close.
var ErrHubClosed = errors.New("ws: hub closed")

// BarrierResponder receives votes cast over the socket.
type BarrierResponder interface {
	RespondToBarrier(eventID, responderID string, vote schema.BarrierVote) error
}

// Frame is the outbound envelope for every emitted event.
type Frame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Event  any    `json:"event"`
}

// Command is an inbound client frame.
type Command struct {
	Action      string             `json:"action"`
	Room        string             `json:"room,omitempty"`
	EventID     string             `json:"eventId,omitempty"`
	ResponderID string             `json:"responderId,omitempty"`
	Progression schema.Progression `json:"progression,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// Reply acknowledges or rejects a Command.
type Reply struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Room    string `json:"room,omitempty"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config tunes per-client buffering and keepalive.
type Config struct {
	SendQueue      int           `yaml:"sendQueue"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	ReadLimit      int64         `yaml:"readLimit"`
	FanoutWorkers  int           `yaml:"fanoutWorkers"`
	OriginPatterns []string      `yaml:"originPatterns"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SendQueue:     256,
		WriteTimeout:  5 * time.Second,
		PingInterval:  20 * time.Second,
		ReadLimit:     64 * 1024,
		FanoutWorkers: 8,
	}
}

// Normalise fills zero values from DefaultConfig.
func (c Config) Normalise() Config {
	def := DefaultConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = def.FanoutWorkers
	}
	return c
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	// guarded by Hub.mu
	rooms map[string]struct{}
}

func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub implements the bus transport.
type Hub struct {
	cfg       Config
	logger    zerolog.Logger
	responder BarrierResponder

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// Option customises a Hub.
type Option func(*Hub)

// WithResponder forwards respond frames to r.
func WithResponder(r BarrierResponder) Option {
	return func(h *Hub) { h.responder = r }
}

// WithLogger sets the hub logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// NewHub builds an empty hub.
func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:     cfg.Normalise(),
		logger:  logging.Component("ws"),
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetResponder installs the vote sink after construction.
func (h *Hub) SetResponder(r BarrierResponder) {
	h.mu.Lock()
	h.responder = r
	h.mu.Unlock()
}

// Emit encodes payload once and queues it for every client in roomID and in
// the wildcard room. An empty roomID reaches wildcard clients only. Clients
// whose queue is full miss the frame; their count is reported as an error.
func (h *Hub) Emit(ctx context.Context, eventType, roomID string, payload any) error {
	data, err := json.Marshal(Frame{Type: eventType, RoomID: roomID, Event: payload})
	if err != nil {
		return fmt.Errorf("ws: encode %s frame: %w", eventType, err)
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	targets := make([]*client, 0, len(h.rooms[roomID])+len(h.rooms[WildcardRoom]))
	seen := make(map[*client]struct{}, cap(targets))
	for _, room := range []string{roomID, WildcardRoom} {
		if room == "" {
			continue
		}
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}
	var dropped atomic.Int64
	p := pool.New().WithMaxGoroutines(h.cfg.FanoutWorkers)
	for _, c := range targets {
		p.Go(func() {
			if ctx.Err() != nil || !c.enqueue(data) {
				dropped.Add(1)
			}
		})
	}
	p.Wait()

	h.emitted.Add(uint64(len(targets)) - uint64(dropped.Load()))
	if n := dropped.Load(); n > 0 {
		h.dropped.Add(uint64(n))
		return fmt.Errorf("ws: dropped %s frame for %d of %d clients in room %q", eventType, n, len(targets), roomID)
	}
	return nil
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// Every ?room= query value is joined up front.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendQueue),
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
	if !h.register(c, r.URL.Query()["room"]) {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "hub closing")
		return
	}
	h.logger.Debug().Str("client_id", c.id).Msg("websocket client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(ctx, c)
	}()
	err = h.readLoop(ctx, c)
	cancel()
	wg.Wait()
	h.unregister(c)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	status := websocket.CloseStatus(err)
	if err != nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
		h.logger.Debug().Err(err).Str("client_id", c.id).Msg("websocket client read failed")
	}
	h.logger.Debug().Str("client_id", c.id).Msg("websocket client disconnected")
}

func (h *Hub) register(c *client, rooms []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	for _, room := range rooms {
		h.joinLocked(c, room)
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
}

func (h *Hub) joinLocked(c *client, room string) {
	room = strings.TrimSpace(room)
	if room == "" {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *client, room string) {
	room = strings.TrimSpace(room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(c, Reply{Type: FrameError, Error: "malformed frame"})
			continue
		}
		h.reply(c, h.handle(c, cmd))
	}
}

func (h *Hub) handle(c *client, cmd Command) Reply {
	action := strings.ToLower(strings.TrimSpace(cmd.Action))
	switch action {
	case ActionJoin, ActionLeave:
		if strings.TrimSpace(cmd.Room) == "" {
			return Reply{Type: FrameError, Action: action, Error: "room required"}
		}
		h.mu.Lock()
		if action == ActionJoin {
			h.joinLocked(c, cmd.Room)
		} else {
			h.leaveLocked(c, cmd.Room)
		}
		h.mu.Unlock()
		return Reply{Type: FrameAck, Action: action, Room: strings.TrimSpace(cmd.Room)}
	case ActionRespond:
		h.mu.RLock()
		responder := h.responder
		h.mu.RUnlock()
		if responder == nil {
			return Reply{Type: FrameError, Action: action, EventID: cmd.EventID, Error: "barrier responses not accepted"}
		}
		responderID := strings.TrimSpace(cmd.ResponderID)
		if responderID == "" {
			responderID = c.id
		}
		vote := schema.BarrierVote{Progression: cmd.Progression, Reason: cmd.Reason}
		if err := responder.RespondToBarrier(cmd.EventID, responderID, vote); err != nil {
			return Reply{Type: FrameError, Action: action, EventID: cmd.EventID, Error: err.Error()}
		}
		return Reply{Type: FrameAck, Action: action, EventID: cmd.EventID}
	default:
		return Reply{Type: FrameError, Action: cmd.Action, Error: fmt.Sprintf("unknown action %q", cmd.Action)}
	}
}

func (h *Hub) reply(c *client, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		h.dropped.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Dropped counts frames discarded because a client queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Emitted counts frames queued for delivery.
func (h *Hub) Emitted() uint64 { return h.emitted.Load() }

// Close disconnects every client and rejects further emits.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusGoingAway, "hub closing")
		}
		if c.cancel != nil {
			c.cancel()
		}
	}
	h.logger.Info().Int("clients", len(clients)).Msg("websocket hub closed")
	return nil
}
