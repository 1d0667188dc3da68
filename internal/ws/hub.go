// Package ws is the websocket transport. A Hub tracks live sessions per
// user and turns inbound frames into pipeline calls; each Client is a bus
// subscriber that writes room events back to its connection.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"paychat_core/internal/auth"
	"paychat_core/internal/clock"
	"paychat_core/internal/domain"
	"paychat_core/internal/keylock"
	"paychat_core/internal/logging"
	"paychat_core/internal/metrics"
	"paychat_core/internal/pipeline"
	"paychat_core/internal/pubsub"
)

// Chat is the subset of the message pipeline the hub drives.
type Chat interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*domain.Message, error)
	AcknowledgeRead(ctx context.Context, roomID, userID string, messageIDs []string) ([]string, error)
	SetTyping(ctx context.Context, roomID, userID string, isTyping bool) error
	History(ctx context.Context, roomID string) ([]*domain.Message, error)
}

type RoomJoiner interface {
	JoinRoom(ctx context.Context, roomID, userID string, kindIfNew domain.RoomKind) (*domain.Room, error)
}

type Presence interface {
	SetOnline(ctx context.Context, userID string, at time.Time) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
}

type Bus interface {
	Subscribe(roomID string, sub pubsub.Subscriber)
	UnsubscribeAll(subscriberID string)
}

type Config struct {
	SendBuffer     int
	AllowedOrigins []string
	RequestTimeout time.Duration
	Clock          clock.Clock
	// Locks must be the map the pipeline commits under.
	Locks *keylock.Map
}

type Hub struct {
	// userID -> clientID -> client
	sessions map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client

	chat     Chat
	rooms    RoomJoiner
	presence Presence
	bus      Bus
	tokens   auth.TokenValidator
	cfg      Config
	upgrader websocket.Upgrader

	done     chan struct{}
	doneOnce sync.Once

	mu sync.RWMutex
}

func NewHub(chat Chat, rooms RoomJoiner, presence Presence, bus Bus, tokens auth.TokenValidator, cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	h := &Hub{
		sessions:   make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		chat:       chat,
		rooms:      rooms,
		presence:   presence,
		bus:        bus,
		tokens:     tokens,
		cfg:        cfg,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin admits clients without an Origin header (native apps) and
// browsers on the configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// ServeHTTP authenticates the token query parameter (or bearer header) and
// upgrades the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	if token == "" {
		http.Error(w, "access token required", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, claims.UserID, h.cfg.SendBuffer)
	select {
	case h.Register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	client.Start()
}

// RunWithContext processes registrations until ctx is canceled, then
// closes every session.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case c := <-h.Register:
			h.add(c)
		case c := <-h.Unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.doneOnce.Do(func() { close(h.done) })
	count := h.closeAll()
	reason := "context_canceled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "context_deadline"
	}
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", reason).
		Int("clients_closed", count).
		Msg("websocket hub stopped")
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	userSessions, ok := h.sessions[c.userID]
	if !ok {
		userSessions = make(map[string]*Client)
		h.sessions[c.userID] = userSessions
	}
	userSessions[c.id] = c
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	logging.Info().Str("user_id", c.userID).Str("client_id", c.id).Msg("websocket client connected")
}

// unregister is called by a client's read loop on exit. After shutdown
// nobody reads Unregister any more, so the client removes itself.
func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	userSessions, ok := h.sessions[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := userSessions[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(userSessions, c.id)
	last := len(userSessions) == 0
	if last {
		delete(h.sessions, c.userID)
	}
	h.mu.Unlock()

	c.close()
	h.bus.UnsubscribeAll(c.id)
	metrics.WSConnections.Dec()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
		if err := h.presence.SetOffline(ctx, c.userID, h.cfg.Clock.Now()); err != nil {
			logging.Warn().Err(err).Str("user_id", c.userID).Msg("failed to mark user offline")
		}
		cancel()
	}
	logging.Info().Str("user_id", c.userID).Str("client_id", c.id).Bool("last_session", last).Msg("websocket client disconnected")
}

func (h *Hub) closeAll() int {
	h.mu.RLock()
	var all []*Client
	for _, userSessions := range h.sessions {
		for _, c := range userSessions {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
	return len(all)
}

// SessionCount returns the number of live sessions of userID.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, userSessions := range h.sessions {
		n += len(userSessions)
	}
	return n
}

func (h *Hub) Serve(ctx context.Context) error { return h.RunWithContext(ctx) }

func (h *Hub) String() string { return "websocket-hub" }
