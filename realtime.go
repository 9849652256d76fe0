package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned when a signal is sent with no live connection.
	ErrNotConnected = errors.New("chatsync: transport not connected")
	// ErrIdentityMismatch is returned by Connect when a different identity is
	// already connected.
	ErrIdentityMismatch = errors.New("chatsync: transport connected with another identity")
)

// Identity is the authenticated user a session belongs to.
type Identity struct {
	UserID string
	Token  string
}

// Transport is the persistent push channel used by the Engine.
type Transport interface {
	Connect(ctx context.Context, id Identity) error
	Disconnect() error
	JoinChannel(ctx context.Context, conversationID string) error
	LeaveChannel(ctx context.Context, conversationID string) error
	Emit(ctx context.Context, s Signal) error
	OnEvent(h func(Event))
	OnConnected(h func())
	OnDisconnected(h func(err error))
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the websocket transport.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	OfflineSignalTimeout time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.OfflineSignalTimeout == 0 {
		c.OfflineSignalTimeout = 2 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = orDefault(c.Logger)
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Handlers
// ============================================================================

type handlers struct {
	mu             sync.RWMutex
	onEvent        []func(Event)
	onConnected    []func()
	onDisconnected []func(error)
}

// dispatch runs event handlers synchronously so events keep arrival order.
func (h *handlers) dispatch(ev Event) {
	h.mu.RLock()
	hs := append([]func(Event){}, h.onEvent...)
	h.mu.RUnlock()
	for _, fn := range hs {
		fn(ev)
	}
}

func (h *handlers) emitConnected() {
	h.mu.RLock()
	hs := append([]func(){}, h.onConnected...)
	h.mu.RUnlock()
	for _, fn := range hs {
		fn()
	}
}

func (h *handlers) emitDisconnected(err error) {
	h.mu.RLock()
	hs := append([]func(error){}, h.onDisconnected...)
	h.mu.RUnlock()
	for _, fn := range hs {
		fn(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is the websocket Transport. Inbound frames are validated and
// decoded into typed events before any handler sees them.
type WSTransport struct {
	baseURL string
	config  *RealtimeConfig
	log     *slog.Logger

	// connectMu serializes Connect so reconnection is never attempted
	// concurrently from multiple call sites.
	connectMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	identity         Identity
	intentionalClose bool
	cancelFn         context.CancelFunc
	joined           map[string]struct{}

	handlers *handlers
	recon    *reconnector
}

// NewWSTransport creates a websocket transport for the server at baseURL.
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &WSTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   config,
		log:      config.Logger.With("component", "transport"),
		state:    StateDisconnected,
		joined:   make(map[string]struct{}),
		handlers: &handlers{},
		recon:    newReconnector(config),
	}
}

// OnEvent registers a handler for decoded push events.
func (ws *WSTransport) OnEvent(h func(Event)) {
	ws.handlers.mu.Lock()
	ws.handlers.onEvent = append(ws.handlers.onEvent, h)
	ws.handlers.mu.Unlock()
}

// OnConnected registers a handler fired after every successful connection.
// It runs before Connect returns and must not call Connect itself.
func (ws *WSTransport) OnConnected(h func()) {
	ws.handlers.mu.Lock()
	ws.handlers.onConnected = append(ws.handlers.onConnected, h)
	ws.handlers.mu.Unlock()
}

// OnDisconnected registers a handler fired when the connection ends. err is
// nil for a client-initiated Disconnect.
func (ws *WSTransport) OnDisconnected(h func(err error)) {
	ws.handlers.mu.Lock()
	ws.handlers.onDisconnected = append(ws.handlers.onDisconnected, h)
	ws.handlers.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Joined returns the channels joined on the current connection.
func (ws *WSTransport) Joined() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, 0, len(ws.joined))
	for id := range ws.joined {
		out = append(out, id)
	}
	return out
}

func (ws *WSTransport) dialURL(token string) string {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(token)
}

// Connect establishes the connection for id. It is a no-op when id is
// already connected and fails with ErrIdentityMismatch for another identity.
func (ws *WSTransport) Connect(ctx context.Context, id Identity) error {
	ws.connectMu.Lock()
	defer ws.connectMu.Unlock()

	ws.mu.Lock()
	if ws.state == StateConnected {
		same := ws.identity.UserID == id.UserID
		ws.mu.Unlock()
		if !same {
			return ErrIdentityMismatch
		}
		return nil
	}
	ws.state = StateConnecting
	ws.identity = id
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, err := ws.dial(ctx, id)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}

	// The session outlives the caller's ctx; Disconnect cancels it.
	connCtx, cancel := context.WithCancel(context.Background())

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.joined = make(map[string]struct{})
	ws.recon.markConnected()
	ws.mu.Unlock()
	ws.config.Metrics.connected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	if err := ws.Emit(ctx, Signal{Type: SignalJoinUser, UserID: id.UserID}); err != nil {
		ws.log.Warn("join user failed", "user", id.UserID, "err", err)
	}
	ws.log.Info("connected", "user", id.UserID)
	ws.handlers.emitConnected()
	return nil
}

func (ws *WSTransport) dial(ctx context.Context, id Identity) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ws.dialURL(id.Token), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	var auth struct {
		UserID string `json:"userId"`
	}
	if json.Unmarshal(env.Payload, &auth) == nil && auth.UserID != "" && id.UserID != "" && auth.UserID != id.UserID {
		conn.Close(websocket.StatusPolicyViolation, "identity mismatch")
		return nil, ErrIdentityMismatch
	}
	return conn, nil
}

// Disconnect announces offline presence and closes the connection. It is
// safe to call when already disconnected.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ws.config.OfflineSignalTimeout)
		if err := ws.Emit(ctx, PresenceSignal(false)); err != nil {
			ws.log.Debug("offline signal not delivered", "err", err)
		}
		cancel()
	}

	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn = ws.conn
	ws.conn = nil
	wasConnected := ws.state != StateDisconnected
	ws.state = StateDisconnected
	ws.joined = make(map[string]struct{})
	ws.recon.reset()
	ws.mu.Unlock()

	if !wasConnected {
		return nil
	}
	ws.handlers.emitDisconnected(nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinChannel subscribes to a conversation. Repeated joins on the same
// connection are no-ops.
func (ws *WSTransport) JoinChannel(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	_, ok := ws.joined[conversationID]
	ws.mu.Unlock()
	if ok {
		return nil
	}
	if err := ws.Emit(ctx, Signal{Type: SignalJoinChannel, ConversationID: conversationID}); err != nil {
		return err
	}
	ws.mu.Lock()
	ws.joined[conversationID] = struct{}{}
	ws.mu.Unlock()
	return nil
}

// LeaveChannel unsubscribes from a conversation.
func (ws *WSTransport) LeaveChannel(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	delete(ws.joined, conversationID)
	ws.mu.Unlock()
	return ws.Emit(ctx, Signal{Type: SignalLeaveChannel, ConversationID: conversationID})
}

// Emit sends a fire-and-forget signal.
func (ws *WSTransport) Emit(ctx context.Context, s Signal) error {
	return ws.Send(ctx, s.command())
}

// Send sends a raw command over the websocket.
func (ws *WSTransport) Send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			current := ws.conn == conn
			if current {
				ws.state = StateDisconnected
				ws.conn = nil
				ws.joined = make(map[string]struct{})
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional || !current {
				return
			}

			ws.log.Warn("connection lost", "err", err)
			ws.handlers.emitDisconnected(err)

			ws.mu.Lock()
			retry := ws.config.AutoReconnect && ws.recon.shouldReconnect()
			ws.mu.Unlock()
			if retry {
				go ws.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Warn("dropping malformed frame", "err", err)
			ws.config.Metrics.frameDropped("malformed")
			continue
		}
		if env.Type == "authenticated" || env.Type == "pong" {
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			reason := "invalid"
			if errors.Is(err, ErrUnknownEvent) {
				reason = "unknown"
			}
			ws.log.Warn("dropping frame", "type", env.Type, "err", err)
			ws.config.Metrics.frameDropped(reason)
			continue
		}
		ws.handlers.dispatch(ev)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed, force close so the read loop reports the fault.
				ws.log.Warn("heartbeat failed", "err", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSTransport) scheduleReconnect() {
	for {
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		id := ws.identity
		ws.mu.Unlock()

		ws.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		ws.mu.Lock()
		stopped := ws.intentionalClose
		ws.mu.Unlock()
		if stopped {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), ws.config.ReconnectMaxDelay)
		err := ws.Connect(ctx, id)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn("reconnect failed", "err", err)
		ws.mu.Lock()
		giveUp := !ws.recon.shouldReconnect()
		if giveUp {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if giveUp {
			return
		}
	}
}
