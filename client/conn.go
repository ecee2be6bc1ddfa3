package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/edgeee/chatsync/events"
)

var (
	ErrNotConnected = errors.New("realtime connection is not open")
	ErrConnLost     = errors.New("realtime connection lost before acknowledgement")
)

// ConnState is the lifecycle state of a Conn.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// ConnConfig configures a realtime connection.
type ConnConfig struct {
	// URL is the server base URL; http and https are mapped to ws and wss.
	URL    string
	Token  string
	UserID string

	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 retries forever

	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	HeartbeatEvery   time.Duration
	EventBuffer      int

	Logger *slog.Logger
}

func (c *ConnConfig) withDefaults() {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 25 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is a realtime connection that survives network failures: it redials
// with exponential backoff, identifies itself again and rejoins the chats it
// had joined.
type Conn struct {
	cfg    ConnConfig
	events chan events.Envelope
	recon  reconnector
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	ws     *websocket.Conn
	state  ConnState
	rooms  []string
	closed bool

	pendingMu sync.Mutex
	pending   map[string]chan events.AckPayload
}

// Dial opens the connection and completes the setup handshake.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	cfg.withDefaults()
	c := &Conn{
		cfg:     cfg,
		events:  make(chan events.Envelope, cfg.EventBuffer),
		recon:   reconnector{base: cfg.ReconnectBaseDelay, max: cfg.ReconnectMaxDelay, maxAttempts: cfg.MaxReconnectAttempts},
		done:    make(chan struct{}),
		state:   StateConnecting,
		pending: make(map[string]chan events.AckPayload),
	}

	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx, ws)
	return c, nil
}

// Events delivers server events other than acknowledgements. A connected
// event marks every successful reconnect, after which events may have been
// missed. The channel is closed when the connection is closed for good.
func (c *Conn) Events() <-chan events.Envelope { return c.events }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Join subscribes to a chat room. The room is remembered and joined again
// after a reconnect, even when sending now fails.
func (c *Conn) Join(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if !slices.Contains(c.rooms, chatID) {
		c.rooms = append(c.rooms, chatID)
	}
	c.mu.Unlock()
	return c.emit(ctx, events.JoinChat, "", events.RoomPayload{ChatID: chatID})
}

func (c *Conn) Typing(ctx context.Context, chatID string) error {
	return c.emit(ctx, events.Typing, "", events.RoomPayload{ChatID: chatID})
}

func (c *Conn) StopTyping(ctx context.Context, chatID string) error {
	return c.emit(ctx, events.StopTyping, "", events.RoomPayload{ChatID: chatID})
}

func (c *Conn) Delivered(ctx context.Context, chatID, messageID string) error {
	return c.emit(ctx, events.MessageDelivered, "", events.DeliveredPayload{ChatID: chatID, MessageID: messageID})
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.emit(ctx, events.Ping, "", events.PingPayload{})
}

// Announce asks the server to relay a stored message to the other members
// of its chat and waits for the acknowledgement.
func (c *Conn) Announce(ctx context.Context, chatID, messageID string) (events.AckPayload, error) {
	id := uuid.NewString()
	ch := make(chan events.AckPayload, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.emit(ctx, events.NewMessage, id, events.NewMessagePayload{ChatID: chatID, MessageID: messageID}); err != nil {
		return events.AckPayload{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return events.AckPayload{}, ErrConnLost
		}
		return ack, nil
	case <-timer.C:
		return events.AckPayload{}, fmt.Errorf("acknowledgement of %s timed out", messageID)
	case <-ctx.Done():
		return events.AckPayload{}, ctx.Err()
	}
}

// Close ends the connection and stops reconnecting.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		// The read loop may have torn the socket down already.
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Conn) emit(ctx context.Context, t events.Type, id string, payload any) error {
	env, err := events.New(t, payload)
	if err != nil {
		return err
	}
	env.ID = id
	b, err := env.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

func (c *Conn) endpoint() string {
	u := strings.TrimRight(c.cfg.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// connect dials, identifies and rejoins the remembered rooms.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	ws, _, err := websocket.Dial(ctx, c.endpoint(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoint(), err)
	}

	if err := c.handshake(ctx, ws); err != nil {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil, ErrNotConnected
	}
	c.ws = ws
	c.state = StateConnected
	rooms := append([]string(nil), c.rooms...)
	c.mu.Unlock()

	for _, room := range rooms {
		if err := c.emit(ctx, events.JoinChat, "", events.RoomPayload{ChatID: room}); err != nil {
			c.mu.Lock()
			c.ws = nil
			c.mu.Unlock()
			ws.Close(websocket.StatusGoingAway, "rejoin failed")
			return nil, fmt.Errorf("rejoin %s: %w", room, err)
		}
	}
	c.recon.reset()
	c.cfg.Logger.Debug("Realtime connected", "user_id", c.cfg.UserID, "rooms", len(rooms))
	return ws, nil
}

// handshake sends setup and waits for the server to confirm it.
func (c *Conn) handshake(ctx context.Context, ws *websocket.Conn) error {
	env, err := events.New(events.Setup, events.SetupPayload{UserID: c.cfg.UserID})
	if err != nil {
		return err
	}
	b, err := env.Bytes()
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("await connected: %w", err)
		}
		env, err := events.Decode(data)
		if err != nil {
			continue
		}
		if env.Type == events.Connected {
			return nil
		}
		c.dispatch(env)
	}
}

func (c *Conn) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.serve(ctx, ws)
		c.failPending()

		c.mu.Lock()
		closed := c.closed
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		c.cfg.Logger.Warn("Realtime connection lost", "error", err)
		if !c.cfg.AutoReconnect {
			c.setState(StateClosed)
			return
		}

		ws = c.reconnect(ctx)
		if ws == nil {
			c.setState(StateClosed)
			return
		}
		c.dispatch(events.Envelope{Type: events.Connected})
	}
}

func (c *Conn) reconnect(ctx context.Context) *websocket.Conn {
	c.setState(StateReconnecting)
	for {
		delay, ok := c.recon.next()
		if !ok {
			c.cfg.Logger.Error("Giving up reconnecting", "attempts", c.recon.maxAttempts)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		ws, err := c.connect(ctx)
		if err == nil {
			return ws
		}
		c.cfg.Logger.Warn("Reconnect failed", "error", err, "retry_in", delay)
	}
}

// serve reads frames until the socket fails, pinging it in the background.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(ctx, ws)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		env, err := events.Decode(data)
		if err != nil {
			c.cfg.Logger.Debug("Dropped malformed frame", "error", err)
			continue
		}
		if env.Type == events.Ack {
			c.resolve(env)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (c *Conn) dispatch(env events.Envelope) {
	select {
	case c.events <- env:
	default:
		c.cfg.Logger.Warn("Event buffer full, dropping event", "type", env.Type)
	}
}

func (c *Conn) resolve(env events.Envelope) {
	var ack events.AckPayload
	if err := env.Into(&ack); err != nil {
		c.cfg.Logger.Debug("Dropped malformed ack", "error", err)
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()
	if ok {
		ch <- ack
	}
}

// failPending releases every caller waiting for an acknowledgement that
// can no longer arrive.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// reconnector computes exponential backoff delays with jitter.
type reconnector struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	mu      sync.Mutex
	attempt int
}

func (r *reconnector) next() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return 0, false
	}
	d := r.delay(r.attempt, rand.Float64())
	r.attempt++
	return d, true
}

// delay is base*2^attempt plus up to half a base of jitter, capped at max.
func (r *reconnector) delay(attempt int, jitter float64) time.Duration {
	d := float64(r.base) * math.Pow(2, float64(attempt))
	d += jitter * float64(r.base) * 0.5
	if d > float64(r.max) {
		return r.max
	}
	return time.Duration(d)
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}
