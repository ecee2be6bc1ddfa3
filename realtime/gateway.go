package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/edgeee/chatsync/auth"
	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/messaging"
)

// A Store is the part of messaging.Store the gateway needs.
type Store interface {
	GetChat(ctx context.Context, userID, chatID string) (messaging.Chat, error)
	GetMessage(ctx context.Context, userID, messageID string) (messaging.Message, error)
	MarkDelivered(ctx context.Context, messageID, chatID, userID string) (bool, error)
	UpsertUser(ctx context.Context, u messaging.User) error
}

// Gateway accepts websocket connections, tracks them in the Registry and
// handles the events clients send.
type Gateway struct {
	Logger   *slog.Logger
	Registry *Registry
	Router   *Router
	Store    Store
	Auth     auth.TokenVerifier
	Parser   *events.Parser

	// OriginPatterns lists the hosts allowed to open cross-origin sockets.
	OriginPatterns []string
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	EventRate      rate.Limit
	EventBurst     int

	once sync.Once
}

func (g *Gateway) withDefaults() {
	if g.SendBuffer <= 0 {
		g.SendBuffer = 64
	}
	if g.PingInterval <= 0 {
		g.PingInterval = 25 * time.Second
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = 10 * time.Second
	}
	if g.ReadLimit <= 0 {
		g.ReadLimit = 64 << 10
	}
	if g.EventRate <= 0 {
		g.EventRate = 20
	}
	if g.EventBurst <= 0 {
		g.EventBurst = 40
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.once.Do(g.withDefaults)

	token := auth.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, err := g.Auth.Verify(token)
	if err != nil {
		g.Logger.Info("Rejected realtime connection", "error", err.Error())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": messaging.MessageOf(err, "Unauthorized"),
			"code":  messaging.KindUnauthenticated.String(),
		})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.OriginPatterns,
	})
	if err != nil {
		g.Logger.Warn("Could not accept websocket", "error", err.Error())
		return
	}
	conn.SetReadLimit(g.ReadLimit)

	s := newSession(uuid.NewString(), id, conn, g.SendBuffer, rate.NewLimiter(g.EventRate, g.EventBurst))
	g.Registry.Add(s)
	sessionsGauge.Inc()
	g.Logger.Debug("Session connected", "session_id", s.ID(), "subject", id.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		g.Registry.Remove(s.ID())
		s.close(websocket.StatusNormalClosure, "")
		sessionsGauge.Dec()
		g.Logger.Debug("Session disconnected", "session_id", s.ID(), "user_id", s.UserID())
	}()

	go g.writeLoop(ctx, s)
	g.readLoop(ctx, s)
}

func (g *Gateway) readLoop(ctx context.Context, s *Session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				g.Logger.Debug("Session read failed", "session_id", s.ID(), "error", err.Error())
			}
			return
		}
		if !s.limiter.Allow() {
			droppedEvents.WithLabelValues("rate_limited").Inc()
			g.Logger.Warn("Dropped event over rate limit", "session_id", s.ID())
			continue
		}
		in, err := g.Parser.Parse(data)
		if err != nil {
			droppedEvents.WithLabelValues("invalid").Inc()
			g.Logger.Warn("Dropped invalid event", "session_id", s.ID(), "error", err.Error())
			continue
		}
		g.handle(ctx, s, in)
	}
}

func (g *Gateway) writeLoop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(g.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, g.WriteTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				g.Logger.Debug("Session write failed", "session_id", s.ID(), "error", err.Error())
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, g.WriteTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				g.Logger.Debug("Session ping failed", "session_id", s.ID(), "error", err.Error())
				s.close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (g *Gateway) handle(ctx context.Context, s *Session, in events.Inbound) {
	if in.Type != events.Setup && s.State() != StateIdentified {
		droppedEvents.WithLabelValues("unidentified").Inc()
		g.Logger.Debug("Dropped event before setup", "session_id", s.ID(), "type", in.Type)
		return
	}

	switch p := in.Data.(type) {
	case *events.SetupPayload:
		g.setup(ctx, s, p)
	case *events.RoomPayload:
		if in.Type == events.JoinChat {
			g.joinChat(ctx, s, p)
			return
		}
		g.typing(s, in.Type, p)
	case *events.NewMessagePayload:
		g.newMessage(ctx, s, in.ID, p)
	case *events.DeliveredPayload:
		g.delivered(ctx, s, p)
	case *events.PingPayload:
		g.Router.Send(s, events.Pong, in.ID, events.PongPayload{At: time.Now().UTC()})
	}
}

func (g *Gateway) setup(ctx context.Context, s *Session, p *events.SetupPayload) {
	if p.UserID != s.subject.UserID {
		g.Logger.Warn("Setup identity does not match token", "session_id", s.ID(), "subject", s.subject.UserID)
		s.close(websocket.StatusPolicyViolation, "identity mismatch")
		return
	}
	if err := g.Store.UpsertUser(ctx, s.subject.User()); err != nil {
		g.Logger.Error("Could not record user profile", "user_id", p.UserID, "error", err.Error())
	}
	if !s.identify(p.UserID) {
		return
	}
	g.Registry.Join(s.ID(), UserChannel(p.UserID))
	g.Router.Send(s, events.Connected, "", nil)
}

func (g *Gateway) joinChat(ctx context.Context, s *Session, p *events.RoomPayload) {
	if _, err := g.Store.GetChat(ctx, s.UserID(), p.ChatID); err != nil {
		g.Logger.Info("Refused to join chat", "session_id", s.ID(), "chat_id", p.ChatID, "error", err.Error())
		return
	}
	g.Registry.Join(s.ID(), ChatChannel(p.ChatID))
}

func (g *Gateway) typing(s *Session, t events.Type, p *events.RoomPayload) {
	room := ChatChannel(p.ChatID)
	if !g.Registry.Joined(s.ID(), room) {
		return
	}
	env, err := events.New(t, events.RoomPayload{ChatID: p.ChatID, UserID: s.UserID()})
	if err != nil {
		g.Logger.Error("Could not build event", "type", t, "error", err.Error())
		return
	}
	g.Router.Publish(room, env, s.ID())
}

func (g *Gateway) newMessage(ctx context.Context, s *Session, reqID string, p *events.NewMessagePayload) {
	msg, err := g.Store.GetMessage(ctx, s.UserID(), p.MessageID)
	if err != nil {
		g.Logger.Warn("Could not load announced message", "message_id", p.MessageID, "error", err.Error())
		return
	}
	if msg.SenderID != s.UserID() || msg.ChatID != p.ChatID {
		g.Logger.Warn("Refused to relay message", "message_id", msg.ID, "user_id", s.UserID())
		return
	}
	g.Router.RelayNew(ctx, msg)
	g.Router.Send(s, events.Ack, reqID, events.AckPayload{Status: events.AckSent, MessageID: msg.ID})
}

func (g *Gateway) delivered(ctx context.Context, s *Session, p *events.DeliveredPayload) {
	if _, err := g.Store.MarkDelivered(ctx, p.MessageID, p.ChatID, s.UserID()); err != nil {
		g.Logger.Warn("Could not mark message delivered", "message_id", p.MessageID, "user_id", s.UserID(), "error", err.Error())
	}
}
