package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/messaging"
)

const relayTTL = 10 * time.Minute

// Router publishes events to the sessions joined to a channel. It turns
// stored changes into events by implementing messaging.Notifier.
type Router struct {
	reg    *Registry
	dedupe Deduper
	local  *LocalDeduper
	logger *slog.Logger
}

// NewRouter returns a Router over reg. A nil dedupe keeps relay guards in
// process.
func NewRouter(reg *Registry, dedupe Deduper, logger *slog.Logger) *Router {
	local := NewLocalDeduper(relayTTL)
	if dedupe == nil {
		dedupe = local
	}
	return &Router{reg: reg, dedupe: dedupe, local: local, logger: logger}
}

// Publish queues env on every session joined to channel except the one with
// id except. It returns the number of sessions reached.
func (r *Router) Publish(channel string, env events.Envelope, except string) int {
	frame, err := env.Bytes()
	if err != nil {
		r.logger.Error("Could not encode event", "type", env.Type, "error", err.Error())
		return 0
	}
	n := 0
	for _, s := range r.reg.Sessions(channel) {
		if s.ID() == except {
			continue
		}
		if r.deliver(s, env.Type, frame) {
			n++
		}
	}
	return n
}

func (r *Router) deliver(s *Session, t events.Type, frame []byte) bool {
	if !s.enqueue(frame) {
		droppedEvents.WithLabelValues("slow_consumer").Inc()
		r.logger.Warn("Dropped event for session", "type", t, "session_id", s.ID())
		return false
	}
	publishedEvents.WithLabelValues(string(t)).Inc()
	return true
}

// Send queues an event on a single session.
func (r *Router) Send(s *Session, t events.Type, id string, payload any) bool {
	env, err := events.New(t, payload)
	if err != nil {
		r.logger.Error("Could not build event", "type", t, "error", err.Error())
		return false
	}
	env.ID = id
	frame, err := env.Bytes()
	if err != nil {
		r.logger.Error("Could not encode event", "type", t, "error", err.Error())
		return false
	}
	return r.deliver(s, t, frame)
}

func (r *Router) publish(channel string, t events.Type, payload any) {
	env, err := events.New(t, payload)
	if err != nil {
		r.logger.Error("Could not build event", "type", t, "error", err.Error())
		return
	}
	r.Publish(channel, env, "")
}

// Notify fans a stored change out. It runs under the chat lock of the
// store, so every session sees the changes of a chat in acceptance order.
func (r *Router) Notify(_ context.Context, c messaging.Change) {
	msg := c.Message
	room := ChatChannel(c.Chat.ID)

	switch c.Kind {
	case messaging.ChangeCreated:
		// message-received goes out once the sender announces the message
		// over its socket; see RelayNew.
		if msg.ReplyToID != "" {
			r.publish(room, events.MessageReplied, msg)
		}
	case messaging.ChangeUpdated:
		r.publish(room, events.MessageUpdated, msg)
	case messaging.ChangeDeleted:
		r.publish(room, events.MessageDeleted, events.Deleted(msg))
	case messaging.ChangeReaction:
		r.publish(room, events.ReactionUpdated, msg)
	case messaging.ChangeDelivered:
		r.publish(UserChannel(msg.SenderID), events.MessageDelivered, events.ReceiptPayload{
			ChatID:    c.Chat.ID,
			MessageID: msg.ID,
			UserID:    c.UserID,
		})
	case messaging.ChangeRead:
		for _, id := range c.MessageIDs {
			for _, member := range c.Chat.Members {
				if member == c.UserID {
					continue
				}
				r.publish(UserChannel(member), events.MessageRead, events.ReceiptPayload{
					ChatID:    c.Chat.ID,
					MessageID: id,
					UserID:    c.UserID,
				})
			}
		}
	}
}

// RelayNew sends message-received for msg to the personal channels of the
// other chat members. A message is relayed at most once; repeated calls
// report false.
func (r *Router) RelayNew(ctx context.Context, msg messaging.Message) bool {
	key := "relay:" + msg.ID
	first, err := r.dedupe.Claim(ctx, key)
	if err != nil {
		r.logger.Warn("Could not claim relay, using local guard", "message_id", msg.ID, "error", err.Error())
		first, _ = r.local.Claim(ctx, key)
	}
	if !first {
		r.logger.Debug("Message already relayed", "message_id", msg.ID)
		return false
	}
	if msg.Chat == nil {
		return true
	}

	env, err := events.New(events.MessageReceived, msg)
	if err != nil {
		r.logger.Error("Could not build event", "type", events.MessageReceived, "error", err.Error())
		return true
	}
	for _, member := range msg.Chat.Members {
		if member == msg.SenderID {
			continue
		}
		r.Publish(UserChannel(member), env, "")
	}
	return true
}
