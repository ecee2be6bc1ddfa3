package messaging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// MarkDelivered records that userID received a message. It reports whether
// the delivered set changed; senders and non-members never change it.
func (s *Store) MarkDelivered(ctx context.Context, messageID, chatID, userID string) (changed bool, err error) {
	ctx, span := s.startSpan(ctx, "MarkDelivered", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	msg, err := s.message(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg.ChatID != chatID {
		return false, NotFoundf("Message not found in chat")
	}
	if msg.SenderID == userID {
		return false, nil
	}
	chat, err := s.chatFor(ctx, msg.ChatID, userID)
	if err != nil {
		return false, err
	}

	unlock := s.lockChat(chat.ID)
	defer unlock()

	msg, changed, err = s.db.AddDeliveredTo(ctx, msg.ID, userID)
	if err != nil {
		return false, fmt.Errorf("add delivered: %w", err)
	}
	if !changed {
		return false, nil
	}
	s.invalidate(ctx, chat.ID)

	if err := s.hydrateOne(ctx, chat, &msg); err != nil {
		s.logger.Error("Could not hydrate delivered message", "message_id", msg.ID, "error", err.Error())
	}
	s.notify(ctx, Change{Kind: ChangeDelivered, Chat: chat, Message: msg, UserID: userID})
	return true, nil
}

// MarkChatRead adds userID to the read set of every message of the chat and
// returns the messages that changed. Repeated calls return an empty result.
func (s *Store) MarkChatRead(ctx context.Context, chatID, userID string) (res ReadResult, err error) {
	ctx, span := s.startSpan(ctx, "MarkChatRead", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	chat, err := s.chatFor(ctx, chatID, userID)
	if err != nil {
		return ReadResult{}, err
	}

	unlock := s.lockChat(chat.ID)
	defer unlock()

	ids, err := s.db.AddReadBy(ctx, chat.ID, userID)
	if err != nil {
		return ReadResult{}, fmt.Errorf("add read by: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	if len(ids) > 0 {
		s.invalidate(ctx, chat.ID)
		s.notify(ctx, Change{Kind: ChangeRead, Chat: chat, MessageIDs: ids, UserID: userID})
	}
	return ReadResult{UpdatedCount: len(ids), MessageIDs: ids}, nil
}
