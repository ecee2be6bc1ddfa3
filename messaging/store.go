package messaging

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A MessageQuery selects up to Limit messages of a chat, newest first.
type MessageQuery struct {
	ChatID     string
	Limit      int
	BeforeID   string
	BeforeTime time.Time
}

// A DB persists chats, users and messages. Implementations return
// ErrNotFound (possibly wrapped) for missing records, and every mutation is
// a single atomic operation.
type DB interface {
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ListChats(ctx context.Context, userID string) ([]Chat, error)
	FindDirectChat(ctx context.Context, userA, userB string) (Chat, error)
	InsertChat(ctx context.Context, chat Chat) (Chat, error)
	// UpdateChat overwrites the name, members, admin and update time of chat.
	UpdateChat(ctx context.Context, chat Chat) (Chat, error)

	UpsertUser(ctx context.Context, user User) error
	GetUsers(ctx context.Context, ids []string) (map[string]User, error)
	// SearchUsers returns up to limit users other than excludeID whose name
	// or email contains query, ignoring case, ordered by name.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]User, error)

	GetMessage(ctx context.Context, messageID string) (Message, error)
	GetMessages(ctx context.Context, ids []string) (map[string]Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	// InsertMessage stores msg and points its chat's latest message at it.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	// UpdateMessage overwrites the body, edit and deletion fields of msg.
	UpdateMessage(ctx context.Context, msg Message) (Message, error)
	ToggleReaction(ctx context.Context, messageID string, r Reaction, mode ReactionMode) (Message, bool, error)
	AddDeliveredTo(ctx context.Context, messageID, userID string) (Message, bool, error)
	// AddReadBy adds userID to the read set of every message of the chat
	// that lacks it and returns the affected ids in chronological order.
	AddReadBy(ctx context.Context, chatID, userID string) ([]string, error)
}

// A PageCache keeps the most recent messages of busy chats. Rows are
// returned newest first; ok is false when the cache cannot answer.
type PageCache interface {
	RecentMessages(ctx context.Context, chatID string, n int) (rows []Message, ok bool, err error)
	StoreRecent(ctx context.Context, chatID string, rows []Message, complete bool) error
	AppendMessage(ctx context.Context, msg Message) error
	Invalidate(ctx context.Context, chatID string) error
}

const lockStripes = 64

// Store implements message history, mutations and receipts on top of a DB.
// Mutations of one chat are serialised so that notifications leave in the
// order the changes were accepted.
type Store struct {
	db       DB
	cache    PageCache
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	locks [lockStripes]sync.Mutex
}

// An Option configures a Store.
type Option func(*Store)

func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

func WithCache(c PageCache) Option { return func(s *Store) { s.cache = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDs replaces the identity generator. Generated ids must sort in
// creation order.
func WithIDs(newID func() string) Option { return func(s *Store) { s.newID = newID } }

// NewStore returns a Store backed by db.
func NewStore(db DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/edgeee/chatsync/messaging"),
		now:    time.Now,
		newID:  NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lockChat(chatID string) func() {
	h := fnv.New32a()
	h.Write([]byte(chatID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Store) notify(ctx context.Context, c Change) {
	if s.notifier == nil {
		return
	}
	c.At = s.now()
	s.notifier.Notify(ctx, c)
}

func (s *Store) invalidate(ctx context.Context, chatID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, chatID); err != nil {
		s.logger.Error("Could not invalidate cached messages", "chat_id", chatID, "error", err.Error())
	}
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "messaging."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Store) chatFor(ctx context.Context, chatID, userID string) (Chat, error) {
	id, ok := canonicalID(chatID)
	if !ok {
		return Chat{}, Validationf("Invalid chat id")
	}
	chat, err := s.db.GetChat(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Chat{}, NotFoundf("Chat not found")
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if !chat.HasMember(userID) {
		return Chat{}, Forbiddenf("You are not a member of this chat")
	}
	return chat, nil
}

func (s *Store) message(ctx context.Context, messageID string) (Message, error) {
	id, ok := canonicalID(messageID)
	if !ok {
		return Message{}, Validationf("Invalid message id")
	}
	msg, err := s.db.GetMessage(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Message{}, NotFoundf("Message not found")
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of the chat strictly older than
// before, oldest first.
func (s *Store) ListMessages(ctx context.Context, userID, chatID string, limit int, before string) (page Page, err error) {
	ctx, span := s.startSpan(ctx, "ListMessages", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	limit = NormalizeLimit(limit)
	cursor, err := ParseCursor(before)
	if err != nil {
		return Page{}, err
	}
	chat, err := s.chatFor(ctx, chatID, userID)
	if err != nil {
		return Page{}, err
	}

	rows, err := s.recent(ctx, chat.ID, limit+1, cursor)
	if err != nil {
		return Page{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	slices.Reverse(rows)
	if err := s.hydrate(ctx, chat, rows); err != nil {
		return Page{}, err
	}

	page = Page{Messages: rows, HasMore: hasMore}
	if len(rows) > 0 {
		oldest := rows[0].ID
		page.NextBefore = &oldest
	}
	return page, nil
}

func (s *Store) recent(ctx context.Context, chatID string, n int, cursor Cursor) ([]Message, error) {
	cached := cursor.IsZero() && s.cache != nil
	if cached {
		rows, ok, err := s.cache.RecentMessages(ctx, chatID, n)
		if err != nil {
			s.logger.Error("Could not read cached messages", "chat_id", chatID, "error", err.Error())
		} else if ok {
			s.logger.Debug("Got messages from cache", "chat_id", chatID, "count", len(rows))
			return rows, nil
		}
		// Filling the cache must not interleave with a mutation of the chat.
		unlock := s.lockChat(chatID)
		defer unlock()
	}

	rows, err := s.db.ListMessages(ctx, MessageQuery{
		ChatID:     chatID,
		Limit:      n,
		BeforeID:   cursor.ID,
		BeforeTime: cursor.Time,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if cached {
		if err := s.cache.StoreRecent(ctx, chatID, rows, len(rows) < n); err != nil {
			s.logger.Error("Could not cache messages", "chat_id", chatID, "error", err.Error())
		}
	}
	return rows, nil
}

// GetMessage returns the hydrated message if userID is a member of its chat.
func (s *Store) GetMessage(ctx context.Context, userID, messageID string) (Message, error) {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	chat, err := s.chatFor(ctx, msg.ChatID, userID)
	if err != nil {
		return Message{}, err
	}
	if err := s.hydrateOne(ctx, chat, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NewMessage is the input of CreateMessage.
type NewMessage struct {
	SenderID   string
	ChatID     string
	Type       MessageType
	Content    string
	Attachment *Attachment
	ReplyToID  string
}

func (in *NewMessage) normalize() error {
	in.Content = strings.TrimSpace(in.Content)
	if in.Type == "" {
		in.Type = TypeText
		if in.Attachment != nil && in.Content == "" {
			in.Type = TypeAttachment
		}
	}
	switch in.Type {
	case TypeText, TypeAttachment:
	case TypeGIF:
		if !isHTTPURL(in.Content) {
			return Validationf("GIF messages must carry the GIF URL as content")
		}
	default:
		return Validationf("Unknown message type %q", in.Type)
	}
	if in.Content == "" && in.Attachment == nil {
		return Validationf("Message content or attachment is required")
	}
	if in.Type == TypeAttachment && in.Attachment == nil {
		return Validationf("Attachment messages require an attachment")
	}
	if in.Attachment != nil {
		if err := in.Attachment.Validate(); err != nil {
			return err
		}
		in.Attachment.MimeType = strings.ToLower(strings.TrimSpace(in.Attachment.MimeType))
	}
	return nil
}

// CreateMessage stores a new message from in.SenderID and returns it
// hydrated. The sender counts as having read it.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (msg Message, err error) {
	ctx, span := s.startSpan(ctx, "CreateMessage", attribute.String("chat.id", in.ChatID))
	defer func() { endSpan(span, err) }()

	if err := in.normalize(); err != nil {
		return Message{}, err
	}
	chat, err := s.chatFor(ctx, in.ChatID, in.SenderID)
	if err != nil {
		return Message{}, err
	}

	if in.ReplyToID != "" {
		target, err := s.message(ctx, in.ReplyToID)
		if err != nil && KindOf(err) != KindNotFound {
			return Message{}, err
		}
		if err != nil || target.ChatID != chat.ID {
			return Message{}, Validationf("Reply target must be a message in the same chat")
		}
		in.ReplyToID = target.ID
	}

	unlock := s.lockChat(chat.ID)
	defer unlock()

	msg, err = s.db.InsertMessage(ctx, Message{
		ID:          s.newID(),
		ChatID:      chat.ID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		Content:     in.Content,
		Attachment:  in.Attachment,
		ReplyToID:   in.ReplyToID,
		DeliveredTo: []string{},
		ReadBy:      []string{in.SenderID},
		Reactions:   []Reaction{},
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.AppendMessage(ctx, msg); err != nil {
			s.logger.Error("Could not cache message", "message_id", msg.ID, "error", err.Error())
			s.invalidate(ctx, chat.ID)
		}
	}

	if err := s.hydrateOne(ctx, chat, &msg); err != nil {
		return Message{}, err
	}
	s.notify(ctx, Change{Kind: ChangeCreated, Chat: chat, Message: msg})
	return msg, nil
}

// EditMessage replaces the body of a message. Only the sender may edit, and
// deleted messages cannot be edited. Submitting the current body is a no-op.
func (s *Store) EditMessage(ctx context.Context, messageID, editorID, content string) (msg Message, err error) {
	ctx, span := s.startSpan(ctx, "EditMessage", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, Validationf("Message content is required")
	}

	return s.mutate(ctx, messageID, func(chat Chat, m *Message) (ChangeKind, error) {
		if m.SenderID != editorID {
			return "", Forbiddenf("You can only edit your own messages")
		}
		if m.IsDeleted {
			return "", InvalidStatef("Deleted messages cannot be edited")
		}
		if m.Content == content {
			return "", nil
		}
		if m.OriginalContent == nil {
			original := m.Content
			m.OriginalContent = &original
		}
		now := s.now().UTC()
		m.Content = content
		m.EditedAt = &now
		return ChangeUpdated, nil
	})
}

// DeleteMessage soft deletes a message. Deleting twice is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, messageID, requesterID string) (msg Message, err error) {
	ctx, span := s.startSpan(ctx, "DeleteMessage", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, messageID, func(chat Chat, m *Message) (ChangeKind, error) {
		if m.SenderID != requesterID {
			return "", Forbiddenf("You can only delete your own messages")
		}
		if m.IsDeleted {
			return "", nil
		}
		if m.OriginalContent == nil {
			original := m.Content
			m.OriginalContent = &original
		}
		now := s.now().UTC()
		m.Content = DeletedPlaceholder
		m.Type = TypeText
		m.Attachment = nil
		m.IsDeleted = true
		m.DeletedAt = &now
		return ChangeDeleted, nil
	})
}

// mutate runs fn against the current state of a message with its chat
// locked. fn returns the change kind to store and announce, or "" to leave
// the message untouched.
func (s *Store) mutate(ctx context.Context, messageID string, fn func(Chat, *Message) (ChangeKind, error)) (Message, error) {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return Message{}, err
	}

	unlock := s.lockChat(msg.ChatID)
	defer unlock()

	// Re-read under the lock so fn sees the latest accepted state.
	if msg, err = s.message(ctx, msg.ID); err != nil {
		return Message{}, err
	}
	chat, err := s.db.GetChat(ctx, msg.ChatID)
	if err != nil {
		return Message{}, fmt.Errorf("get chat: %w", err)
	}

	kind, err := fn(chat, &msg)
	if err != nil {
		return Message{}, err
	}
	if kind != "" {
		if msg, err = s.db.UpdateMessage(ctx, msg); err != nil {
			return Message{}, fmt.Errorf("update message: %w", err)
		}
		s.invalidate(ctx, chat.ID)
	}
	if err := s.hydrateOne(ctx, chat, &msg); err != nil {
		return Message{}, err
	}
	if kind != "" {
		s.notify(ctx, Change{Kind: kind, Chat: chat, Message: msg})
	}
	return msg, nil
}

// ToggleReaction removes the user's emoji from a message when present and
// adds it otherwise.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (Message, error) {
	return s.react(ctx, messageID, userID, emoji, ReactionToggle)
}

// RemoveReaction removes the user's emoji from a message if present.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (Message, error) {
	return s.react(ctx, messageID, userID, emoji, ReactionRemove)
}

func (s *Store) react(ctx context.Context, messageID, userID, emoji string, mode ReactionMode) (msg Message, err error) {
	ctx, span := s.startSpan(ctx, "React", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	emoji, err = NormalizeEmoji(emoji)
	if err != nil {
		return Message{}, err
	}
	msg, err = s.message(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	chat, err := s.chatFor(ctx, msg.ChatID, userID)
	if err != nil {
		return Message{}, err
	}

	unlock := s.lockChat(chat.ID)
	defer unlock()

	msg, changed, err := s.db.ToggleReaction(ctx, msg.ID, Reaction{Emoji: emoji, UserID: userID}, mode)
	if err != nil {
		return Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	if changed {
		s.invalidate(ctx, chat.ID)
	}
	if err := s.hydrateOne(ctx, chat, &msg); err != nil {
		return Message{}, err
	}
	if changed {
		s.notify(ctx, Change{Kind: ChangeReaction, Chat: chat, Message: msg})
	}
	return msg, nil
}

// UpsertUser records the profile of a user.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return Validationf("User id is required")
	}
	if err := s.db.UpsertUser(ctx, u); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// hydrate resolves senders, reply targets and the chat summary of msgs in
// place. All messages must belong to chat.
func (s *Store) hydrate(ctx context.Context, chat Chat, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	userIDs := make([]string, 0, len(msgs))
	var replyIDs []string
	for _, m := range msgs {
		userIDs = append(userIDs, m.SenderID)
		if m.ReplyToID != "" {
			replyIDs = append(replyIDs, m.ReplyToID)
		}
	}

	replies := map[string]Message{}
	if len(replyIDs) > 0 {
		var err error
		replies, err = s.db.GetMessages(ctx, compact(replyIDs))
		if err != nil {
			return fmt.Errorf("get reply targets: %w", err)
		}
		for _, r := range replies {
			userIDs = append(userIDs, r.SenderID)
		}
	}

	users, err := s.db.GetUsers(ctx, compact(userIDs))
	if err != nil {
		return fmt.Errorf("get users: %w", err)
	}
	lookup := func(id string) *User {
		if u, ok := users[id]; ok {
			return &u
		}
		return &User{ID: id}
	}

	ref := chat.Ref()
	for i := range msgs {
		m := &msgs[i]
		m.Sender = lookup(m.SenderID)
		m.Chat = ref
		if m.ReplyToID == "" {
			continue
		}
		if r, ok := replies[m.ReplyToID]; ok {
			r.Sender = lookup(r.SenderID)
			m.ReplyTo = r.Preview()
		}
	}
	return nil
}

func (s *Store) hydrateOne(ctx context.Context, chat Chat, msg *Message) error {
	msgs := []Message{*msg}
	if err := s.hydrate(ctx, chat, msgs); err != nil {
		return err
	}
	*msg = msgs[0]
	return nil
}

func compact(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
