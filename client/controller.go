package client

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/messaging"
)

// DefaultPageSize is the number of messages fetched per page.
const DefaultPageSize = 30

var ErrNoOpenChat = errors.New("no chat is open")

// API is the part of the REST surface the controller calls. *Client
// implements it.
type API interface {
	ListMessages(ctx context.Context, chatID string, limit int, before string) (messaging.Page, error)
	SendMessage(ctx context.Context, req SendRequest) (messaging.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (messaging.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (messaging.Message, error)
	React(ctx context.Context, messageID, emoji string) (messaging.Message, error)
	Unreact(ctx context.Context, messageID, emoji string) (messaging.Message, error)
	MarkChatRead(ctx context.Context, chatID string) (messaging.ReadResult, error)
	ListChats(ctx context.Context) ([]messaging.Chat, error)
}

// Realtime is the part of the realtime channel the controller uses. *Conn
// implements it.
type Realtime interface {
	Join(ctx context.Context, chatID string) error
	Typing(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	Delivered(ctx context.Context, chatID, messageID string) error
	Announce(ctx context.Context, chatID, messageID string) (events.AckPayload, error)
}

// Controller keeps the client side view of one user: the chat list, the
// timeline of the open chat and notifications for the others. Methods are
// safe for concurrent use.
type Controller struct {
	userID   string
	api      API
	rt       Realtime
	cache    Cache
	logger   *slog.Logger
	pageSize int
	quiet    time.Duration

	mu            sync.Mutex
	chats         []messaging.Chat
	open          *Timeline
	typing        *Typing
	peersTyping   map[string]bool
	notifications []messaging.Message
}

type ControllerOption func(*Controller)

func WithCache(c Cache) ControllerOption {
	return func(ctl *Controller) { ctl.cache = c }
}

func WithLogger(l *slog.Logger) ControllerOption {
	return func(ctl *Controller) { ctl.logger = l }
}

func WithPageSize(n int) ControllerOption {
	return func(ctl *Controller) { ctl.pageSize = n }
}

func WithTypingQuiet(d time.Duration) ControllerOption {
	return func(ctl *Controller) { ctl.quiet = d }
}

func NewController(userID string, api API, rt Realtime, opts ...ControllerOption) *Controller {
	c := &Controller{
		userID:   userID,
		api:      api,
		rt:       rt,
		cache:    NewMemoryCache(),
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
		quiet:    DefaultTypingQuiet,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chats returns the chat list, most recently active first.
func (c *Controller) Chats() []messaging.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.chats)
}

// Timeline returns the entries of the open chat.
func (c *Controller) Timeline() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return nil
	}
	return c.open.Entries()
}

// OpenChatID returns the chat being viewed, or "".
func (c *Controller) OpenChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return ""
	}
	return c.open.ChatID
}

// HasMore reports whether older messages of the open chat can be loaded.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open != nil && c.open.HasMore()
}

// Notifications returns messages that arrived for chats that were not open.
func (c *Controller) Notifications() []messaging.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.notifications)
}

// PeersTyping returns the members currently typing in the open chat.
func (c *Controller) PeersTyping() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peersTyping))
	for id := range c.peersTyping {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// LoadChats shows the cached chat list and then replaces it with the
// server's.
func (c *Controller) LoadChats(ctx context.Context) ([]messaging.Chat, error) {
	if cached, err := c.cache.LoadChats(ctx); err != nil {
		c.logger.Warn("Could not read cached chats", "error", err)
	} else if len(cached) > 0 {
		c.mu.Lock()
		if c.chats == nil {
			c.chats = cached
		}
		c.mu.Unlock()
	}

	chats, err := c.api.ListChats(ctx)
	if err != nil {
		return c.Chats(), err
	}
	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()
	if err := c.cache.StoreChats(ctx, chats); err != nil {
		c.logger.Warn("Could not cache chats", "error", err)
	}
	return slices.Clone(chats), nil
}

// Open makes chatID the viewed chat. Cached messages are shown at once and
// superseded by the first page from the server. If another chat was opened
// while the page was in flight, the page is discarded.
func (c *Controller) Open(ctx context.Context, chatID string) error {
	tl := NewTimeline(chatID)
	cached, err := c.cache.LoadMessages(ctx, chatID)
	if err != nil {
		c.logger.Warn("Could not read cached messages", "chat_id", chatID, "error", err)
	}
	tl.Seed(cached)

	c.mu.Lock()
	prev := c.typing
	c.open = tl
	c.typing = c.newTyping(chatID)
	c.peersTyping = make(map[string]bool)
	c.notifications = slices.DeleteFunc(c.notifications, func(m messaging.Message) bool { return m.ChatID == chatID })
	c.mu.Unlock()
	if prev != nil {
		prev.Done()
	}

	page, err := c.api.ListMessages(ctx, chatID, c.pageSize, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.open != tl {
		c.mu.Unlock()
		c.logger.Debug("Discarded page of a chat that is no longer open", "chat_id", chatID)
		return nil
	}
	tl.ReplaceWith(page)
	c.mu.Unlock()
	c.persist(ctx, tl)

	if err := c.rt.Join(ctx, chatID); err != nil {
		c.logger.Warn("Could not join chat room", "chat_id", chatID, "error", err)
	}
	c.markRead(ctx, tl)
	return nil
}

// LoadOlder prepends the previous page of the open chat. It returns the id
// of the entry that was topmost before, so a view can keep it in place. It
// does nothing while another load is in flight or when there is nothing
// older.
func (c *Controller) LoadOlder(ctx context.Context) (anchor string, err error) {
	c.mu.Lock()
	tl := c.open
	if tl == nil {
		c.mu.Unlock()
		return "", ErrNoOpenChat
	}
	before, ok := tl.BeginLoadOlder()
	c.mu.Unlock()
	if !ok {
		return "", nil
	}

	page, err := c.api.ListMessages(ctx, tl.ChatID, c.pageSize, before)

	c.mu.Lock()
	if err != nil {
		tl.EndLoadOlder(nil)
		c.mu.Unlock()
		return "", err
	}
	anchor = tl.EndLoadOlder(&page)
	current := c.open == tl
	c.mu.Unlock()
	if current {
		c.persist(ctx, tl)
	}
	return anchor, nil
}

// SendInput is what a user submits.
type SendInput struct {
	Content    string
	Type       messaging.MessageType
	ReplyTo    string
	Attachment *messaging.Attachment
}

// Send shows the message as pending, stores it through the REST surface and
// announces it to the chat. The entry becomes sent once the server stored
// it and failed when storing it failed.
func (c *Controller) Send(ctx context.Context, in SendInput) (Entry, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && in.Attachment == nil {
		return Entry{}, messaging.Validationf("Message content or attachment is required")
	}
	typ := in.Type
	if typ == "" {
		typ = messaging.TypeText
		if in.Attachment != nil {
			typ = messaging.TypeAttachment
		}
	}

	c.mu.Lock()
	tl := c.open
	if tl == nil {
		c.mu.Unlock()
		return Entry{}, ErrNoOpenChat
	}
	localID := localPrefix + uuid.NewString()
	tl.AddPending(messaging.Message{
		ID:          localID,
		ChatID:      tl.ChatID,
		SenderID:    c.userID,
		Type:        typ,
		Content:     content,
		Attachment:  in.Attachment,
		ReplyToID:   in.ReplyTo,
		DeliveredTo: []string{},
		ReadBy:      []string{c.userID},
		Reactions:   []messaging.Reaction{},
		CreatedAt:   time.Now().UTC(),
	})
	typing := c.typing
	c.mu.Unlock()
	if typing != nil {
		typing.Done()
	}

	msg, err := c.api.SendMessage(ctx, SendRequest{
		ChatID:     tl.ChatID,
		Content:    content,
		Type:       typ,
		ReplyTo:    in.ReplyTo,
		Attachment: in.Attachment,
	})
	if err != nil {
		c.mu.Lock()
		tl.SetStatus(localID, StatusFailed)
		entry, _ := tl.Get(localID)
		c.mu.Unlock()
		return entry, err
	}

	c.mu.Lock()
	tl.Confirm(localID, msg)
	c.bumpChat(msg)
	c.mu.Unlock()

	ack, err := c.rt.Announce(ctx, msg.ChatID, msg.ID)
	if err != nil {
		c.logger.Warn("Could not announce message", "message_id", msg.ID, "error", err)
	} else if ack.Status != events.AckSent {
		c.logger.Warn("Unexpected acknowledgement", "message_id", msg.ID, "status", ack.Status)
	}

	c.mu.Lock()
	tl.SetStatus(msg.ID, StatusSent)
	entry, _ := tl.Get(msg.ID)
	c.mu.Unlock()
	c.persist(ctx, tl)
	return entry, nil
}

// Edit replaces the content of one of the user's messages. Blank or
// unchanged content is ignored.
func (c *Controller) Edit(ctx context.Context, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	c.mu.Lock()
	if c.open != nil {
		if e, ok := c.open.Get(messageID); ok && e.Content == content {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	msg, err := c.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return err
	}
	c.applyMessage(ctx, msg)
	return nil
}

func (c *Controller) Delete(ctx context.Context, messageID string) error {
	msg, err := c.api.DeleteMessage(ctx, messageID)
	if err != nil {
		return err
	}
	c.applyMessage(ctx, msg)
	return nil
}

// React adds the user's emoji to a message, or removes it if the user
// already reacted with it.
func (c *Controller) React(ctx context.Context, messageID, emoji string) error {
	var reacted bool
	c.mu.Lock()
	if c.open != nil {
		if e, ok := c.open.Get(messageID); ok {
			reacted = slices.Contains(e.Reactions, messaging.Reaction{Emoji: emoji, UserID: c.userID})
		}
	}
	c.mu.Unlock()

	var (
		msg messaging.Message
		err error
	)
	if reacted {
		msg, err = c.api.Unreact(ctx, messageID, emoji)
	} else {
		msg, err = c.api.React(ctx, messageID, emoji)
	}
	if err != nil {
		return err
	}
	c.applyMessage(ctx, msg)
	return nil
}

// Keystroke feeds the typing indicator of the open chat.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	typing := c.typing
	c.mu.Unlock()
	if typing != nil {
		typing.Keystroke()
	}
}

func (c *Controller) newTyping(chatID string) *Typing {
	signal := func(f func(context.Context, string) error) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := f(ctx, chatID); err != nil {
				c.logger.Debug("Could not send typing state", "chat_id", chatID, "error", err)
			}
		}
	}
	return NewTyping(c.quiet, signal(c.rt.Typing), signal(c.rt.StopTyping))
}

// Run applies events until ctx is done or the channel is closed.
func (c *Controller) Run(ctx context.Context, in <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			c.HandleEvent(ctx, env)
		}
	}
}

// HandleEvent applies one server event to the view.
func (c *Controller) HandleEvent(ctx context.Context, env events.Envelope) {
	switch env.Type {
	case events.MessageReceived:
		var msg messaging.Message
		if c.decode(env, &msg) {
			c.received(ctx, msg)
		}
	case events.MessageReplied:
		var msg messaging.Message
		if c.decode(env, &msg) {
			c.replied(ctx, msg)
		}
	case events.MessageUpdated, events.ReactionUpdated:
		var msg messaging.Message
		if c.decode(env, &msg) {
			c.applyMessage(ctx, msg)
		}
	case events.MessageDeleted:
		var p events.DeletedPayload
		if c.decode(env, &p) {
			c.deleted(ctx, p)
		}
	case events.MessageDelivered, events.MessageRead:
		var p events.ReceiptPayload
		if c.decode(env, &p) {
			c.receipt(ctx, env.Type, p)
		}
	case events.Connected:
		c.resync(ctx)
	case events.Typing, events.StopTyping:
		var p events.RoomPayload
		if c.decode(env, &p) && p.UserID != c.userID {
			c.mu.Lock()
			if c.open != nil && c.open.ChatID == p.ChatID {
				if env.Type == events.Typing {
					c.peersTyping[p.UserID] = true
				} else {
					delete(c.peersTyping, p.UserID)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Controller) decode(env events.Envelope, v any) bool {
	if err := env.Into(v); err != nil {
		c.logger.Warn("Dropped malformed event", "type", env.Type, "error", err)
		return false
	}
	return true
}

// received handles a message from another member: it is acknowledged as
// delivered, shown when its chat is open and turned into a notification
// otherwise.
func (c *Controller) received(ctx context.Context, msg messaging.Message) {
	if err := c.rt.Delivered(ctx, msg.ChatID, msg.ID); err != nil {
		c.logger.Warn("Could not report delivery", "message_id", msg.ID, "error", err)
	}

	c.mu.Lock()
	tl := c.open
	viewing := tl != nil && tl.ChatID == msg.ChatID
	var added, unread bool
	if viewing {
		added = tl.Upsert(msg)
		unread = c.unread(tl, msg.ID)
		delete(c.peersTyping, msg.SenderID)
	} else if !slices.ContainsFunc(c.notifications, func(m messaging.Message) bool { return m.ID == msg.ID }) {
		c.notifications = append([]messaging.Message{msg}, c.notifications...)
	}
	known := c.bumpChat(msg)
	c.mu.Unlock()

	if !known {
		if _, err := c.LoadChats(ctx); err != nil {
			c.logger.Warn("Could not refresh chats", "error", err)
		}
	}
	if added {
		c.persist(ctx, tl)
	}
	if unread {
		c.markRead(ctx, tl)
	}
}

// replied shows a reply that was published to the open chat's room. The
// relayed copy of the same message usually follows and finds it read.
func (c *Controller) replied(ctx context.Context, msg messaging.Message) {
	c.mu.Lock()
	tl := c.open
	if tl == nil || tl.ChatID != msg.ChatID {
		c.mu.Unlock()
		return
	}
	added := tl.Upsert(msg)
	unread := c.unread(tl, msg.ID)
	if msg.SenderID != c.userID {
		delete(c.peersTyping, msg.SenderID)
	}
	c.mu.Unlock()

	if added {
		c.persist(ctx, tl)
	}
	if unread {
		c.markRead(ctx, tl)
	}
}

// unread reports whether the entry came from another member and has not
// been read by the user yet. c.mu must be held.
func (c *Controller) unread(tl *Timeline, messageID string) bool {
	e, ok := tl.Get(messageID)
	return ok && !e.IsLocal() && e.SenderID != c.userID && !slices.Contains(e.ReadBy, c.userID)
}

// resync catches up after the realtime connection was re-established:
// events sent while it was down are recovered from the chat list and the
// newest page of the open chat.
func (c *Controller) resync(ctx context.Context) {
	if _, err := c.LoadChats(ctx); err != nil {
		c.logger.Warn("Could not refresh chats after reconnect", "error", err)
	}

	c.mu.Lock()
	tl := c.open
	c.mu.Unlock()
	if tl == nil {
		return
	}

	page, err := c.api.ListMessages(ctx, tl.ChatID, c.pageSize, "")
	if err != nil {
		c.logger.Warn("Could not refresh chat after reconnect", "chat_id", tl.ChatID, "error", err)
		return
	}
	c.mu.Lock()
	if c.open != tl {
		c.mu.Unlock()
		return
	}
	added := tl.Refresh(page)
	c.mu.Unlock()
	c.logger.Debug("Refreshed chat after reconnect", "chat_id", tl.ChatID, "added", added)

	c.persist(ctx, tl)
	c.markRead(ctx, tl)
}

// applyMessage merges a newer state of a message into the open timeline
// and the chat list.
func (c *Controller) applyMessage(ctx context.Context, msg messaging.Message) {
	c.mu.Lock()
	tl := c.open
	var changed bool
	if tl != nil && tl.ChatID == msg.ChatID {
		if _, ok := tl.Get(msg.ID); ok {
			tl.Upsert(msg)
			changed = true
		}
	}
	c.patchLatest(msg.ChatID, msg.ID, func(m *messaging.Message) {
		*m = mergeMessage(*m, msg)
	})
	c.mu.Unlock()
	if changed {
		c.persist(ctx, tl)
	}
}

func (c *Controller) deleted(ctx context.Context, p events.DeletedPayload) {
	c.mu.Lock()
	tl := c.open
	changed := tl != nil && tl.ChatID == p.ChatID && tl.ApplyDeleted(p)
	c.patchLatest(p.ChatID, p.ID, func(m *messaging.Message) {
		deletedAt := p.DeletedAt
		m.Content = p.Content
		m.IsDeleted = true
		m.DeletedAt = &deletedAt
		m.Attachment = nil
		m.Type = messaging.TypeText
	})
	c.mu.Unlock()
	if changed {
		c.persist(ctx, tl)
	}
}

func (c *Controller) receipt(ctx context.Context, kind events.Type, p events.ReceiptPayload) {
	c.mu.Lock()
	tl := c.open
	changed := tl != nil && tl.ChatID == p.ChatID && tl.ApplyReceipt(kind, p.MessageID, p.UserID)
	c.patchLatest(p.ChatID, p.MessageID, func(m *messaging.Message) {
		if kind == events.MessageRead {
			m.ReadBy, _ = messaging.AddToSet(m.ReadBy, p.UserID)
		} else {
			m.DeliveredTo, _ = messaging.AddToSet(m.DeliveredTo, p.UserID)
		}
	})
	c.mu.Unlock()
	if changed {
		c.persist(ctx, tl)
	}
}

// markRead reports the open chat as read. Chats without messages are
// skipped.
func (c *Controller) markRead(ctx context.Context, tl *Timeline) {
	c.mu.Lock()
	empty := tl.Len() == 0
	c.mu.Unlock()
	if empty {
		return
	}

	res, err := c.api.MarkChatRead(ctx, tl.ChatID)
	if err != nil {
		c.logger.Warn("Could not mark chat read", "chat_id", tl.ChatID, "error", err)
		return
	}
	if res.UpdatedCount == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range res.MessageIDs {
		tl.ApplyReceipt(events.MessageRead, id, c.userID)
		c.patchLatest(tl.ChatID, id, func(m *messaging.Message) {
			m.ReadBy, _ = messaging.AddToSet(m.ReadBy, c.userID)
		})
	}
	c.mu.Unlock()
	c.persist(ctx, tl)
}

// bumpChat moves the chat of msg to the top of the list with msg as its
// latest message. It reports whether the chat was in the list. c.mu must
// be held.
func (c *Controller) bumpChat(msg messaging.Message) bool {
	i := slices.IndexFunc(c.chats, func(ch messaging.Chat) bool { return ch.ID == msg.ChatID })
	if i < 0 {
		return false
	}
	chat := c.chats[i]
	latest := msg.Clone()
	chat.LatestMessageID = msg.ID
	chat.LatestMessage = &latest
	if msg.CreatedAt.After(chat.UpdatedAt) {
		chat.UpdatedAt = msg.CreatedAt
	}
	c.chats = slices.Delete(c.chats, i, i+1)
	c.chats = slices.Insert(c.chats, 0, chat)
	return true
}

// patchLatest applies fn to the latest message of chatID when that message
// is messageID. c.mu must be held.
func (c *Controller) patchLatest(chatID, messageID string, fn func(*messaging.Message)) {
	for i := range c.chats {
		ch := &c.chats[i]
		if ch.ID != chatID || ch.LatestMessage == nil || ch.LatestMessage.ID != messageID {
			continue
		}
		latest := ch.LatestMessage.Clone()
		fn(&latest)
		ch.LatestMessage = &latest
	}
}

func (c *Controller) persist(ctx context.Context, tl *Timeline) {
	c.mu.Lock()
	msgs := tl.Messages()
	chats := slices.Clone(c.chats)
	c.mu.Unlock()

	if err := c.cache.StoreMessages(ctx, tl.ChatID, msgs); err != nil {
		c.logger.Warn("Could not cache messages", "chat_id", tl.ChatID, "error", err)
	}
	if len(chats) > 0 {
		if err := c.cache.StoreChats(ctx, chats); err != nil {
			c.logger.Warn("Could not cache chats", "error", err)
		}
	}
}
