// Package memory provides an in-process implementation of messaging.DB for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/edgeee/chatsync/messaging"
)

// DB keeps chats, users and messages in maps guarded by a single lock.
type DB struct {
	mu       sync.RWMutex
	users    map[string]messaging.User
	chats    map[string]messaging.Chat
	messages map[string]messaging.Message
	// byChat holds message ids per chat in ascending order.
	byChat map[string][]string
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		users:    make(map[string]messaging.User),
		chats:    make(map[string]messaging.Chat),
		messages: make(map[string]messaging.Message),
		byChat:   make(map[string][]string),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, messaging.ErrNotFound)
}

func cloneChat(c messaging.Chat) messaging.Chat {
	c.Members = slices.Clone(c.Members)
	c.LatestMessage = nil
	return c
}

func (db *DB) GetChat(_ context.Context, chatID string) (messaging.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.chats[chatID]
	if !ok {
		return messaging.Chat{}, notFound("chat", chatID)
	}
	return cloneChat(c), nil
}

func (db *DB) ListChats(_ context.Context, userID string) ([]messaging.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []messaging.Chat
	for _, c := range db.chats {
		if c.HasMember(userID) {
			out = append(out, cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (db *DB) FindDirectChat(_ context.Context, userA, userB string) (messaging.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, c := range db.chats {
		if !c.IsGroup && len(c.Members) == 2 && c.HasMember(userA) && c.HasMember(userB) {
			return cloneChat(c), nil
		}
	}
	return messaging.Chat{}, notFound("direct chat", userA+"/"+userB)
}

func (db *DB) InsertChat(_ context.Context, chat messaging.Chat) (messaging.Chat, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.chats[chat.ID]; ok {
		return messaging.Chat{}, fmt.Errorf("chat %s already exists", chat.ID)
	}
	chat = cloneChat(chat)
	db.chats[chat.ID] = chat
	return cloneChat(chat), nil
}

func (db *DB) UpdateChat(_ context.Context, chat messaging.Chat) (messaging.Chat, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.chats[chat.ID]
	if !ok {
		return messaging.Chat{}, notFound("chat", chat.ID)
	}
	c.Name = chat.Name
	c.Members = slices.Clone(chat.Members)
	c.AdminID = chat.AdminID
	c.UpdatedAt = chat.UpdatedAt
	db.chats[c.ID] = c
	return cloneChat(c), nil
}

func (db *DB) UpsertUser(_ context.Context, u messaging.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[u.ID] = u
	return nil
}

func (db *DB) GetUsers(_ context.Context, ids []string) (map[string]messaging.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[string]messaging.User, len(ids))
	for _, id := range ids {
		if u, ok := db.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (db *DB) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]messaging.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	query = strings.ToLower(query)
	var out []messaging.User
	for _, u := range db.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), query) || strings.Contains(strings.ToLower(u.Email), query) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *DB) GetMessage(_ context.Context, messageID string) (messaging.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.messages[messageID]
	if !ok {
		return messaging.Message{}, notFound("message", messageID)
	}
	return m.Clone(), nil
}

func (db *DB) GetMessages(_ context.Context, ids []string) (map[string]messaging.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[string]messaging.Message, len(ids))
	for _, id := range ids {
		if m, ok := db.messages[id]; ok {
			out[id] = m.Clone()
		}
	}
	return out, nil
}

func (db *DB) ListMessages(_ context.Context, q messaging.MessageQuery) ([]messaging.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ids := db.byChat[q.ChatID]
	out := make([]messaging.Message, 0, min(q.Limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < q.Limit; i-- {
		m := db.messages[ids[i]]
		if q.BeforeID != "" && m.ID >= q.BeforeID {
			continue
		}
		if !q.BeforeTime.IsZero() && !m.CreatedAt.Before(q.BeforeTime) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (db *DB) InsertMessage(_ context.Context, msg messaging.Message) (messaging.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	chat, ok := db.chats[msg.ChatID]
	if !ok {
		return messaging.Message{}, notFound("chat", msg.ChatID)
	}
	if _, ok := db.messages[msg.ID]; ok {
		return messaging.Message{}, fmt.Errorf("message %s already exists", msg.ID)
	}

	msg = msg.Stored()
	db.messages[msg.ID] = msg
	ids := db.byChat[msg.ChatID]
	i, _ := slices.BinarySearch(ids, msg.ID)
	db.byChat[msg.ChatID] = slices.Insert(ids, i, msg.ID)

	chat.LatestMessageID = msg.ID
	chat.UpdatedAt = msg.CreatedAt
	db.chats[chat.ID] = chat
	return msg.Clone(), nil
}

func (db *DB) UpdateMessage(_ context.Context, msg messaging.Message) (messaging.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, ok := db.messages[msg.ID]
	if !ok {
		return messaging.Message{}, notFound("message", msg.ID)
	}
	upd := msg.Stored()
	cur.Type = upd.Type
	cur.Content = upd.Content
	cur.Attachment = upd.Attachment
	cur.OriginalContent = upd.OriginalContent
	cur.IsDeleted = upd.IsDeleted
	cur.EditedAt = upd.EditedAt
	cur.DeletedAt = upd.DeletedAt
	db.messages[cur.ID] = cur
	return cur.Clone(), nil
}

func (db *DB) ToggleReaction(_ context.Context, messageID string, r messaging.Reaction, mode messaging.ReactionMode) (messaging.Message, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[messageID]
	if !ok {
		return messaging.Message{}, false, notFound("message", messageID)
	}
	reactions, changed := messaging.ApplyReaction(m.Reactions, r, mode)
	if changed {
		m.Reactions = reactions
		db.messages[messageID] = m
	}
	return m.Clone(), changed, nil
}

func (db *DB) AddDeliveredTo(_ context.Context, messageID, userID string) (messaging.Message, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[messageID]
	if !ok {
		return messaging.Message{}, false, notFound("message", messageID)
	}
	set, changed := messaging.AddToSet(slices.Clone(m.DeliveredTo), userID)
	if changed {
		m.DeliveredTo = set
		db.messages[messageID] = m
	}
	return m.Clone(), changed, nil
}

func (db *DB) AddReadBy(_ context.Context, chatID, userID string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var affected []string
	for _, id := range db.byChat[chatID] {
		m := db.messages[id]
		set, changed := messaging.AddToSet(slices.Clone(m.ReadBy), userID)
		if !changed {
			continue
		}
		m.ReadBy = set
		db.messages[id] = m
		affected = append(affected, id)
	}
	return affected, nil
}
