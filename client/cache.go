package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/edgeee/chatsync/messaging"
)

// CachedMessages is how many of the newest messages are kept per chat.
const CachedMessages = 50

const (
	chatListKey     = "chats/list"
	messagesKeyBase = "messages/"
)

// Cache persists the last known chat list and the newest messages of each
// chat so a view can render before the network answers. Implementations
// must be safe for concurrent use.
type Cache interface {
	LoadChats(ctx context.Context) ([]messaging.Chat, error)
	StoreChats(ctx context.Context, chats []messaging.Chat) error
	LoadMessages(ctx context.Context, chatID string) ([]messaging.Message, error)
	StoreMessages(ctx context.Context, chatID string, msgs []messaging.Message) error
	Close() error
}

type cachedMessages struct {
	ChatID    string              `json:"chatId"`
	Messages  []messaging.Message `json:"messages"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func newestMessages(msgs []messaging.Message) []messaging.Message {
	if len(msgs) > CachedMessages {
		msgs = msgs[len(msgs)-CachedMessages:]
	}
	out := make([]messaging.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// MemoryCache keeps entries for the lifetime of the process.
type MemoryCache struct {
	mu       sync.RWMutex
	chats    []messaging.Chat
	messages map[string][]messaging.Message
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{messages: make(map[string][]messaging.Message)}
}

func (c *MemoryCache) LoadChats(context.Context) ([]messaging.Chat, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.chats), nil
}

func (c *MemoryCache) StoreChats(_ context.Context, chats []messaging.Chat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = slices.Clone(chats)
	return nil
}

func (c *MemoryCache) LoadMessages(_ context.Context, chatID string) ([]messaging.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return newestMessages(c.messages[chatID]), nil
}

func (c *MemoryCache) StoreMessages(_ context.Context, chatID string, msgs []messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[chatID] = newestMessages(msgs)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// PebbleCache stores the cache in a pebble database on disk, so it survives
// restarts of the client.
type PebbleCache struct {
	db *pebble.DB
}

// OpenPebbleCache opens or creates the cache database in dir.
func OpenPebbleCache(dir string) (*PebbleCache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	return &PebbleCache{db: db}, nil
}

func (c *PebbleCache) Close() error { return c.db.Close() }

func (c *PebbleCache) LoadChats(context.Context) ([]messaging.Chat, error) {
	var chats []messaging.Chat
	if err := c.get(chatListKey, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *PebbleCache) StoreChats(_ context.Context, chats []messaging.Chat) error {
	return c.set(chatListKey, chats)
}

func (c *PebbleCache) LoadMessages(_ context.Context, chatID string) ([]messaging.Message, error) {
	var entry cachedMessages
	if err := c.get(messagesKeyBase+chatID, &entry); err != nil {
		return nil, err
	}
	return entry.Messages, nil
}

func (c *PebbleCache) StoreMessages(_ context.Context, chatID string, msgs []messaging.Message) error {
	return c.set(messagesKeyBase+chatID, cachedMessages{
		ChatID:    chatID,
		Messages:  newestMessages(msgs),
		UpdatedAt: time.Now().UTC(),
	})
}

// get decodes the value at key into v. A missing key leaves v untouched.
func (c *PebbleCache) get(key string, v any) error {
	data, closer, err := c.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *PebbleCache) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
