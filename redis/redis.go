package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeee/chatsync/messaging"
)

// Redis provides caching in Redis.
type Redis struct {
	cli *redis.Client
	ttl time.Duration
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, opts *redis.Options) (*Redis, error) {
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli), nil
}

// New wraps a connected client.
func New(cli *redis.Client) *Redis {
	return &Redis{
		cli: cli,
		ttl: 10 * time.Minute,
	}
}

// Client returns the underlying client so that other components can share
// the connection pool.
func (r *Redis) Client() *redis.Client { return r.cli }

// Close closes the client.
func (r *Redis) Close() error { return r.cli.Close() }

const (
	chatPrefix = "chats"
	// maxSize holds one full page plus the extra row used to detect more
	// history.
	maxSize = messaging.MaxPageLimit + 1
)

// Each cached chat uses three keys: a sorted set of message ids (all scores
// are zero so members sort by id), a hash of encoded messages and a marker
// saying the set holds the entire history of the chat.
func idsKey(chatID string) string      { return fmt.Sprintf("%s:%s:recent", chatPrefix, chatID) }
func messagesKey(chatID string) string { return fmt.Sprintf("%s:%s:messages", chatPrefix, chatID) }
func completeKey(chatID string) string { return fmt.Sprintf("%s:%s:complete", chatPrefix, chatID) }

// RecentMessages returns the n newest cached messages of a chat, newest
// first. ok is false when the cache holds fewer than n messages and does
// not know the chat to be shorter.
func (r *Redis) RecentMessages(ctx context.Context, chatID string, n int) ([]messaging.Message, bool, error) {
	var (
		card     *redis.IntCmd
		complete *redis.IntCmd
	)
	_, err := r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, idsKey(chatID))
		complete = pipe.Exists(ctx, completeKey(chatID))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("zcard: %w", err)
	}
	if card.Val() < int64(n) && complete.Val() == 0 {
		return nil, false, nil
	}
	if card.Val() == 0 {
		return []messaging.Message{}, true, nil
	}

	ids, err := r.cli.ZRevRangeByLex(ctx, idsKey(chatID), &redis.ZRangeBy{
		Min:   "-",
		Max:   "+",
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("zrevrangebylex: %w", err)
	}
	vals, err := r.cli.HMGet(ctx, messagesKey(chatID), ids...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("hmget: %w", err)
	}

	out := make([]messaging.Message, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Evicted between the two reads.
			return nil, false, nil
		}
		msg, err := decodeMessage(s)
		if err != nil {
			return nil, false, fmt.Errorf("decode: %w", err)
		}
		out = append(out, msg)
	}
	return out, true, nil
}

// StoreRecent replaces the cached messages of a chat. rows must be newest
// first; complete says rows hold the whole history.
func (r *Redis) StoreRecent(ctx context.Context, chatID string, rows []messaging.Message, complete bool) error {
	if len(rows) > maxSize {
		rows = rows[:maxSize]
		complete = false
	}
	members := make([]redis.Z, len(rows))
	fields := make([]any, 0, 2*len(rows))
	for i, m := range rows {
		b, err := encodeMessage(m)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		members[i] = redis.Z{Member: m.ID}
		fields = append(fields, m.ID, b)
	}

	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, idsKey(chatID), messagesKey(chatID), completeKey(chatID))
		if len(rows) > 0 {
			pipe.ZAdd(ctx, idsKey(chatID), members...)
			pipe.HSet(ctx, messagesKey(chatID), fields...)
			pipe.Expire(ctx, idsKey(chatID), r.ttl)
			pipe.Expire(ctx, messagesKey(chatID), r.ttl)
		}
		if complete {
			pipe.Set(ctx, completeKey(chatID), 1, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store recent: %w", err)
	}
	return nil
}

// AppendMessage adds a freshly created message to a chat that is already
// cached. Cold chats are left alone.
func (r *Redis) AppendMessage(ctx context.Context, msg messaging.Message) error {
	b, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	ids, complete := idsKey(msg.ChatID), completeKey(msg.ChatID)
	err = r.cli.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, ids, complete).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, ids, redis.Z{Member: msg.ID})
			pipe.HSet(ctx, messagesKey(msg.ChatID), msg.ID, b)
			pipe.Expire(ctx, ids, r.ttl)
			pipe.Expire(ctx, messagesKey(msg.ChatID), r.ttl)
			return nil
		})
		return err
	}, ids, complete)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else touched the chat meanwhile; drop it from the cache.
		return r.Invalidate(ctx, msg.ChatID)
	}
	if err != nil {
		return fmt.Errorf("redis append message: %w", err)
	}

	if err := r.evictOldest(ctx, msg.ChatID); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

// Invalidate drops everything cached for a chat.
func (r *Redis) Invalidate(ctx context.Context, chatID string) error {
	if err := r.cli.Del(ctx, idsKey(chatID), messagesKey(chatID), completeKey(chatID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// evictOldest trims a chat to maxSize messages. Once trimmed the cache no
// longer holds the whole history.
func (r *Redis) evictOldest(ctx context.Context, chatID string) error {
	vals, err := r.cli.ZRange(ctx, idsKey(chatID), 0, int64(-maxSize-1)).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}

	members := make([]any, len(vals))
	for i, v := range vals {
		members[i] = v
	}
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, idsKey(chatID), members...)
		pipe.HDel(ctx, messagesKey(chatID), vals...)
		pipe.Del(ctx, completeKey(chatID))
		return nil
	})
	return err
}
