package redis

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/edgeee/chatsync/messaging"
)

var testRedis *Redis

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		log.Print("skipping redis tests in short mode")
		os.Exit(0)
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		log.Printf("failed to start container: %s", err)
		os.Exit(0)
	}
	uri, err := container.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("failed to get connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		log.Fatalf("failed to parse connection string: %v", err)
	}
	testRedis, err = Connect(ctx, opts)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	code := m.Run()

	_ = testRedis.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func testMessages(chatID string, n int) []messaging.Message {
	out := make([]messaging.Message, n)
	for i := range n {
		// Newest first, like the store hands them over.
		seq := n - i
		out[i] = messaging.Message{
			ID:          fmt.Sprintf("00000000-0000-7000-8000-%012d", seq),
			ChatID:      chatID,
			SenderID:    "alice",
			Type:        messaging.TypeText,
			Content:     fmt.Sprintf("message %d", seq),
			DeliveredTo: []string{},
			ReadBy:      []string{"alice"},
			Reactions:   []messaging.Reaction{},
			CreatedAt:   time.Date(2024, 1, 1, 0, 0, seq, 0, time.UTC),
		}
	}
	return out
}

func TestRedis_RecentMessages(t *testing.T) {
	ctx := context.Background()
	chatID := messaging.NewID()

	_, ok, err := testRedis.RecentMessages(ctx, chatID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Got cache hit on a cold chat")
	}

	rows := testMessages(chatID, 4)
	if err := testRedis.StoreRecent(ctx, chatID, rows, false); err != nil {
		t.Fatal(err)
	}

	got, ok, err := testRedis.RecentMessages(ctx, chatID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Got cache miss for a page the cache holds")
	}
	if diff := cmp.Diff(rows[:3], got); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}

	if _, ok, _ := testRedis.RecentMessages(ctx, chatID, 10); ok {
		t.Error("Got cache hit for a page larger than the incomplete cache")
	}
}

func TestRedis_CompleteHistory(t *testing.T) {
	ctx := context.Background()
	chatID := messaging.NewID()
	rows := testMessages(chatID, 2)

	if err := testRedis.StoreRecent(ctx, chatID, rows, true); err != nil {
		t.Fatal(err)
	}
	got, ok, err := testRedis.RecentMessages(ctx, chatID, 31)
	if err != nil || !ok {
		t.Fatalf("RecentMessages = %v, %v; want hit", ok, err)
	}
	if len(got) != 2 {
		t.Errorf("Got %d messages, want 2", len(got))
	}

	next := testMessages(chatID, 3)[0]
	if err := testRedis.AppendMessage(ctx, next); err != nil {
		t.Fatal(err)
	}
	got, ok, err = testRedis.RecentMessages(ctx, chatID, 31)
	if err != nil || !ok {
		t.Fatalf("RecentMessages = %v, %v; want hit", ok, err)
	}
	if len(got) != 3 || got[0].ID != next.ID {
		t.Errorf("Got %d messages starting at %s, want 3 starting at %s", len(got), got[0].ID, next.ID)
	}

	if err := testRedis.Invalidate(ctx, chatID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := testRedis.RecentMessages(ctx, chatID, 1); ok {
		t.Error("Got cache hit after invalidation")
	}
}

func TestRedis_AppendColdChat(t *testing.T) {
	ctx := context.Background()
	chatID := messaging.NewID()
	if err := testRedis.AppendMessage(ctx, testMessages(chatID, 1)[0]); err != nil {
		t.Fatal(err)
	}
	if n := testRedis.cli.Exists(ctx, idsKey(chatID)).Val(); n != 0 {
		t.Error("Append created a partial cache entry for a cold chat")
	}
}

func TestRedis_Eviction(t *testing.T) {
	ctx := context.Background()
	chatID := messaging.NewID()
	rows := testMessages(chatID, maxSize+1)

	if err := testRedis.StoreRecent(ctx, chatID, rows[1:], true); err != nil {
		t.Fatal(err)
	}
	if err := testRedis.AppendMessage(ctx, rows[0]); err != nil {
		t.Fatal(err)
	}
	if n := testRedis.cli.ZCard(ctx, idsKey(chatID)).Val(); n != maxSize {
		t.Errorf("Got %d cached ids, want %d", n, maxSize)
	}
	if n := testRedis.cli.Exists(ctx, completeKey(chatID)).Val(); n != 0 {
		t.Error("Cache still claims to be complete after eviction")
	}
}

func TestDeduper_Claim(t *testing.T) {
	ctx := context.Background()
	d := NewDeduper(testRedis, time.Minute)
	key := "relay:" + messaging.NewID()

	first, err := d.Claim(ctx, key)
	if err != nil || !first {
		t.Fatalf("First Claim = %v, %v; want true, nil", first, err)
	}
	second, err := d.Claim(ctx, key)
	if err != nil || second {
		t.Fatalf("Second Claim = %v, %v; want false, nil", second, err)
	}
}

func TestLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(testRedis)
	key := "test:" + messaging.NewID()

	for i := range 3 {
		ok, err := l.Allow(ctx, key, 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("Allow #%d = %v, %v; want true, nil", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, key, 3, time.Minute)
	if err != nil || ok {
		t.Fatalf("Allow over limit = %v, %v; want false, nil", ok, err)
	}
}
