package postgres

import (
	"context"
	"flag"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/edgeee/chatsync/messaging"
)

var testPG *Postgres

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		log.Print("skipping postgres tests in short mode")
		os.Exit(0)
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("chatsync"),
		tcpostgres.WithUsername("chatsync"),
		tcpostgres.WithPassword("password"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Printf("failed to start container: %s", err)
		os.Exit(0)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable", "application_name=test")
	if err != nil {
		log.Fatalf("failed to get connection string: %v", err)
	}
	testPG, err = Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	if err := testPG.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice must be harmless.
	if err := testPG.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate again: %v", err)
	}

	code := m.Run()

	_ = testPG.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func seedChat(t *testing.T, members ...string) messaging.Chat {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c, err := testPG.InsertChat(context.Background(), messaging.Chat{
		ID:        messaging.NewID(),
		Members:   members,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	return c
}

func TestPostgres_Store(t *testing.T) {
	ctx := context.Background()
	store := messaging.NewStore(testPG)
	require.NoError(t, store.UpsertUser(ctx, messaging.User{ID: "alice", Name: "Alice"}))
	chat := seedChat(t, "alice", "bob")

	m1, err := store.CreateMessage(ctx, messaging.NewMessage{SenderID: "alice", ChatID: chat.ID, Content: "one"})
	require.NoError(t, err)
	m2, err := store.CreateMessage(ctx, messaging.NewMessage{SenderID: "bob", ChatID: chat.ID, Content: "two", ReplyToID: m1.ID})
	require.NoError(t, err)
	m3, err := store.CreateMessage(ctx, messaging.NewMessage{SenderID: "alice", ChatID: chat.ID, Content: "three"})
	require.NoError(t, err)

	assert.Equal(t, "Alice", m1.Sender.Name)
	require.NotNil(t, m2.ReplyTo)
	assert.Equal(t, m1.ID, m2.ReplyTo.ID)

	page, err := store.ListMessages(ctx, "bob", chat.ID, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID, m3.ID}, []string{page.Messages[0].ID, page.Messages[1].ID})
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextBefore)
	assert.Equal(t, m2.ID, *page.NextBefore)

	page, err = store.ListMessages(ctx, "bob", chat.ID, 2, *page.NextBefore)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, m1.ID, page.Messages[0].ID)
	assert.False(t, page.HasMore)

	got, err := testPG.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, m3.ID, got.LatestMessageID)
}

func TestPostgres_Receipts(t *testing.T) {
	ctx := context.Background()
	chat := seedChat(t, "alice", "bob", "carol")
	store := messaging.NewStore(testPG)

	msg, err := store.CreateMessage(ctx, messaging.NewMessage{SenderID: "alice", ChatID: chat.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, msg.ReadBy)
	assert.Empty(t, msg.DeliveredTo)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := testPG.AddDeliveredTo(ctx, msg.ID, "bob")
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, changes)

	res, err := store.MarkChatRead(ctx, chat.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, messaging.ReadResult{UpdatedCount: 1, MessageIDs: []string{msg.ID}}, res)

	res, err = store.MarkChatRead(ctx, chat.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpdatedCount)

	got, err := testPG.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got.DeliveredTo)
	assert.Equal(t, []string{"alice", "carol"}, got.ReadBy)
}

func TestPostgres_Mutations(t *testing.T) {
	ctx := context.Background()
	chat := seedChat(t, "alice", "bob")
	store := messaging.NewStore(testPG)

	msg, err := store.CreateMessage(ctx, messaging.NewMessage{SenderID: "alice", ChatID: chat.ID, Content: "draft"})
	require.NoError(t, err)

	edited, err := store.EditMessage(ctx, msg.ID, "alice", "final")
	require.NoError(t, err)
	require.NotNil(t, edited.OriginalContent)
	assert.Equal(t, "draft", *edited.OriginalContent)

	reacted, err := store.ToggleReaction(ctx, msg.ID, "bob", "🎉")
	require.NoError(t, err)
	assert.Equal(t, []messaging.Reaction{{Emoji: "🎉", UserID: "bob"}}, reacted.Reactions)

	reacted, err = store.ToggleReaction(ctx, msg.ID, "bob", "🎉")
	require.NoError(t, err)
	assert.Empty(t, reacted.Reactions)

	deleted, err := store.DeleteMessage(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, messaging.DeletedPlaceholder, deleted.Content)
	assert.Equal(t, "draft", *deleted.OriginalContent)
}

func TestPostgres_Chats(t *testing.T) {
	ctx := context.Background()
	store := messaging.NewStore(testPG)

	direct, err := store.CreateChat(ctx, messaging.User{ID: "dora"}, messaging.NewChat{UserIDs: []string{"eve"}})
	require.NoError(t, err)

	again, err := store.CreateChat(ctx, messaging.User{ID: "eve"}, messaging.NewChat{UserIDs: []string{"dora"}})
	require.NoError(t, err)
	assert.Equal(t, direct.ID, again.ID)

	chats, err := store.ListChats(ctx, "eve")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.ElementsMatch(t, []string{"dora", "eve"}, chats[0].Members)

	_, err = testPG.GetChat(ctx, messaging.NewID())
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestPostgres_Groups(t *testing.T) {
	ctx := context.Background()
	store := messaging.NewStore(testPG)
	for _, u := range []messaging.User{
		{ID: "gus", Name: "Gus Quill"},
		{ID: "hal", Name: "Hal", Email: "hal@quill.example"},
		{ID: "ivy", Name: "Ivy"},
		{ID: "jo", Name: "Jo 100%"},
	} {
		require.NoError(t, testPG.UpsertUser(ctx, u))
	}

	group, err := store.CreateChat(ctx, messaging.User{ID: "gus", Name: "Gus Quill"}, messaging.NewChat{
		IsGroup: true,
		Name:    "quills",
		UserIDs: []string{"hal", "ivy"},
	})
	require.NoError(t, err)

	renamed, err := store.RenameChat(ctx, "gus", group.ID, "feathers")
	require.NoError(t, err)
	assert.Equal(t, "feathers", renamed.Name)

	_, err = store.AddMember(ctx, "gus", group.ID, "jo")
	require.NoError(t, err)
	chat, err := store.RemoveMember(ctx, "gus", group.ID, "gus")
	require.NoError(t, err)
	assert.Equal(t, []string{"hal", "ivy", "jo"}, chat.Members)
	assert.Equal(t, "hal", chat.AdminID)

	stored, err := testPG.GetChat(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "feathers", stored.Name)
	assert.Equal(t, chat.Members, stored.Members)
	assert.True(t, stored.UpdatedAt.After(group.UpdatedAt) || stored.UpdatedAt.Equal(group.UpdatedAt))

	_, err = testPG.UpdateChat(ctx, messaging.Chat{ID: messaging.NewID()})
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	users, err := store.SearchUsers(ctx, "gus", "QUILL")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "hal", users[0].ID, "email matches and the requester is excluded")

	// Wildcards in the query match literally.
	users, err = store.SearchUsers(ctx, "gus", "0%")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "jo", users[0].ID)
}
