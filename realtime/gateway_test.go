package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/edgeee/chatsync/api/validator"
	"github.com/edgeee/chatsync/auth"
	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/memory"
	"github.com/edgeee/chatsync/messaging"
)

type gatewayFixture struct {
	srv      *httptest.Server
	store    *messaging.Store
	verifier *auth.Verifier
	chat     messaging.Chat
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := slogt.New(t)
	reg := NewRegistry()
	router := NewRouter(reg, nil, logger)
	store := messaging.NewStore(memory.New(), messaging.WithNotifier(router), messaging.WithLogger(logger))
	verifier := auth.NewVerifier("test-secret")

	chat, err := store.CreateChat(context.Background(), messaging.User{ID: "alice"}, messaging.NewChat{UserIDs: []string{"bob"}})
	require.NoError(t, err)

	gw := &Gateway{
		Logger:   logger,
		Registry: reg,
		Router:   router,
		Store:    store,
		Auth:     verifier,
		Parser:   &events.Parser{Val: validator.New()},
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &gatewayFixture{srv: srv, store: store, verifier: verifier, chat: chat}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (f *gatewayFixture) dial(t *testing.T, userID string) *client {
	t.Helper()
	token, err := f.verifier.Issue(auth.Identity{UserID: userID, Name: strings.ToUpper(userID)}, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.srv.URL+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &client{t: t, conn: conn}
}

func (c *client) send(t events.Type, id string, payload any) {
	c.t.Helper()
	env, err := events.New(t, payload)
	require.NoError(c.t, err)
	env.ID = id
	b, err := env.Bytes()
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, b))
}

func (c *client) next() events.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	env, err := events.Decode(data)
	require.NoError(c.t, err)
	return env
}

func (c *client) expect(t events.Type, into any) events.Envelope {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, t, env.Type, "payload %s", env.Payload)
	if into != nil {
		require.NoError(c.t, env.Into(into))
	}
	return env
}

// barrier waits until the server handled every frame sent so far.
func (c *client) barrier() {
	c.t.Helper()
	c.seq++
	id := "ping-" + string(rune('a'+c.seq))
	c.send(events.Ping, id, nil)
	env := c.expect(events.Pong, nil)
	require.Equal(c.t, id, env.ID)
}

func (c *client) setup(userID, chatID string) {
	c.t.Helper()
	c.send(events.Setup, "", events.SetupPayload{UserID: userID})
	c.expect(events.Connected, nil)
	if chatID != "" {
		c.send(events.JoinChat, "", events.RoomPayload{ChatID: chatID})
	}
	c.barrier()
}

func TestGateway_ReceiptScenario(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	alice.setup("alice", f.chat.ID)
	bob.setup("bob", f.chat.ID)

	m1, err := f.store.CreateMessage(ctx, messaging.NewMessage{SenderID: "alice", ChatID: f.chat.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, m1.ReadBy)
	assert.Empty(t, m1.DeliveredTo)

	alice.send(events.NewMessage, "req-1", events.NewMessagePayload{ChatID: f.chat.ID, MessageID: m1.ID})
	var ack events.AckPayload
	env := alice.expect(events.Ack, &ack)
	assert.Equal(t, "req-1", env.ID)
	assert.Equal(t, events.AckPayload{Status: events.AckSent, MessageID: m1.ID}, ack)

	var received messaging.Message
	bob.expect(events.MessageReceived, &received)
	assert.Equal(t, m1.ID, received.ID)
	assert.Equal(t, "hi", received.Content)
	require.NotNil(t, received.Sender)
	assert.Equal(t, "alice", received.Sender.ID)

	bob.send(events.MessageDelivered, "", events.DeliveredPayload{ChatID: f.chat.ID, MessageID: m1.ID})
	var delivered events.ReceiptPayload
	alice.expect(events.MessageDelivered, &delivered)
	assert.Equal(t, events.ReceiptPayload{ChatID: f.chat.ID, MessageID: m1.ID, UserID: "bob"}, delivered)

	res, err := f.store.MarkChatRead(ctx, f.chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, res.MessageIDs)

	var read events.ReceiptPayload
	alice.expect(events.MessageRead, &read)
	assert.Equal(t, events.ReceiptPayload{ChatID: f.chat.ID, MessageID: m1.ID, UserID: "bob"}, read)

	// A repeated announcement is acknowledged again but not relayed again.
	alice.send(events.NewMessage, "req-2", events.NewMessagePayload{ChatID: f.chat.ID, MessageID: m1.ID})
	env = alice.expect(events.Ack, &ack)
	assert.Equal(t, "req-2", env.ID)

	alice.send(events.Typing, "", events.RoomPayload{ChatID: f.chat.ID})
	var typing events.RoomPayload
	bob.expect(events.Typing, &typing)
	assert.Equal(t, events.RoomPayload{ChatID: f.chat.ID, UserID: "alice"}, typing)

	// Duplicate delivery reports do not reach the sender twice.
	bob.send(events.MessageDelivered, "", events.DeliveredPayload{ChatID: f.chat.ID, MessageID: m1.ID})
	bob.barrier()
	alice.send(events.StopTyping, "", events.RoomPayload{ChatID: f.chat.ID})
	alice.barrier()
	bob.expect(events.StopTyping, nil)
}

func TestGateway_RoomEvents(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	alice.setup("alice", "")
	bob.setup("bob", f.chat.ID)

	m1, err := f.store.CreateMessage(ctx, messaging.NewMessage{SenderID: "alice", ChatID: f.chat.ID, Content: "hi"})
	require.NoError(t, err)
	_, err = f.store.EditMessage(ctx, m1.ID, "alice", "hello")
	require.NoError(t, err)
	_, err = f.store.ToggleReaction(ctx, m1.ID, "bob", "👍")
	require.NoError(t, err)
	_, err = f.store.DeleteMessage(ctx, m1.ID, "alice")
	require.NoError(t, err)

	var updated messaging.Message
	bob.expect(events.MessageUpdated, &updated)
	assert.Equal(t, "hello", updated.Content)
	bob.expect(events.ReactionUpdated, nil)
	var deleted events.DeletedPayload
	bob.expect(events.MessageDeleted, &deleted)
	assert.Equal(t, messaging.DeletedPlaceholder, deleted.Content)
	assert.Equal(t, m1.ID, deleted.ID)

	// Alice never joined the room, so only her pong arrives.
	alice.barrier()
}

func TestGateway_EventsBeforeSetupAreDropped(t *testing.T) {
	f := newGatewayFixture(t)
	bob := f.dial(t, "bob")

	bob.send(events.JoinChat, "", events.RoomPayload{ChatID: f.chat.ID})
	bob.setup("bob", "")

	alice := f.dial(t, "alice")
	alice.setup("alice", f.chat.ID)
	alice.send(events.Typing, "", events.RoomPayload{ChatID: f.chat.ID})
	alice.barrier()

	// Bob's early join was ignored, so the typing event never reaches him.
	bob.barrier()
}

func TestGateway_NonMemberCannotJoin(t *testing.T) {
	f := newGatewayFixture(t)
	mallory := f.dial(t, "mallory")
	mallory.setup("mallory", f.chat.ID)

	alice := f.dial(t, "alice")
	alice.setup("alice", f.chat.ID)
	alice.send(events.Typing, "", events.RoomPayload{ChatID: f.chat.ID})
	alice.barrier()

	mallory.barrier()
}

func TestGateway_SetupMismatch(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.dial(t, "alice")
	c.send(events.Setup, "", events.SetupPayload{UserID: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestGateway_Unauthenticated(t *testing.T) {
	f := newGatewayFixture(t)
	resp, err := http.Get(f.srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal(b, &body))
	assert.Equal(t, map[string]string{"error": "Missing bearer token", "code": "UNAUTHENTICATED"}, body)
}
