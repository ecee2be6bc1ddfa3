package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/edgeee/chatsync/auth"
	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/messaging"
)

func testSession(id string, buffer int) *Session {
	return newSession(id, auth.Identity{}, nil, buffer, rate.NewLimiter(rate.Inf, 0))
}

func drain(t *testing.T, s *Session) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for {
		select {
		case frame := <-s.send:
			env, err := events.Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []events.Envelope) []events.Type {
	out := make([]events.Type, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a, b := testSession("a", 1), testSession("b", 1)
	reg.Add(a)
	reg.Add(b)

	assert.True(t, reg.Join("a", UserChannel("alice")))
	assert.True(t, reg.Join("a", ChatChannel("c1")))
	assert.True(t, reg.Join("b", ChatChannel("c1")))
	assert.False(t, reg.Join("ghost", ChatChannel("c1")))

	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, []string{"chat:c1", "user:alice"}, reg.Channels("a"))
	assert.Len(t, reg.Sessions(ChatChannel("c1")), 2)
	assert.True(t, reg.Joined("b", ChatChannel("c1")))

	reg.Remove("a")
	assert.Equal(t, 1, reg.Count())
	assert.Empty(t, reg.Channels("a"))
	assert.Empty(t, reg.Sessions(UserChannel("alice")))
	require.Len(t, reg.Sessions(ChatChannel("c1")), 1)
	assert.Equal(t, "b", reg.Sessions(ChatChannel("c1"))[0].ID())
}

func TestSession_SlowConsumer(t *testing.T) {
	s := testSession("a", 1)
	assert.True(t, s.enqueue([]byte("1")))
	assert.False(t, s.enqueue([]byte("2")))
	assert.Equal(t, StateDisconnected, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("Session was not closed")
	}
	assert.False(t, s.enqueue([]byte("3")))
}

type routerFixture struct {
	router         *Router
	alice, bob     *Session
	carol, bobRoom *Session
	chat           messaging.Chat
}

func newRouterFixture(t *testing.T) *routerFixture {
	reg := NewRegistry()
	f := &routerFixture{
		router:  NewRouter(reg, nil, slogt.New(t)),
		alice:   testSession("alice-1", 32),
		bob:     testSession("bob-1", 32),
		carol:   testSession("carol-1", 32),
		bobRoom: testSession("bob-2", 32),
		chat: messaging.Chat{
			ID:      "c1",
			IsGroup: true,
			Members: []string{"alice", "bob", "carol"},
		},
	}
	for _, s := range []*Session{f.alice, f.bob, f.carol, f.bobRoom} {
		reg.Add(s)
	}
	reg.Join("alice-1", UserChannel("alice"))
	reg.Join("bob-1", UserChannel("bob"))
	reg.Join("carol-1", UserChannel("carol"))
	reg.Join("bob-2", ChatChannel("c1"))
	reg.Join("alice-1", ChatChannel("c1"))
	return f
}

func TestRouter_Notify(t *testing.T) {
	ctx := context.Background()
	deletedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := messaging.Message{ID: "m1", ChatID: "c1", SenderID: "alice", Content: "hi"}

	t.Run("CreatedWithoutReply", func(t *testing.T) {
		f := newRouterFixture(t)
		f.router.Notify(ctx, messaging.Change{Kind: messaging.ChangeCreated, Chat: f.chat, Message: msg})
		assert.Empty(t, drain(t, f.bobRoom))
		assert.Empty(t, drain(t, f.bob))
	})

	t.Run("Reply", func(t *testing.T) {
		f := newRouterFixture(t)
		reply := msg
		reply.ReplyToID = "m0"
		f.router.Notify(ctx, messaging.Change{Kind: messaging.ChangeCreated, Chat: f.chat, Message: reply})
		assert.Equal(t, []events.Type{events.MessageReplied}, types(drain(t, f.bobRoom)))
		assert.Equal(t, []events.Type{events.MessageReplied}, types(drain(t, f.alice)))
		assert.Empty(t, drain(t, f.bob))
	})

	t.Run("RoomEvents", func(t *testing.T) {
		f := newRouterFixture(t)
		deleted := msg
		deleted.Content = messaging.DeletedPlaceholder
		deleted.IsDeleted = true
		deleted.DeletedAt = &deletedAt
		f.router.Notify(ctx, messaging.Change{Kind: messaging.ChangeUpdated, Chat: f.chat, Message: msg})
		f.router.Notify(ctx, messaging.Change{Kind: messaging.ChangeReaction, Chat: f.chat, Message: msg})
		f.router.Notify(ctx, messaging.Change{Kind: messaging.ChangeDeleted, Chat: f.chat, Message: deleted})

		got := drain(t, f.bobRoom)
		require.Equal(t, []events.Type{events.MessageUpdated, events.ReactionUpdated, events.MessageDeleted}, types(got))

		var p events.DeletedPayload
		require.NoError(t, got[2].Into(&p))
		assert.Equal(t, events.DeletedPayload{ID: "m1", ChatID: "c1", Content: messaging.DeletedPlaceholder, DeletedAt: deletedAt}, p)
		var raw map[string]any
		require.NoError(t, json.Unmarshal(got[2].Payload, &raw))
		assert.NotContains(t, raw, "senderId")
	})

	t.Run("DeliveredGoesToSenderOnly", func(t *testing.T) {
		f := newRouterFixture(t)
		f.router.Notify(ctx, messaging.Change{Kind: messaging.ChangeDelivered, Chat: f.chat, Message: msg, UserID: "bob"})

		got := drain(t, f.alice)
		require.Equal(t, []events.Type{events.MessageDelivered}, types(got))
		var p events.ReceiptPayload
		require.NoError(t, got[0].Into(&p))
		assert.Equal(t, events.ReceiptPayload{ChatID: "c1", MessageID: "m1", UserID: "bob"}, p)
		assert.Empty(t, drain(t, f.bob))
		assert.Empty(t, drain(t, f.carol))
		assert.Empty(t, drain(t, f.bobRoom))
	})

	t.Run("ReadPerMessagePerMember", func(t *testing.T) {
		f := newRouterFixture(t)
		f.router.Notify(ctx, messaging.Change{
			Kind:       messaging.ChangeRead,
			Chat:       f.chat,
			MessageIDs: []string{"m1", "m2"},
			UserID:     "bob",
		})

		for _, s := range []*Session{f.alice, f.carol} {
			got := drain(t, s)
			require.Len(t, got, 2)
			for i, id := range []string{"m1", "m2"} {
				var p events.ReceiptPayload
				require.NoError(t, got[i].Into(&p))
				assert.Equal(t, events.MessageRead, got[i].Type)
				assert.Equal(t, events.ReceiptPayload{ChatID: "c1", MessageID: id, UserID: "bob"}, p)
			}
		}
		assert.Empty(t, drain(t, f.bob))
	})
}

func TestRouter_RelayNew(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	msg := messaging.Message{
		ID:       "m1",
		ChatID:   "c1",
		SenderID: "alice",
		Chat:     f.chat.Ref(),
	}

	assert.True(t, f.router.RelayNew(ctx, msg))
	assert.False(t, f.router.RelayNew(ctx, msg))

	assert.Equal(t, []events.Type{events.MessageReceived}, types(drain(t, f.bob)))
	assert.Equal(t, []events.Type{events.MessageReceived}, types(drain(t, f.carol)))
	assert.Empty(t, drain(t, f.alice))
	assert.Empty(t, drain(t, f.bobRoom))
}

func TestRouter_PublishExcept(t *testing.T) {
	f := newRouterFixture(t)
	env, err := events.New(events.Typing, events.RoomPayload{ChatID: "c1", UserID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.router.Publish(ChatChannel("c1"), env, "alice-1"))
	assert.Empty(t, drain(t, f.alice))
	assert.Equal(t, []events.Type{events.Typing}, types(drain(t, f.bobRoom)))
}

func TestLocalDeduper_Expiry(t *testing.T) {
	d := NewLocalDeduper(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ok, _ := d.Claim(context.Background(), "k")
	assert.True(t, ok)
	ok, _ = d.Claim(context.Background(), "k")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = d.Claim(context.Background(), "k")
	assert.True(t, ok)
}
