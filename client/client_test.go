package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

func newTestServer(t *testing.T, status int, body string) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*rec = recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(b),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok", WithHTTPClient(srv.Client())), rec
}

func TestClient_Requests(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func(c *Client) error
		method string
		path   string
		query  string
		body   string
	}{
		{
			name: "list messages",
			call: func(c *Client) error {
				_, err := c.ListMessages(ctx, "c1", 30, "m9")
				return err
			},
			method: http.MethodGet,
			path:   "/messages/c1",
			query:  "before=m9&limit=30",
		},
		{
			name: "send message",
			call: func(c *Client) error {
				_, err := c.SendMessage(ctx, SendRequest{ChatID: "c1", Content: "hi", ReplyTo: "m1"})
				return err
			},
			method: http.MethodPost,
			path:   "/messages",
			body:   `{"chatId":"c1","content":"hi","replyTo":"m1"}`,
		},
		{
			name: "edit message",
			call: func(c *Client) error {
				_, err := c.EditMessage(ctx, "m1", "fixed")
				return err
			},
			method: http.MethodPut,
			path:   "/messages/m1",
			body:   `{"content":"fixed"}`,
		},
		{
			name: "remove reaction",
			call: func(c *Client) error {
				_, err := c.Unreact(ctx, "m1", "👍")
				return err
			},
			method: http.MethodDelete,
			path:   "/messages/m1/react",
			body:   `{"emoji":"👍"}`,
		},
		{
			name: "mark read",
			call: func(c *Client) error {
				_, err := c.MarkChatRead(ctx, "c1")
				return err
			},
			method: http.MethodPost,
			path:   "/messages/chat/c1/read",
		},
		{
			name: "upload signature",
			call: func(c *Client) error {
				_, err := c.UploadSignature(ctx, UploadRequest{FileName: "a.png", MimeType: "image/png", Size: 10})
				return err
			},
			method: http.MethodPost,
			path:   "/uploads/signature",
			body:   `{"fileName":"a.png","mimeType":"image/png","size":10}`,
		},
		{
			name: "rename chat",
			call: func(c *Client) error {
				_, err := c.RenameChat(ctx, "c1", "crew")
				return err
			},
			method: http.MethodPut,
			path:   "/chats/c1/name",
			body:   `{"name":"crew"}`,
		},
		{
			name: "add member",
			call: func(c *Client) error {
				_, err := c.AddMember(ctx, "c1", "carol")
				return err
			},
			method: http.MethodPut,
			path:   "/chats/c1/members",
			body:   `{"userId":"carol"}`,
		},
		{
			name: "remove member",
			call: func(c *Client) error {
				_, err := c.RemoveMember(ctx, "c1", "carol")
				return err
			},
			method: http.MethodDelete,
			path:   "/chats/c1/members/carol",
		},
		{
			name: "search users",
			call: func(c *Client) error {
				_, err := c.SearchUsers(ctx, "car ol")
				return err
			},
			method: http.MethodGet,
			path:   "/users",
			query:  "search=car+ol",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newTestServer(t, http.StatusOK, `{}`)
			require.NoError(t, tc.call(c))
			assert.Equal(t, tc.method, rec.Method)
			assert.Equal(t, tc.path, rec.Path)
			assert.Equal(t, tc.query, rec.Query)
			assert.Equal(t, "Bearer tok", rec.Auth)
			if tc.body == "" {
				assert.Empty(t, rec.Body)
			} else {
				assert.JSONEq(t, tc.body, rec.Body)
			}
		})
	}
}

func TestClient_DecodesResponses(t *testing.T) {
	c, _ := newTestServer(t, http.StatusOK, `{"chats":[{"id":"c1","isGroup":false,"members":["alice","bob"]}]}`)
	chats, err := c.ListChats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, []string{"alice", "bob"}, chats[0].Members)

	c, _ = newTestServer(t, http.StatusOK, `{"messages":[{"id":"m1"}],"hasMore":true,"nextBefore":"m1"}`)
	page, err := c.ListMessages(context.Background(), "c1", 0, "")
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextBefore)
	assert.Equal(t, "m1", *page.NextBefore)
}

func TestClient_SearchUsers(t *testing.T) {
	c, rec := newTestServer(t, http.StatusOK, `{"users":[{"id":"bob","name":"Bob"}]}`)
	users, err := c.SearchUsers(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, rec.Query, "an empty search lists everyone")
	require.Len(t, users, 1)
	assert.Equal(t, "Bob", users[0].Name)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   APIError
		text   string
	}{
		{
			name:   "coded error",
			status: http.StatusForbidden,
			body:   `{"error":"You are not a member of this chat","code":"FORBIDDEN"}`,
			want:   APIError{Status: 403, Code: "FORBIDDEN", Message: "You are not a member of this chat"},
			text:   "You are not a member of this chat",
		},
		{
			name:   "field errors",
			status: http.StatusBadRequest,
			body:   `{"errors":[{"field":"ChatID","message":"ChatID is required"}]}`,
			want:   APIError{Status: 400, Code: "VALIDATION_ERROR", Message: "ChatID is required"},
			text:   "ChatID is required",
		},
		{
			name:   "no body",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			want:   APIError{Status: 502},
			text:   "Something went wrong",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestServer(t, tc.status, tc.body)
			_, err := c.GetChat(context.Background(), "c1")

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.want, *apiErr)
			assert.Equal(t, tc.text, ErrorText(err))
		})
	}

	assert.Equal(t, "Something went wrong", ErrorText(errors.New("dial tcp: refused")))
}

func TestClient_CreateChatBody(t *testing.T) {
	c, rec := newTestServer(t, http.StatusCreated, `{"id":"c9","isGroup":true,"name":"team","members":["alice","bob","carol"]}`)
	chat, err := c.CreateChat(context.Background(), CreateChatRequest{UserIDs: []string{"bob", "carol"}, Name: "team", IsGroup: true})
	require.NoError(t, err)
	assert.Equal(t, "c9", chat.ID)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.Body), &body))
	assert.Equal(t, true, body["isGroup"])
}
