// Package client is the Go SDK of the chat service. Client wraps the REST
// surface, Conn the realtime channel, and Controller keeps an ordered,
// de-duplicated view of the open chat that merges the offline cache, REST
// pages and live events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edgeee/chatsync/messaging"
	"github.com/edgeee/chatsync/uploads"
)

// DefaultTimeout bounds every REST call unless WithHTTPClient overrides it.
const DefaultTimeout = 30 * time.Second

// genericErrorText is shown when the server did not explain a failure.
const genericErrorText = "Something went wrong"

// APIError is a non-2xx response of the REST surface.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Text())
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Text())
}

// Text returns the message to show to users.
func (e *APIError) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return genericErrorText
}

// ErrorText returns the user facing text of any error returned by the SDK.
func ErrorText(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Text()
	}
	return genericErrorText
}

// Client calls the REST surface on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for the server at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendRequest is the body of a new message.
type SendRequest struct {
	ChatID     string                `json:"chatId"`
	Content    string                `json:"content,omitempty"`
	Type       messaging.MessageType `json:"type,omitempty"`
	ReplyTo    string                `json:"replyTo,omitempty"`
	Attachment *messaging.Attachment `json:"attachment,omitempty"`
}

// UploadRequest describes a file to upload.
type UploadRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Usage    string `json:"usage,omitempty"`
}

// CreateChatRequest is the body of a new chat.
type CreateChatRequest struct {
	UserIDs []string `json:"userIds"`
	Name    string   `json:"name,omitempty"`
	IsGroup bool     `json:"isGroup"`
}

func (c *Client) ListMessages(ctx context.Context, chatID string, limit int, before string) (messaging.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var page messaging.Page
	err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(chatID), q, nil, &page)
	return page, err
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(ctx, http.MethodPost, "/messages", nil, req, &msg)
	return msg, err
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), nil, map[string]string{"content": content}, &msg)
	return msg, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil, &msg)
	return msg, err
}

func (c *Client) React(ctx context.Context, messageID, emoji string) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/react", nil, map[string]string{"emoji": emoji}, &msg)
	return msg, err
}

func (c *Client) Unreact(ctx context.Context, messageID, emoji string) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/react", nil, map[string]string{"emoji": emoji}, &msg)
	return msg, err
}

func (c *Client) MarkChatRead(ctx context.Context, chatID string) (messaging.ReadResult, error) {
	var res messaging.ReadResult
	err := c.do(ctx, http.MethodPost, "/messages/chat/"+url.PathEscape(chatID)+"/read", nil, nil, &res)
	return res, err
}

func (c *Client) ListChats(ctx context.Context) ([]messaging.Chat, error) {
	var res struct {
		Chats []messaging.Chat `json:"chats"`
	}
	err := c.do(ctx, http.MethodGet, "/chats", nil, nil, &res)
	return res.Chats, err
}

func (c *Client) GetChat(ctx context.Context, chatID string) (messaging.Chat, error) {
	var chat messaging.Chat
	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, nil, &chat)
	return chat, err
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (messaging.Chat, error) {
	var chat messaging.Chat
	err := c.do(ctx, http.MethodPost, "/chats", nil, req, &chat)
	return chat, err
}

func (c *Client) RenameChat(ctx context.Context, chatID, name string) (messaging.Chat, error) {
	var chat messaging.Chat
	err := c.do(ctx, http.MethodPut, "/chats/"+url.PathEscape(chatID)+"/name", nil, map[string]string{"name": name}, &chat)
	return chat, err
}

func (c *Client) AddMember(ctx context.Context, chatID, userID string) (messaging.Chat, error) {
	var chat messaging.Chat
	err := c.do(ctx, http.MethodPut, "/chats/"+url.PathEscape(chatID)+"/members", nil, map[string]string{"userId": userID}, &chat)
	return chat, err
}

// RemoveMember removes userID from a group chat. Passing the caller's own
// id leaves the group.
func (c *Client) RemoveMember(ctx context.Context, chatID, userID string) (messaging.Chat, error) {
	var chat messaging.Chat
	err := c.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(chatID)+"/members/"+url.PathEscape(userID), nil, nil, &chat)
	return chat, err
}

// SearchUsers finds other users by name or email.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]messaging.User, error) {
	q := url.Values{}
	if query != "" {
		q.Set("search", query)
	}
	var res struct {
		Users []messaging.User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/users", q, nil, &res)
	return res.Users, err
}

func (c *Client) UploadSignature(ctx context.Context, req UploadRequest) (uploads.Authorization, error) {
	var auth uploads.Authorization
	err := c.do(ctx, http.MethodPost, "/uploads/signature", nil, req, &auth)
	return auth, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// decodeError reads both error shapes of the server: {"error","code"} and
// the field list of failed struct validation.
func decodeError(status int, data []byte) *APIError {
	var body struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, &body) != nil {
		return apiErr
	}
	apiErr.Code = body.Code
	apiErr.Message = body.Error
	if apiErr.Message == "" && len(body.Errors) > 0 {
		apiErr.Message = body.Errors[0].Message
		apiErr.Code = messaging.KindValidation.String()
	}
	return apiErr
}
