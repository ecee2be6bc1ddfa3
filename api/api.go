package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/edgeee/chatsync/api/validator"
	"github.com/edgeee/chatsync/auth"
	"github.com/edgeee/chatsync/messaging"
	"github.com/edgeee/chatsync/uploads"
)

// A Store provides the message and chat operations behind the endpoints.
type Store interface {
	ListMessages(ctx context.Context, userID, chatID string, limit int, before string) (messaging.Page, error)
	CreateMessage(ctx context.Context, in messaging.NewMessage) (messaging.Message, error)
	EditMessage(ctx context.Context, messageID, editorID, content string) (messaging.Message, error)
	DeleteMessage(ctx context.Context, messageID, requesterID string) (messaging.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (messaging.Message, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (messaging.Message, error)
	MarkChatRead(ctx context.Context, chatID, userID string) (messaging.ReadResult, error)
	UpsertUser(ctx context.Context, u messaging.User) error
	CreateChat(ctx context.Context, creator messaging.User, in messaging.NewChat) (messaging.Chat, error)
	GetChat(ctx context.Context, userID, chatID string) (messaging.Chat, error)
	ListChats(ctx context.Context, userID string) ([]messaging.Chat, error)
	RenameChat(ctx context.Context, userID, chatID, name string) (messaging.Chat, error)
	AddMember(ctx context.Context, userID, chatID, memberID string) (messaging.Chat, error)
	RemoveMember(ctx context.Context, userID, chatID, memberID string) (messaging.Chat, error)
	SearchUsers(ctx context.Context, userID, query string) ([]messaging.User, error)
}

// An Uploader signs direct upload requests.
type Uploader interface {
	Authorize(ctx context.Context, req uploads.Request) (uploads.Authorization, error)
}

// A Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// A RateLimit allows Requests per Window for each user. The zero value
// disables limiting.
type RateLimit struct {
	Requests int64
	Window   time.Duration
}

// API provides the REST endpoints for the application.
type API struct {
	Logger  *slog.Logger
	Store   Store
	Uploads Uploader
	Auth    auth.TokenVerifier
	Val     *validator.Validator

	// Limiter is optional. Without it no request is ever limited.
	Limiter       Limiter
	UploadLimit   RateLimit
	MutationLimit RateLimit

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string

	once    sync.Once
	handler http.Handler
}

func (a *API) setupRoutes() {
	if a.Val == nil {
		a.Val = validator.New()
	}
	mux := http.NewServeMux()
	authed := auth.Middleware(a.Auth, a.respondErr)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	mutation := func(h http.HandlerFunc) http.HandlerFunc {
		return a.limit("messages", a.MutationLimit, h)
	}

	handle("GET /messages/{chatId}", a.listMessages)
	handle("POST /messages", mutation(a.createMessage))
	handle("POST /messages/chat/{chatId}/read", mutation(a.markChatRead))
	handle("POST /messages/{messageId}/react", mutation(a.toggleReaction))
	handle("DELETE /messages/{messageId}/react", mutation(a.removeReaction))
	handle("PUT /messages/{messageId}", mutation(a.editMessage))
	handle("DELETE /messages/{messageId}", mutation(a.deleteMessage))
	handle("POST /uploads/signature", a.limit("uploads", a.UploadLimit, a.uploadSignature))
	handle("POST /chats", a.createChat)
	handle("GET /chats", a.listChats)
	handle("GET /chats/{chatId}", a.getChat)
	handle("PUT /chats/{chatId}/name", a.renameChat)
	handle("PUT /chats/{chatId}/members", a.addMember)
	handle("DELETE /chats/{chatId}/members/{userId}", a.removeMember)
	handle("GET /users", a.searchUsers)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	origins := a.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	a.handler = cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	a.handler.ServeHTTP(rec, r)
	observe(r, rec.status, time.Since(start))
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, errorResponse{Error: msg})
}

// respondErr maps a typed domain error to its status code. Errors without a
// kind are reported as internal errors and their details are not exposed.
func (a *API) respondErr(w http.ResponseWriter, err error) {
	kind := messaging.KindOf(err)
	status := statusOf(kind)
	msg := messaging.MessageOf(err, "Something went wrong")
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Request failed", "kind", kind.String(), "error", err.Error())
	} else {
		a.Logger.Debug("Request rejected", "kind", kind.String(), "error", err.Error())
	}
	a.respond(w, status, errorResponse{Error: msg, Code: kind.String()})
}

func statusOf(k messaging.Kind) int {
	switch k {
	case messaging.KindValidation, messaging.KindInvalidState:
		return http.StatusBadRequest
	case messaging.KindForbidden:
		return http.StatusForbidden
	case messaging.KindNotFound:
		return http.StatusNotFound
	case messaging.KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// decode reads the JSON body into v and validates it. It writes the error
// response and returns false on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	return a.validateBody(w, v)
}

// limit rejects requests of users that exceeded rl within bucket. The
// limiter failing lets the request through.
func (a *API) limit(bucket string, rl RateLimit, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Limiter == nil || rl.Requests <= 0 || rl.Window <= 0 {
			next(w, r)
			return
		}
		id, _ := auth.FromContext(r.Context())
		ok, err := a.Limiter.Allow(r.Context(), bucket+":"+id.UserID, rl.Requests, rl.Window)
		if err != nil {
			a.Logger.Error("Could not check rate limit", "bucket", bucket, "error", err.Error())
			ok = true
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.Window.Seconds())))
			a.respond(w, http.StatusTooManyRequests, errorResponse{
				Error: "Too many requests, please try again later",
				Code:  "RATE_LIMITED",
			})
			return
		}
		next(w, r)
	}
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	// A missing or malformed limit falls back to the default page size.
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := a.Store.ListMessages(r.Context(), identity(r).UserID, r.PathValue("chatId"), limit, r.URL.Query().Get("before"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []messaging.Message{}
	}
	a.respond(w, http.StatusOK, page)
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	var body createMessageRequest
	if !a.decode(w, r, &body) {
		return
	}

	id := identity(r)
	if err := a.Store.UpsertUser(r.Context(), id.User()); err != nil {
		a.respondErr(w, err)
		return
	}
	msg, err := a.Store.CreateMessage(r.Context(), messaging.NewMessage{
		SenderID:   id.UserID,
		ChatID:     body.ChatID,
		Type:       messaging.MessageType(body.Type),
		Content:    body.Content,
		Attachment: body.Attachment,
		ReplyToID:  body.ReplyTo,
	})
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusCreated, msg)
}

func (a *API) markChatRead(w http.ResponseWriter, r *http.Request) {
	res, err := a.Store.MarkChatRead(r.Context(), r.PathValue("chatId"), identity(r).UserID)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	a.react(w, r, a.Store.ToggleReaction)
}

func (a *API) removeReaction(w http.ResponseWriter, r *http.Request) {
	a.react(w, r, a.Store.RemoveReaction)
}

func (a *API) react(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, messageID, userID, emoji string) (messaging.Message, error)) {
	var body reactionRequest
	if !a.decode(w, r, &body) {
		return
	}
	msg, err := fn(r.Context(), r.PathValue("messageId"), identity(r).UserID, body.Emoji)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, msg)
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	var body editMessageRequest
	if !a.decode(w, r, &body) {
		return
	}
	msg, err := a.Store.EditMessage(r.Context(), r.PathValue("messageId"), identity(r).UserID, body.Content)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, msg)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := a.Store.DeleteMessage(r.Context(), r.PathValue("messageId"), identity(r).UserID)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, msg)
}

func (a *API) uploadSignature(w http.ResponseWriter, r *http.Request) {
	var body uploadSignatureRequest
	if !a.decode(w, r, &body) {
		return
	}
	if a.Uploads == nil {
		a.respondErr(w, messaging.Upstreamf("Upload signing credentials are not configured"))
		return
	}
	res, err := a.Uploads.Authorize(r.Context(), uploads.Request{
		FileName: body.FileName,
		MimeType: body.MimeType,
		Size:     body.Size,
		Usage:    body.Usage,
	})
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) createChat(w http.ResponseWriter, r *http.Request) {
	var body createChatRequest
	if !a.decode(w, r, &body) {
		return
	}
	chat, err := a.Store.CreateChat(r.Context(), identity(r).User(), messaging.NewChat{
		UserIDs: body.UserIDs,
		Name:    strings.TrimSpace(body.Name),
		IsGroup: body.IsGroup,
	})
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusCreated, chat)
}

func (a *API) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.Store.ListChats(r.Context(), identity(r).UserID)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	if chats == nil {
		chats = []messaging.Chat{}
	}
	a.respond(w, http.StatusOK, chatsResponse{Chats: chats})
}

func (a *API) getChat(w http.ResponseWriter, r *http.Request) {
	chat, err := a.Store.GetChat(r.Context(), identity(r).UserID, r.PathValue("chatId"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, chat)
}

func (a *API) renameChat(w http.ResponseWriter, r *http.Request) {
	var body renameChatRequest
	if !a.decode(w, r, &body) {
		return
	}
	chat, err := a.Store.RenameChat(r.Context(), identity(r).UserID, r.PathValue("chatId"), body.Name)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, chat)
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	var body addMemberRequest
	if !a.decode(w, r, &body) {
		return
	}
	chat, err := a.Store.AddMember(r.Context(), identity(r).UserID, r.PathValue("chatId"), body.UserID)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, chat)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	chat, err := a.Store.RemoveMember(r.Context(), identity(r).UserID, r.PathValue("chatId"), r.PathValue("userId"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, chat)
}

func (a *API) searchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Store.SearchUsers(r.Context(), identity(r).UserID, r.URL.Query().Get("search"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	if users == nil {
		users = []messaging.User{}
	}
	a.respond(w, http.StatusOK, usersResponse{Users: users})
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
