package api

import "github.com/edgeee/chatsync/messaging"

// Request bodies of the REST endpoints.
type (
	createMessageRequest struct {
		ChatID     string                `json:"chatId" validate:"required"`
		Content    string                `json:"content" validate:"max=4000"`
		Type       string                `json:"type" validate:"omitempty,oneof=text gif attachment"`
		ReplyTo    string                `json:"replyTo"`
		Attachment *messaging.Attachment `json:"attachment"`
	}

	editMessageRequest struct {
		Content string `json:"content" validate:"notblank,max=4000"`
	}

	reactionRequest struct {
		Emoji string `json:"emoji" validate:"notblank,max=64"`
	}

	uploadSignatureRequest struct {
		FileName string `json:"fileName"`
		MimeType string `json:"mimeType"`
		Size     int64  `json:"size"`
		Usage    string `json:"usage" validate:"omitempty,oneof=attachment avatar"`
	}

	createChatRequest struct {
		UserIDs []string `json:"userIds" validate:"required,min=1,dive,notblank"`
		Name    string   `json:"name" validate:"max=100"`
		IsGroup bool     `json:"isGroup"`
	}

	renameChatRequest struct {
		Name string `json:"name" validate:"notblank,max=100"`
	}

	addMemberRequest struct {
		UserID string `json:"userId" validate:"notblank"`
	}
)

// errorResponse is the body of every failed request except struct
// validation failures.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type chatsResponse struct {
	Chats []messaging.Chat `json:"chats"`
}

type usersResponse struct {
	Users []messaging.User `json:"users"`
}
