package messaging

import (
	"slices"
	"time"
)

// MessageType tells clients how to render a message body.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeGIF        MessageType = "gif"
	TypeAttachment MessageType = "attachment"
)

// DeletedPlaceholder replaces the visible body of a deleted message.
const DeletedPlaceholder = "This message was deleted"

// A User is the public profile of a chat participant.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Pic   string `json:"pic,omitempty"`
	Email string `json:"email,omitempty"`
}

// A Reaction is a single emoji left on a message by a user.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// An Attachment references a file that was uploaded out of band.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// A Chat is either a direct conversation between two users or a named group.
type Chat struct {
	ID              string    `json:"id"`
	IsGroup         bool      `json:"isGroup"`
	Name            string    `json:"name,omitempty"`
	AdminID         string    `json:"adminId,omitempty"`
	Members         []string  `json:"members"`
	LatestMessageID string    `json:"latestMessageId,omitempty"`
	LatestMessage   *Message  `json:"latestMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// Ref returns the summary embedded in hydrated messages.
func (c Chat) Ref() *ChatRef {
	return &ChatRef{
		ID:      c.ID,
		IsGroup: c.IsGroup,
		Name:    c.Name,
		Members: slices.Clone(c.Members),
	}
}

// ChatRef is the chat summary attached to a hydrated message.
type ChatRef struct {
	ID      string   `json:"id"`
	IsGroup bool     `json:"isGroup"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

// ReplyPreview is the part of a reply target shown above a reply.
type ReplyPreview struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Sender    *User       `json:"sender,omitempty"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	IsDeleted bool        `json:"isDeleted"`
}

// A Message is a single chat message. Messages are never physically removed.
type Message struct {
	ID              string      `json:"id"`
	ChatID          string      `json:"chatId"`
	SenderID        string      `json:"senderId"`
	Type            MessageType `json:"type"`
	Content         string      `json:"content"`
	Attachment      *Attachment `json:"attachment,omitempty"`
	ReplyToID       string      `json:"replyToId,omitempty"`
	OriginalContent *string     `json:"originalContent,omitempty"`
	DeliveredTo     []string    `json:"deliveredTo"`
	ReadBy          []string    `json:"readBy"`
	Reactions       []Reaction  `json:"reactions"`
	IsDeleted       bool        `json:"isDeleted"`
	CreatedAt       time.Time   `json:"createdAt"`
	EditedAt        *time.Time  `json:"editedAt"`
	DeletedAt       *time.Time  `json:"deletedAt"`

	// Resolved on read.
	Sender  *User         `json:"sender,omitempty"`
	Chat    *ChatRef      `json:"chat,omitempty"`
	ReplyTo *ReplyPreview `json:"replyTo,omitempty"`
}

// Clone returns a deep copy of m so that callers can mutate it freely.
func (m Message) Clone() Message {
	out := m
	out.DeliveredTo = cloneSet(m.DeliveredTo)
	out.ReadBy = cloneSet(m.ReadBy)
	out.Reactions = slices.Clone(m.Reactions)
	if out.Reactions == nil {
		out.Reactions = []Reaction{}
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.OriginalContent != nil {
		s := *m.OriginalContent
		out.OriginalContent = &s
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if m.Sender != nil {
		u := *m.Sender
		out.Sender = &u
	}
	if m.Chat != nil {
		c := *m.Chat
		c.Members = slices.Clone(c.Members)
		out.Chat = &c
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return out
}

// Stored strips the fields that are resolved on read.
func (m Message) Stored() Message {
	out := m.Clone()
	out.Sender = nil
	out.Chat = nil
	out.ReplyTo = nil
	return out
}

// Preview returns the reply preview of m.
func (m Message) Preview() *ReplyPreview {
	return &ReplyPreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Sender:    m.Sender,
		Type:      m.Type,
		Content:   m.Content,
		IsDeleted: m.IsDeleted,
	}
}

// A Page is one window of chat history in chronological order.
type Page struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextBefore *string   `json:"nextBefore"`
}

// ReadResult lists the messages whose read set changed.
type ReadResult struct {
	UpdatedCount int      `json:"updatedCount"`
	MessageIDs   []string `json:"messageIds"`
}

func cloneSet(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

// AddToSet appends id to set when absent. The second result reports whether
// set changed.
func AddToSet(set []string, id string) ([]string, bool) {
	if slices.Contains(set, id) {
		return set, false
	}
	return append(set, id), true
}
