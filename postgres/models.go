package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/edgeee/chatsync/messaging"
)

// A user represents a chat participant in the database.
type user struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        string    `bun:",pk"`
	Name      string    `bun:",notnull,default:''"`
	Pic       string    `bun:",notnull,default:''"`
	Email     string    `bun:",notnull,default:''"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// A chat represents a direct or group conversation in the database.
type chat struct {
	bun.BaseModel `bun:"table:chats,alias:c"`

	ID              string    `bun:",pk,type:uuid"`
	IsGroup         bool      `bun:",notnull"`
	Name            string    `bun:",notnull,default:''"`
	AdminID         string    `bun:",notnull,default:''"`
	MemberIDs       []string  `bun:",array,notnull"`
	LatestMessageID string    `bun:",type:uuid,nullzero"`
	CreatedAt       time.Time `bun:",notnull"`
	UpdatedAt       time.Time `bun:",notnull"`
}

// A message represents a chat message in the database. Receipt sets are
// arrays so that they can grow with a single conditional UPDATE.
type message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID              string                `bun:",pk,type:uuid"`
	ChatID          string                `bun:",type:uuid,notnull"`
	SenderID        string                `bun:",notnull"`
	Type            string                `bun:",notnull,default:'text'"`
	Content         string                `bun:",notnull,default:''"`
	Attachment      *messaging.Attachment `bun:",type:jsonb"`
	ReplyToID       string                `bun:",type:uuid,nullzero"`
	OriginalContent *string
	DeliveredTo     []string             `bun:",array,notnull"`
	ReadBy          []string             `bun:",array,notnull"`
	Reactions       []messaging.Reaction `bun:",type:jsonb,notnull"`
	IsDeleted       bool                 `bun:",notnull"`
	CreatedAt       time.Time            `bun:",notnull"`
	EditedAt        *time.Time
	DeletedAt       *time.Time
}

func newChat(c messaging.Chat) *chat {
	return &chat{
		ID:              c.ID,
		IsGroup:         c.IsGroup,
		Name:            c.Name,
		AdminID:         c.AdminID,
		MemberIDs:       c.Members,
		LatestMessageID: c.LatestMessageID,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (c chat) Chat() messaging.Chat {
	members := c.MemberIDs
	if members == nil {
		members = []string{}
	}
	return messaging.Chat{
		ID:              c.ID,
		IsGroup:         c.IsGroup,
		Name:            c.Name,
		AdminID:         c.AdminID,
		Members:         members,
		LatestMessageID: c.LatestMessageID,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func newMessage(m messaging.Message) *message {
	m = m.Stored()
	return &message{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Type:            string(m.Type),
		Content:         m.Content,
		Attachment:      m.Attachment,
		ReplyToID:       m.ReplyToID,
		OriginalContent: m.OriginalContent,
		DeliveredTo:     m.DeliveredTo,
		ReadBy:          m.ReadBy,
		Reactions:       m.Reactions,
		IsDeleted:       m.IsDeleted,
		CreatedAt:       m.CreatedAt,
		EditedAt:        m.EditedAt,
		DeletedAt:       m.DeletedAt,
	}
}

func (m message) Message() messaging.Message {
	out := messaging.Message{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Type:            messaging.MessageType(m.Type),
		Content:         m.Content,
		Attachment:      m.Attachment,
		ReplyToID:       m.ReplyToID,
		OriginalContent: m.OriginalContent,
		DeliveredTo:     m.DeliveredTo,
		ReadBy:          m.ReadBy,
		Reactions:       m.Reactions,
		IsDeleted:       m.IsDeleted,
		CreatedAt:       m.CreatedAt.UTC(),
		EditedAt:        utc(m.EditedAt),
		DeletedAt:       utc(m.DeletedAt),
	}
	return out.Clone()
}

func (u user) User() messaging.User {
	return messaging.User{ID: u.ID, Name: u.Name, Pic: u.Pic, Email: u.Email}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
