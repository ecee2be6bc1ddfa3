package messaging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// NewChat is the input of CreateChat. UserIDs lists the members besides the
// creator.
type NewChat struct {
	UserIDs []string
	Name    string
	IsGroup bool
}

// CreateChat creates a chat owned by creator. A direct chat that already
// exists between the two users is returned instead of a duplicate.
func (s *Store) CreateChat(ctx context.Context, creator User, in NewChat) (Chat, error) {
	if err := s.UpsertUser(ctx, creator); err != nil {
		return Chat{}, err
	}

	others := make([]string, 0, len(in.UserIDs))
	for _, id := range in.UserIDs {
		id = strings.TrimSpace(id)
		if id != "" && id != creator.ID && !slices.Contains(others, id) {
			others = append(others, id)
		}
	}

	now := s.now().UTC()
	chat := Chat{
		ID:        s.newID(),
		Members:   append([]string{creator.ID}, others...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if in.IsGroup {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return Chat{}, Validationf("Group chats need a name")
		}
		if len(others) < 2 {
			return Chat{}, Validationf("Group chats need at least 3 members")
		}
		chat.IsGroup = true
		chat.Name = name
		chat.AdminID = creator.ID
	} else {
		if len(others) != 1 {
			return Chat{}, Validationf("Direct chats need exactly one other user")
		}
		existing, err := s.db.FindDirectChat(ctx, creator.ID, others[0])
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Chat{}, fmt.Errorf("find direct chat: %w", err)
		}
	}

	chat, err := s.db.InsertChat(ctx, chat)
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

// GetChat returns a chat of which userID is a member.
func (s *Store) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	chat, err := s.chatFor(ctx, chatID, userID)
	if err != nil {
		return Chat{}, err
	}
	chats := []Chat{chat}
	if err := s.attachLatest(ctx, chats); err != nil {
		return Chat{}, err
	}
	return chats[0], nil
}

// ListChats returns the chats of userID, most recently active first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	chats, err := s.db.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if chats == nil {
		chats = []Chat{}
	}
	if err := s.attachLatest(ctx, chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *Store) attachLatest(ctx context.Context, chats []Chat) error {
	var ids []string
	for _, c := range chats {
		if c.LatestMessageID != "" {
			ids = append(ids, c.LatestMessageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	latest, err := s.db.GetMessages(ctx, ids)
	if err != nil {
		return fmt.Errorf("get latest messages: %w", err)
	}
	for i := range chats {
		m, ok := latest[chats[i].LatestMessageID]
		if !ok {
			continue
		}
		if err := s.hydrateOne(ctx, chats[i], &m); err != nil {
			return err
		}
		chats[i].LatestMessage = &m
	}
	return nil
}

// RenameChat renames a group chat. Only the admin may rename it.
func (s *Store) RenameChat(ctx context.Context, userID, chatID, name string) (Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Chat{}, Validationf("Group chats need a name")
	}
	return s.updateGroup(ctx, userID, chatID, func(chat *Chat) error {
		if chat.AdminID != userID {
			return Forbiddenf("Only the admin can rename the group")
		}
		chat.Name = name
		return nil
	})
}

// AddMember adds memberID to a group chat. Only the admin may add members.
func (s *Store) AddMember(ctx context.Context, userID, chatID, memberID string) (Chat, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return Chat{}, Validationf("User id is required")
	}
	users, err := s.db.GetUsers(ctx, []string{memberID})
	if err != nil {
		return Chat{}, fmt.Errorf("get users: %w", err)
	}
	if _, ok := users[memberID]; !ok {
		return Chat{}, NotFoundf("User not found")
	}
	return s.updateGroup(ctx, userID, chatID, func(chat *Chat) error {
		if chat.AdminID != userID {
			return Forbiddenf("Only the admin can add members")
		}
		if chat.HasMember(memberID) {
			return Validationf("User is already in the group")
		}
		chat.Members = append(chat.Members, memberID)
		return nil
	})
}

// RemoveMember removes memberID from a group chat. The admin may remove
// anyone and every member may leave. When the admin leaves, the first
// remaining member becomes admin.
func (s *Store) RemoveMember(ctx context.Context, userID, chatID, memberID string) (Chat, error) {
	return s.updateGroup(ctx, userID, chatID, func(chat *Chat) error {
		if chat.AdminID != userID && memberID != userID {
			return Forbiddenf("Only the admin can remove members")
		}
		i := slices.Index(chat.Members, memberID)
		if i < 0 {
			return NotFoundf("User is not in the group")
		}
		chat.Members = slices.Delete(chat.Members, i, i+1)
		if chat.AdminID == memberID {
			chat.AdminID = ""
			if len(chat.Members) > 0 {
				chat.AdminID = chat.Members[0]
			}
		}
		return nil
	})
}

// updateGroup applies fn to a group chat of which userID is a member and
// stores the result. fn runs under the chat lock on the latest state.
func (s *Store) updateGroup(ctx context.Context, userID, chatID string, fn func(*Chat) error) (Chat, error) {
	chat, err := s.chatFor(ctx, chatID, userID)
	if err != nil {
		return Chat{}, err
	}

	unlock := s.lockChat(chat.ID)
	defer unlock()

	if chat, err = s.chatFor(ctx, chat.ID, userID); err != nil {
		return Chat{}, err
	}
	if !chat.IsGroup {
		return Chat{}, InvalidStatef("Only group chats have members to manage")
	}
	if err := fn(&chat); err != nil {
		return Chat{}, err
	}
	chat.UpdatedAt = s.now().UTC()
	updated, err := s.db.UpdateChat(ctx, chat)
	if err != nil {
		return Chat{}, fmt.Errorf("update chat: %w", err)
	}
	s.logger.Info("Updated group chat", "chat_id", updated.ID, "user_id", userID, "members", len(updated.Members))

	chats := []Chat{updated}
	if err := s.attachLatest(ctx, chats); err != nil {
		return Chat{}, err
	}
	return chats[0], nil
}

const searchLimit = 20

// SearchUsers finds users other than userID by name or email. An empty
// query lists every user up to the result limit.
func (s *Store) SearchUsers(ctx context.Context, userID, query string) ([]User, error) {
	users, err := s.db.SearchUsers(ctx, strings.TrimSpace(query), userID, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	if users == nil {
		users = []User{}
	}
	return users, nil
}
