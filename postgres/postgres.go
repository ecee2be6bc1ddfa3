package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/edgeee/chatsync/messaging"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(bun.NewDB(sqlDB, pgdialect.New())), nil
}

// New wraps an open bun database.
func New(db *bun.DB) *Postgres {
	return &Postgres{bun: db}
}

// Close closes the underlying connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// Migrate creates the tables and indexes when they do not exist yet.
func (pg *Postgres) Migrate(ctx context.Context) error {
	models := []any{(*user)(nil), (*chat)(nil), (*message)(nil)}
	for _, m := range models {
		if _, err := pg.bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*message)(nil), "messages_chat_id_id_idx", []string{"chat_id", "id"}},
		{(*message)(nil), "messages_chat_id_created_at_idx", []string{"chat_id", "created_at"}},
	}
	for _, idx := range indexes {
		_, err := pg.bun.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	_, err := pg.bun.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS chats_member_ids_idx ON chats USING GIN (member_ids)`)
	if err != nil {
		return fmt.Errorf("create index chats_member_ids_idx: %w", err)
	}
	return nil
}

func scanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return messaging.ErrNotFound
	}
	return fmt.Errorf("scan: %w", err)
}

// GetChat returns the chat with the given id.
func (pg *Postgres) GetChat(ctx context.Context, chatID string) (messaging.Chat, error) {
	var c chat
	if err := pg.bun.NewSelect().Model(&c).Where("c.id = ?", chatID).Scan(ctx); err != nil {
		return messaging.Chat{}, scanErr(err)
	}
	return c.Chat(), nil
}

// ListChats returns the chats that contain userID, most recently active
// first.
func (pg *Postgres) ListChats(ctx context.Context, userID string) ([]messaging.Chat, error) {
	var chats []chat
	err := pg.bun.NewSelect().
		Model(&chats).
		Where("? = ANY(c.member_ids)", userID).
		Order("c.updated_at DESC", "c.id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]messaging.Chat, len(chats))
	for i, c := range chats {
		out[i] = c.Chat()
	}
	return out, nil
}

// FindDirectChat returns the direct chat between two users.
func (pg *Postgres) FindDirectChat(ctx context.Context, userA, userB string) (messaging.Chat, error) {
	var c chat
	err := pg.bun.NewSelect().
		Model(&c).
		Where("NOT c.is_group").
		Where("c.member_ids @> ?", pgdialect.Array([]string{userA, userB})).
		Where("cardinality(c.member_ids) = 2").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return messaging.Chat{}, scanErr(err)
	}
	return c.Chat(), nil
}

// InsertChat inserts a chat into the database.
func (pg *Postgres) InsertChat(ctx context.Context, c messaging.Chat) (messaging.Chat, error) {
	m := newChat(c)
	if _, err := pg.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return messaging.Chat{}, fmt.Errorf("insert: %w", err)
	}
	return m.Chat(), nil
}

// UpdateChat writes the name, members, admin and update time of c.
func (pg *Postgres) UpdateChat(ctx context.Context, c messaging.Chat) (messaging.Chat, error) {
	m := newChat(c)
	err := pg.bun.NewUpdate().
		Model(m).
		Column("name", "member_ids", "admin_id", "updated_at").
		WherePK().
		Returning("*").
		Scan(ctx)
	if err != nil {
		return messaging.Chat{}, scanErr(err)
	}
	return m.Chat(), nil
}

// UpsertUser inserts a user or refreshes its profile.
func (pg *Postgres) UpsertUser(ctx context.Context, u messaging.User) error {
	_, err := pg.bun.NewInsert().
		Model(&user{ID: u.ID, Name: u.Name, Pic: u.Pic, Email: u.Email}).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("pic = EXCLUDED.pic").
		Set("email = EXCLUDED.email").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// GetUsers returns the known users among ids, keyed by id.
func (pg *Postgres) GetUsers(ctx context.Context, ids []string) (map[string]messaging.User, error) {
	out := make(map[string]messaging.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []user
	if err := pg.bun.NewSelect().Model(&users).Where("u.id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u.User()
	}
	return out, nil
}

// SearchUsers matches query against names and emails with ILIKE.
func (pg *Postgres) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]messaging.User, error) {
	var users []user
	pattern := "%" + likeEscaper.Replace(query) + "%"
	err := pg.bun.NewSelect().
		Model(&users).
		Where("u.id != ?", excludeID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("u.name ILIKE ?", pattern).WhereOr("u.email ILIKE ?", pattern)
		}).
		Order("u.name", "u.id").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]messaging.User, len(users))
	for i, u := range users {
		out[i] = u.User()
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// GetMessage returns the message with the given id.
func (pg *Postgres) GetMessage(ctx context.Context, messageID string) (messaging.Message, error) {
	var m message
	if err := pg.bun.NewSelect().Model(&m).Where("m.id = ?", messageID).Scan(ctx); err != nil {
		return messaging.Message{}, scanErr(err)
	}
	return m.Message(), nil
}

// GetMessages returns the existing messages among ids, keyed by id.
func (pg *Postgres) GetMessages(ctx context.Context, ids []string) (map[string]messaging.Message, error) {
	out := make(map[string]messaging.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var msgs []message
	if err := pg.bun.NewSelect().Model(&msgs).Where("m.id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	for _, m := range msgs {
		out[m.ID] = m.Message()
	}
	return out, nil
}

// ListMessages returns the newest messages of a chat matching q.
func (pg *Postgres) ListMessages(ctx context.Context, q messaging.MessageQuery) ([]messaging.Message, error) {
	var msgs []message
	sel := pg.bun.NewSelect().
		Model(&msgs).
		Where("m.chat_id = ?", q.ChatID).
		Order("m.id DESC").
		Limit(q.Limit)

	if q.BeforeID != "" {
		sel = sel.Where("m.id < ?", q.BeforeID)
	}
	if !q.BeforeTime.IsZero() {
		sel = sel.Where("m.created_at < ?", q.BeforeTime)
	}

	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]messaging.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message()
	}
	return out, nil
}

// InsertMessage inserts a message and makes it the latest message of its
// chat in one transaction.
func (pg *Postgres) InsertMessage(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	m := newMessage(msg)
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		res, err := tx.NewUpdate().
			Model((*chat)(nil)).
			Set("latest_message_id = ?", m.ID).
			Set("updated_at = ?", m.CreatedAt).
			Where("id = ?", m.ChatID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update chat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return messaging.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return messaging.Message{}, err
	}
	return m.Message(), nil
}

// UpdateMessage writes the body, edit and deletion fields of msg.
func (pg *Postgres) UpdateMessage(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	m := newMessage(msg)
	err := pg.bun.NewUpdate().
		Model(m).
		Column("type", "content", "attachment", "original_content", "is_deleted", "edited_at", "deleted_at").
		WherePK().
		Returning("*").
		Scan(ctx)
	if err != nil {
		return messaging.Message{}, scanErr(err)
	}
	return m.Message(), nil
}

// ToggleReaction applies a reaction change while holding a row lock on the
// message.
func (pg *Postgres) ToggleReaction(ctx context.Context, messageID string, r messaging.Reaction, mode messaging.ReactionMode) (messaging.Message, bool, error) {
	var (
		m       message
		changed bool
	)
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().Model(&m).Where("m.id = ?", messageID).For("UPDATE").Scan(ctx); err != nil {
			return scanErr(err)
		}
		m.Reactions, changed = messaging.ApplyReaction(m.Reactions, r, mode)
		if !changed {
			return nil
		}
		_, err := tx.NewUpdate().Model(&m).Column("reactions").WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		return messaging.Message{}, false, err
	}
	return m.Message(), changed, nil
}

// AddDeliveredTo adds userID to the delivered set of a message. The update
// only matches when the user is absent, so concurrent calls change it once.
func (pg *Postgres) AddDeliveredTo(ctx context.Context, messageID, userID string) (messaging.Message, bool, error) {
	var m message
	err := pg.bun.NewUpdate().
		Model(&m).
		Set("delivered_to = array_append(delivered_to, ?)", userID).
		Where("id = ?", messageID).
		Where("NOT (? = ANY(delivered_to))", userID).
		Returning("*").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := pg.GetMessage(ctx, messageID)
		return cur, false, err
	}
	if err != nil {
		return messaging.Message{}, false, fmt.Errorf("update: %w", err)
	}
	return m.Message(), true, nil
}

// AddReadBy adds userID to the read set of every message of the chat that
// lacks it.
func (pg *Postgres) AddReadBy(ctx context.Context, chatID, userID string) ([]string, error) {
	var ids []string
	err := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("read_by = array_append(read_by, ?)", userID).
		Where("chat_id = ?", chatID).
		Where("NOT (? = ANY(read_by))", userID).
		Returning("id").
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
