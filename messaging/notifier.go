package messaging

import (
	"context"
	"strings"
	"time"
)

// ChangeKind names an accepted state transition.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeReaction  ChangeKind = "reaction"
	ChangeDelivered ChangeKind = "delivered"
	ChangeRead      ChangeKind = "read"
)

// A Change describes one accepted mutation. Changes are only produced when
// stored state actually changed.
type Change struct {
	Kind ChangeKind
	Chat Chat

	// Message is the hydrated message for every kind except ChangeRead.
	Message Message

	// MessageIDs lists the messages marked read, in chronological order.
	MessageIDs []string

	// UserID is the user whose receipt was recorded.
	UserID string

	At time.Time
}

// A Notifier is told about changes after they were stored. Notify must not
// block for long: it runs while the chat is locked.
type Notifier interface {
	Notify(ctx context.Context, c Change)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, c Change)

func (f NotifierFunc) Notify(ctx context.Context, c Change) { f(ctx, c) }

// Notifiers fans a change out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, c Change) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, c)
		}
	}
}

// ReactionMode selects how ApplyReaction treats an existing entry.
type ReactionMode uint8

const (
	// ReactionToggle removes an existing entry or appends a missing one.
	ReactionToggle ReactionMode = iota
	// ReactionRemove only removes an existing entry.
	ReactionRemove
)

// ApplyReaction returns the reaction list after applying r under mode. The
// second result reports whether the list changed.
func ApplyReaction(reactions []Reaction, r Reaction, mode ReactionMode) ([]Reaction, bool) {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, existing := range reactions {
		if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			found = true
			continue
		}
		out = append(out, existing)
	}
	switch {
	case found:
		return out, true
	case mode == ReactionToggle:
		return append(out, r), true
	default:
		return out, false
	}
}

// NormalizeEmoji trims surrounding whitespace and rejects empty values.
func NormalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return "", Validationf("Emoji is required")
	}
	return emoji, nil
}
