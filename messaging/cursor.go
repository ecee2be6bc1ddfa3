package messaging

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

// NormalizeLimit falls back to DefaultPageLimit for non-positive values and
// clamps the rest to MaxPageLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	return min(limit, MaxPageLimit)
}

// A Cursor bounds a history query to messages strictly older than either a
// message or a point in time.
type Cursor struct {
	ID   string
	Time time.Time
}

// IsZero reports whether c imposes no bound.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.Time.IsZero()
}

var cursorLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// ParseCursor accepts a message id or an ISO 8601 timestamp.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	if id, err := uuid.Parse(s); err == nil {
		return Cursor{ID: id.String()}, nil
	}
	for _, layout := range cursorLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Cursor{Time: t}, nil
		}
	}
	return Cursor{}, Validationf("Invalid before query param. Use ISO date or message id.")
}

// NewID returns a time ordered identity. Sorting ids as strings orders them
// by creation.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidID reports whether s is a well formed identity.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

func canonicalID(s string) (string, bool) {
	id, err := uuid.Parse(s)
	if err != nil || len(s) != 36 {
		return "", false
	}
	return id.String(), true
}
