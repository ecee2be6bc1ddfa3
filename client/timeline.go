package client

import (
	"slices"
	"strings"

	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/messaging"
)

// Status is the local delivery state of a message sent from this device.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// localPrefix marks identities assigned on the device before the server
// accepted a message.
const localPrefix = "local-"

// An Entry is one row of a timeline. Status is empty for messages that were
// not sent from this device.
type Entry struct {
	messaging.Message
	Status Status `json:"status,omitempty"`
}

// IsLocal reports whether the entry still carries a device assigned id.
func (e Entry) IsLocal() bool { return strings.HasPrefix(e.ID, localPrefix) }

// Timeline is the ordered message list of one chat. Entries are sorted by
// creation time and identity, and every identity appears at most once.
// Timeline is not safe for concurrent use.
type Timeline struct {
	ChatID string

	entries []Entry
	cached  map[string]bool

	hasMore      bool
	nextBefore   string
	loadingOlder bool
	fromServer   bool
}

func NewTimeline(chatID string) *Timeline {
	return &Timeline{ChatID: chatID}
}

// Entries returns a copy of the timeline, oldest first.
func (t *Timeline) Entries() []Entry {
	return slices.Clone(t.entries)
}

// Messages returns the messages confirmed by the server, oldest first.
func (t *Timeline) Messages() []messaging.Message {
	out := make([]messaging.Message, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.IsLocal() {
			out = append(out, e.Message)
		}
	}
	return out
}

func (t *Timeline) Len() int { return len(t.entries) }

// HasMore reports whether older pages exist on the server.
func (t *Timeline) HasMore() bool { return t.hasMore }

// Get returns the entry with the given identity.
func (t *Timeline) Get(id string) (Entry, bool) {
	i := t.indexOf(id)
	if i < 0 {
		return Entry{}, false
	}
	return t.entries[i], true
}

func (t *Timeline) indexOf(id string) int {
	return slices.IndexFunc(t.entries, func(e Entry) bool { return e.ID == id })
}

func (t *Timeline) sort() {
	slices.SortStableFunc(t.entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Seed shows cached messages until the first page arrives. It is ignored
// once the server answered.
func (t *Timeline) Seed(msgs []messaging.Message) {
	if t.fromServer {
		return
	}
	if t.cached == nil {
		t.cached = make(map[string]bool, len(msgs))
	}
	for _, m := range msgs {
		if t.upsert(Entry{Message: m}) {
			t.cached[m.ID] = true
		}
	}
	t.sort()
}

// ReplaceWith makes page the authoritative content of the timeline. Cached
// entries missing from page are dropped; entries that only exist locally,
// such as pending sends or messages received live while the page was in
// flight, are kept.
func (t *Timeline) ReplaceWith(page messaging.Page) {
	inPage := make(map[string]bool, len(page.Messages))
	for _, m := range page.Messages {
		inPage[m.ID] = true
	}
	kept := make([]Entry, 0, len(t.entries)+len(page.Messages))
	for _, e := range t.entries {
		if t.cached[e.ID] && !inPage[e.ID] {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	t.cached = nil

	for _, m := range page.Messages {
		t.upsert(Entry{Message: m})
	}
	t.sort()
	t.setCursor(page)
	t.fromServer = true
}

// Refresh merges the newest page into a timeline that is already showing
// server data, keeping older pages, live and pending entries. Before the
// first page it behaves like ReplaceWith. It returns the number of entries
// that were added.
func (t *Timeline) Refresh(page messaging.Page) int {
	added := 0
	for _, m := range page.Messages {
		if t.indexOf(m.ID) < 0 {
			added++
		}
	}
	if !t.fromServer {
		t.ReplaceWith(page)
		return added
	}
	for _, m := range page.Messages {
		t.upsert(Entry{Message: m})
	}
	t.sort()
	return added
}

// BeginLoadOlder reports whether an older page should be fetched and, if
// so, marks the fetch in flight and returns its cursor.
func (t *Timeline) BeginLoadOlder() (before string, ok bool) {
	if t.loadingOlder || !t.hasMore || t.nextBefore == "" {
		return "", false
	}
	t.loadingOlder = true
	return t.nextBefore, true
}

// EndLoadOlder prepends an older page and returns the identity of the entry
// that was topmost before, so the view can keep it in place. A nil page
// records a failed fetch.
func (t *Timeline) EndLoadOlder(page *messaging.Page) (anchor string) {
	t.loadingOlder = false
	if len(t.entries) > 0 {
		anchor = t.entries[0].ID
	}
	if page == nil {
		return anchor
	}
	for _, m := range page.Messages {
		t.upsert(Entry{Message: m})
	}
	t.sort()
	t.setCursor(*page)
	return anchor
}

func (t *Timeline) setCursor(page messaging.Page) {
	t.hasMore = page.HasMore
	t.nextBefore = ""
	if page.NextBefore != nil {
		t.nextBefore = *page.NextBefore
	}
}

// Upsert inserts msg or merges it into the entry with the same identity.
// It reports whether msg was new.
func (t *Timeline) Upsert(msg messaging.Message) bool {
	added := t.upsert(Entry{Message: msg})
	if added {
		t.sort()
	}
	return added
}

func (t *Timeline) upsert(e Entry) bool {
	if i := t.indexOf(e.ID); i >= 0 {
		cur := t.entries[i]
		e.Message = mergeMessage(cur.Message, e.Message)
		if e.Status == "" {
			e.Status = cur.Status
		}
		t.entries[i] = e
		return false
	}
	t.entries = append(t.entries, e)
	return true
}

// mergeMessage takes next as the current state of a message but never lets
// receipt sets shrink, since receipts only grow on the server.
func mergeMessage(cur, next messaging.Message) messaging.Message {
	out := next
	out.DeliveredTo = unionSet(cur.DeliveredTo, next.DeliveredTo)
	out.ReadBy = unionSet(cur.ReadBy, next.ReadBy)
	if out.Sender == nil {
		out.Sender = cur.Sender
	}
	if out.Chat == nil {
		out.Chat = cur.Chat
	}
	if out.ReplyTo == nil {
		out.ReplyTo = cur.ReplyTo
	}
	return out
}

func unionSet(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		out, _ = messaging.AddToSet(out, id)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// AddPending appends a message that has not reached the server yet.
func (t *Timeline) AddPending(msg messaging.Message) {
	t.upsert(Entry{Message: msg, Status: StatusPending})
	t.sort()
}

// Confirm replaces the local entry localID with the stored message. When
// the stored message already arrived through another channel, the local
// entry is dropped instead so the identity is not duplicated.
func (t *Timeline) Confirm(localID string, msg messaging.Message) {
	if i := t.indexOf(localID); i >= 0 {
		t.entries = slices.Delete(t.entries, i, i+1)
	}
	t.upsert(Entry{Message: msg, Status: StatusPending})
	t.sort()
}

// SetStatus changes the local delivery state of an entry.
func (t *Timeline) SetStatus(id string, s Status) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.entries[i].Status = s
	return true
}

// ApplyReceipt adds userID to the delivered or read set of a message. It
// reports whether the set changed.
func (t *Timeline) ApplyReceipt(kind events.Type, messageID, userID string) bool {
	i := t.indexOf(messageID)
	if i < 0 {
		return false
	}
	m := &t.entries[i].Message
	var changed bool
	switch kind {
	case events.MessageDelivered:
		m.DeliveredTo, changed = messaging.AddToSet(m.DeliveredTo, userID)
	case events.MessageRead:
		m.ReadBy, changed = messaging.AddToSet(m.ReadBy, userID)
	}
	return changed
}

// ApplyDeleted turns an entry into its deletion placeholder.
func (t *Timeline) ApplyDeleted(p events.DeletedPayload) bool {
	i := t.indexOf(p.ID)
	if i < 0 {
		return false
	}
	m := &t.entries[i].Message
	deletedAt := p.DeletedAt
	m.Content = p.Content
	m.IsDeleted = true
	m.DeletedAt = &deletedAt
	m.Attachment = nil
	m.Type = messaging.TypeText
	return true
}
