// Package reconcile produces the single source of truth for the
// messages a conversation view displays. It merges three inputs, the
// initial history load, locally-sent pending entries, and
// channel-pushed confirmed rows, into one de-duplicated list ordered
// ascending by timestamp.
package reconcile

import (
	"slices"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/google/uuid"
)

// Entry is one displayed message, either Pending or Confirmed.
// Modeling the two states as distinct types keeps the matching logic
// exhaustive: there is no half-filled record with an optional temp flag.
type Entry interface {
	// At is the ordering timestamp: server-assigned for confirmed rows,
	// client-estimated for pending ones.
	At() time.Time

	isEntry()
}

// Pending is a locally-originated message awaiting store confirmation.
type Pending struct {
	LocalID        uuid.UUID
	ConversationID string
	SenderID       string
	Content        string
	EstimatedAt    time.Time
}

func (p Pending) At() time.Time { return p.EstimatedAt }
func (Pending) isEntry()        {}

// Confirmed is a store-acknowledged row.
type Confirmed struct {
	Row backend.Message
}

func (c Confirmed) At() time.Time { return c.Row.CreatedAt }
func (Confirmed) isEntry()        {}

// Thread holds the merged message list for one conversation. It is not
// safe for concurrent use; the owning controller serializes access.
type Thread struct {
	conversationID string
	entries        []Entry
	seen           map[string]struct{} // confirmed server ids
	now            func() time.Time
}

// NewThread builds a thread from the initial history load. Duplicate
// history rows (same server id) collapse to one entry.
func NewThread(conversationID string, history []backend.Message) *Thread {
	t := &Thread{
		conversationID: conversationID,
		seen:           make(map[string]struct{}),
		now:            time.Now,
	}
	for _, row := range history {
		t.ApplyConfirmed(row)
	}
	return t
}

// ConversationID returns the conversation this thread belongs to.
func (t *Thread) ConversationID() string { return t.conversationID }

// AppendPending adds an optimistic entry and returns it. The stand-in
// timestamp is chosen to sort after the last known entry so a pending
// bubble never jumps above confirmed history.
func (t *Thread) AppendPending(senderID, content string) Pending {
	est := t.now()
	if last := t.lastAt(); !est.After(last) {
		est = last.Add(time.Millisecond)
	}
	p := Pending{
		LocalID:        uuid.New(),
		ConversationID: t.conversationID,
		SenderID:       senderID,
		Content:        content,
		EstimatedAt:    est,
	}
	t.insert(p)
	return p
}

// ApplyConfirmed folds a store-confirmed row into the list. The first
// arrival replaces a matching pending entry in place; any later arrival
// of the same server id (send response vs channel echo, in either
// order) leaves the list unchanged. Rows for other conversations are
// ignored. Reports whether the list changed.
func (t *Thread) ApplyConfirmed(row backend.Message) bool {
	if row.ConversationID != t.conversationID {
		return false
	}
	if _, dup := t.seen[row.ID]; dup {
		return false
	}
	t.seen[row.ID] = struct{}{}

	// Promote the matching pending entry if one is outstanding.
	for i, e := range t.entries {
		p, ok := e.(Pending)
		if !ok {
			continue
		}
		if p.SenderID == row.SenderID && p.Content == row.Content {
			t.entries = slices.Delete(t.entries, i, i+1)
			break
		}
	}

	t.insert(Confirmed{Row: row})
	return true
}

// RemovePending drops a pending entry after a failed send. Reports
// whether the entry was present.
func (t *Thread) RemovePending(localID uuid.UUID) bool {
	for i, e := range t.entries {
		if p, ok := e.(Pending); ok && p.LocalID == localID {
			t.entries = slices.Delete(t.entries, i, i+1)
			return true
		}
	}
	return false
}

// Entries returns a copy of the merged list, ascending by timestamp.
func (t *Thread) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of displayed entries.
func (t *Thread) Len() int { return len(t.entries) }

func (t *Thread) lastAt() time.Time {
	if len(t.entries) == 0 {
		return time.Time{}
	}
	return t.entries[len(t.entries)-1].At()
}

func (t *Thread) insert(e Entry) {
	idx, _ := slices.BinarySearchFunc(t.entries, e, compareEntries)
	// Equal timestamps: place after existing entries so arrival order is
	// preserved within a tick.
	for idx < len(t.entries) && compareEntries(t.entries[idx], e) == 0 {
		idx++
	}
	t.entries = slices.Insert(t.entries, idx, e)
}

func compareEntries(a, b Entry) int {
	if c := a.At().Compare(b.At()); c != 0 {
		return c
	}
	// Confirmed rows sort before pending ones at the same instant.
	ap, bp := rank(a), rank(b)
	switch {
	case ap < bp:
		return -1
	case ap > bp:
		return 1
	default:
		return 0
	}
}

func rank(e Entry) int {
	if _, ok := e.(Pending); ok {
		return 1
	}
	return 0
}
