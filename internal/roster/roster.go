// Package roster maintains the agent's ordered session list under
// push-driven upsert events. Order is most-recently-updated first.
package roster

import (
	"github.com/tetherhq/tether-go/pkg/types"
)

// Roster is the ordered session list, keyed by conversation id. It is owned
// by the engine loop and is not safe for concurrent use.
type Roster struct {
	entries []types.SessionRosterEntry
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{}
}

// Len returns the number of entries.
func (r *Roster) Len() int { return len(r.entries) }

// Entries returns the roster in recency order. The slice is a copy.
func (r *Roster) Entries() []types.SessionRosterEntry {
	out := make([]types.SessionRosterEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ReplaceAll swaps in a full roster push wholesale.
func (r *Roster) ReplaceAll(entries []types.SessionRosterEntry) {
	r.entries = make([]types.SessionRosterEntry, len(entries))
	copy(r.entries, entries)
}

// Upsert applies a single-entry push: any existing entry with the same
// conversation id is removed, then the updated entry is prepended. Upserts
// are whole-entry replacements, so this both refreshes the fields and moves
// the conversation to the "just touched" front.
func (r *Roster) Upsert(entry types.SessionRosterEntry) {
	if entry.ConversationID == "" {
		return
	}
	for i, existing := range r.entries {
		if existing.ConversationID == entry.ConversationID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.entries = append([]types.SessionRosterEntry{entry}, r.entries...)
}

// Get returns the entry for a conversation id, if present.
func (r *Roster) Get(conversationID string) (types.SessionRosterEntry, bool) {
	for _, entry := range r.entries {
		if entry.ConversationID == conversationID {
			return entry, true
		}
	}
	return types.SessionRosterEntry{}, false
}
