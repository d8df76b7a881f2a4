// Package timeline merges the three sources of message truth — snapshot
// pushes, point-event pushes, and locally originated optimistic sends — into
// one ordered, id-deduplicated message list per conversation.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tetherhq/tether-go/pkg/logger"
	"github.com/tetherhq/tether-go/pkg/types"
)

// localSeq numbers temporary ids. Process-wide and monotonic; the "local-"
// namespace keeps them from ever colliding with server-assigned ids.
var localSeq atomic.Int64

// NextLocalID returns a fresh temporary message id.
func NextLocalID() string {
	return fmt.Sprintf("local-%d", localSeq.Add(1))
}

// IsLocalID reports whether id is a temporary, client-assigned id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, "local-")
}

// Timeline is the reconciled message sequence for one conversation.
//
// Confirmed messages are tracked by final id; still-pending optimistic
// entries sit in the same display slice but are excluded from the id map
// until confirmed. Timeline is owned by the engine loop and is not safe for
// concurrent use.
type Timeline struct {
	conversationID string
	entries        []types.Message
	known          map[string]struct{} // confirmed final ids
	pending        map[string]struct{} // temporary ids
}

// New creates an empty timeline for a conversation.
func New(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		known:          make(map[string]struct{}),
		pending:        make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() string { return t.conversationID }

// Len returns the number of displayed entries, pending included.
func (t *Timeline) Len() int { return len(t.entries) }

// Messages returns the displayed timeline in order. The slice is a copy.
func (t *Timeline) Messages() []types.Message {
	out := make([]types.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// ApplySnapshot merges a history snapshot: union by id, never dropping ids
// already known. The one exception: an empty snapshot against a non-empty
// local view is treated as stale and ignored, because an active conversation
// cannot legitimately revert to zero messages on a reconnect replay.
//
// It reports whether the displayed timeline changed.
func (t *Timeline) ApplySnapshot(msgs []types.Message) bool {
	if len(msgs) == 0 && len(t.entries) > 0 {
		logger.Debugf("timeline[%s]: ignoring empty snapshot over %d messages",
			t.conversationID, len(t.entries))
		return false
	}

	changed := false
	for _, msg := range msgs {
		if t.addConfirmed(msg) {
			changed = true
		}
	}
	if changed {
		t.sortEntries()
	}
	return changed
}

// ApplyPush merges a single pushed message. A push whose sender and text
// match a pending optimistic entry confirms that entry in place (the server
// echo of our own send); anything else unknown is appended in timestamp
// order. It reports whether the displayed timeline changed.
func (t *Timeline) ApplyPush(msg types.Message) bool {
	if msg.ID == "" || IsLocalID(msg.ID) {
		// A push without a real server-assigned id is malformed; letting it
		// through would confirm a pending entry with an unusable id.
		return false
	}
	if msg.ConversationID != t.conversationID {
		return false
	}
	if _, ok := t.known[msg.ID]; ok {
		return false
	}

	// Same causal send as a pending optimistic entry: swap in place so the
	// entry keeps its position and the UI never jumps.
	if i, ok := t.matchPending(msg); ok {
		tempID := t.entries[i].ID
		delete(t.pending, tempID)
		msg.Pending = false
		t.entries[i] = msg
		t.known[msg.ID] = struct{}{}
		logger.Tracef("timeline[%s]: push %s confirmed pending %s", t.conversationID, msg.ID, tempID)
		return true
	}

	if !t.addConfirmed(msg) {
		return false
	}
	t.sortEntries()
	return true
}

// AppendLocal appends an optimistic entry with a fresh temporary id and
// returns that id. The entry shows immediately, before any server roundtrip.
func (t *Timeline) AppendLocal(msg types.Message) string {
	msg.ID = NextLocalID()
	msg.ConversationID = t.conversationID
	msg.Pending = true
	t.entries = append(t.entries, msg)
	t.pending[msg.ID] = struct{}{}
	return msg.ID
}

// Confirm replaces the optimistic entry tempID with the server-confirmed
// message, preserving its position. If a push already confirmed the same
// message id, the leftover temp entry is simply removed.
func (t *Timeline) Confirm(tempID string, msg types.Message) bool {
	i, ok := t.indexOf(tempID)
	if !ok {
		return false
	}
	delete(t.pending, tempID)

	if _, dup := t.known[msg.ID]; dup {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		return true
	}

	msg.Pending = false
	if msg.ConversationID == "" {
		msg.ConversationID = t.conversationID
	}
	t.entries[i] = msg
	t.known[msg.ID] = struct{}{}
	return true
}

// Fail removes the optimistic entry for a failed send. Local-only and
// non-fatal; the rest of the timeline is untouched.
func (t *Timeline) Fail(tempID string) bool {
	i, ok := t.indexOf(tempID)
	if !ok {
		return false
	}
	delete(t.pending, tempID)
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

func (t *Timeline) addConfirmed(msg types.Message) bool {
	if msg.ID == "" || IsLocalID(msg.ID) {
		return false
	}
	if _, ok := t.known[msg.ID]; ok {
		return false
	}
	if msg.ConversationID != "" && msg.ConversationID != t.conversationID {
		return false
	}
	msg.Pending = false
	if msg.ConversationID == "" {
		msg.ConversationID = t.conversationID
	}
	t.entries = append(t.entries, msg)
	t.known[msg.ID] = struct{}{}
	return true
}

func (t *Timeline) matchPending(msg types.Message) (int, bool) {
	for i, entry := range t.entries {
		if !entry.Pending {
			continue
		}
		if entry.Sender == msg.Sender && entry.Text == msg.Text {
			return i, true
		}
	}
	return 0, false
}

func (t *Timeline) indexOf(id string) (int, bool) {
	for i, entry := range t.entries {
		if entry.ID == id {
			return i, true
		}
	}
	return 0, false
}

// sortEntries restores ascending createdAt order. The sort is stable so
// same-timestamp entries keep arrival order; timestamps are server-issued
// ISO-8601 strings, so lexicographic comparison is the causal order.
func (t *Timeline) sortEntries() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].CreatedAt < t.entries[j].CreatedAt
	})
}
