// Package types holds the domain types shared by the synchronization engine
// and its consumers (the agent workspace and the visitor widget).
package types

import (
	"encoding/json"
	"time"
)

// Role selects which client surface the engine is running for.
type Role string

const (
	// RoleAgent is the support-agent workspace.
	RoleAgent Role = "agent"
	// RoleVisitor is the embedded visitor widget.
	RoleVisitor Role = "visitor"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderAgent   Sender = "agent"
	SenderSystem  Sender = "system"
)

// MessageKind classifies a message within a conversation.
type MessageKind string

const (
	// KindNormal is a regular chat message visible to both sides.
	KindNormal MessageKind = "normal"
	// KindInternalNote is an agent-only note, never shown to the visitor.
	KindInternalNote MessageKind = "internal-note"
	// KindWidget is a structured widget message rendered by the visitor widget.
	KindWidget MessageKind = "widget"
)

// Message is a single entry in a conversation timeline.
//
// ID is server-assigned for confirmed messages. Locally originated messages
// carry a temporary id (see the timeline package) until the server confirms
// them; such entries have Pending set.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Sender         Sender          `json:"sender"`
	Text           string          `json:"text"`
	// CreatedAt is an ISO-8601 timestamp. Confirmed timestamps are
	// server-issued, so string comparison is a valid ordering.
	CreatedAt     string          `json:"createdAt"`
	Kind          MessageKind     `json:"kind,omitempty"`
	WidgetPayload json.RawMessage `json:"widgetPayload,omitempty"`
	// Pending marks an optimistic local entry that the server has not
	// confirmed yet. Never set on wire-received messages.
	Pending bool `json:"pending,omitempty"`
}

// SessionStatus is the lifecycle state of a conversation in the roster.
type SessionStatus string

const (
	StatusOpen     SessionStatus = "open"
	StatusAwaiting SessionStatus = "awaiting"
	StatusClosed   SessionStatus = "closed"
)

// SessionRosterEntry is one conversation in the agent's session roster.
//
// Roster upserts are whole-entry replacements; there is no field-level merge.
type SessionRosterEntry struct {
	ConversationID     string        `json:"conversationId"`
	Status             SessionStatus `json:"status"`
	LastMessagePreview string        `json:"lastMessagePreview,omitempty"`
	UpdatedAt          string        `json:"updatedAt"`
	AssignedAgentID    string        `json:"assignedAgentId,omitempty"`
	TeamID             string        `json:"teamId,omitempty"`
	VisitorName        string        `json:"visitorName,omitempty"`
}

// TypingState is the decoded remote-typing fact for one conversation.
//
// Draft carries a live preview of what the counterpart is typing; it is only
// meaningful while Active is true.
type TypingState struct {
	Active       bool
	Draft        string
	LastSignalAt time.Time
}

// Timestamp formats t in the wire timestamp format used for CreatedAt.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
