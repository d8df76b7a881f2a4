// Package wire defines the socket envelope format and the typed payloads for
// every recognized event, in both directions.
//
// The unit of the websocket payload is a JSON envelope: {"event": string,
// "data": object}. Malformed payloads are dropped by the caller; nothing in
// this package panics on bad input.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tetherhq/tether-go/pkg/types"
)

// Client -> server events.
const (
	EventIdentityJoin      = "identity:join"
	EventWatchConversation = "watch-conversation"
	EventRequestHistory    = "request-history"
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
)

// Server -> client events.
const (
	EventRosterList      = "roster:list"
	EventRosterUpsert    = "roster:upsert"
	EventHistorySnapshot = "history:snapshot"
	EventMessageNew      = "message:new"
	EventAuthError       = "auth:error"
)

// Envelope is the unit of the websocket payload, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope for event with the given payload.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode parses a raw websocket frame into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// Marshal renders the envelope as a websocket frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// IdentityJoin announces the client identity after every connect.
type IdentityJoin struct {
	// Credential is the agent auth token or the generated visitor session id.
	Credential string `json:"credential"`
	// Role distinguishes the two client surfaces.
	Role types.Role `json:"role"`
}

// WatchConversation subscribes to live events for one conversation.
type WatchConversation struct {
	ConversationID string `json:"conversationId"`
}

// RequestHistory asks the server to push a fresh history snapshot.
type RequestHistory struct {
	ConversationID string `json:"conversationId"`
}

// SendMessage is the socket-borne message send used by the visitor widget.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Internal       bool   `json:"internal,omitempty"`
}

// Typing is the bidirectional typing-presence signal.
type Typing struct {
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"active"`
	// Text is a live preview of the draft, present while Active.
	Text string `json:"text,omitempty"`
}

// RosterList is the full-roster push; it replaces the roster wholesale.
type RosterList struct {
	Sessions []types.SessionRosterEntry `json:"sessions"`
}

// RosterUpsert carries a single whole-entry roster replacement.
type RosterUpsert struct {
	Session types.SessionRosterEntry `json:"session"`
}

// HistorySnapshot is a server-pushed history baseline for one conversation.
type HistorySnapshot struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Messages       []types.Message `json:"messages"`
}

// Conversation returns the conversation the snapshot belongs to, falling back
// to the first message when the server omits the top-level id.
func (h HistorySnapshot) Conversation() string {
	if h.ConversationID != "" {
		return h.ConversationID
	}
	if len(h.Messages) > 0 {
		return h.Messages[0].ConversationID
	}
	return ""
}

// AuthError is the fatal authentication fault push.
type AuthError struct {
	Reason string `json:"reason,omitempty"`
}
