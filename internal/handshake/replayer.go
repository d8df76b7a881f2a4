// Package handshake tracks the subscription intent that must be replayed
// after every reconnect: identity first, then the focused conversation's
// watch and history requests.
package handshake

import (
	"github.com/tetherhq/tether-go/internal/wire"
	"github.com/tetherhq/tether-go/pkg/logger"
	"github.com/tetherhq/tether-go/pkg/types"
)

// Intent is the set of facts replayed verbatim on every socket open.
//
// It is created on login/session bootstrap, updated when focus changes, and
// cleared on logout.
type Intent struct {
	// Credential is the agent auth token or the generated visitor session id.
	Credential string
	// Role is the client surface identity announced to the server.
	Role types.Role
	// ConversationID is the currently focused conversation; empty when none.
	ConversationID string
}

// Replayer re-issues the identity/subscription envelopes needed to resume
// exactly where the client left off. It is owned by the engine loop and is
// not safe for concurrent use.
type Replayer struct {
	intent Intent
}

// New creates a Replayer with the initial identity.
func New(role types.Role, credential string) *Replayer {
	return &Replayer{intent: Intent{Role: role, Credential: credential}}
}

// Intent returns the current intent.
func (r *Replayer) Intent() Intent {
	return r.intent
}

// SetCredential updates the identity replayed on the next open.
func (r *Replayer) SetCredential(credential string) {
	r.intent.Credential = credential
}

// SetFocus records the focused conversation; pass "" to clear focus.
func (r *Replayer) SetFocus(conversationID string) {
	r.intent.ConversationID = conversationID
}

// Clear wipes the intent on logout.
func (r *Replayer) Clear() {
	r.intent = Intent{Role: r.intent.Role}
}

// Replay emits, in order: identity:join, then (if a conversation is focused)
// watch-conversation and request-history. The order matters: the server only
// streams live events after watch is registered, and history must be
// re-requested every time because events missed while disconnected are
// recovered by re-snapshot, not gap-filling.
func (r *Replayer) Replay(send func(wire.Envelope) bool) {
	if r.intent.Credential == "" {
		logger.Debugf("handshake: no credential, skipping replay")
		return
	}

	r.emit(send, wire.EventIdentityJoin, wire.IdentityJoin{
		Credential: r.intent.Credential,
		Role:       r.intent.Role,
	})

	conv := r.intent.ConversationID
	if conv == "" {
		return
	}
	r.emit(send, wire.EventWatchConversation, wire.WatchConversation{ConversationID: conv})
	r.emit(send, wire.EventRequestHistory, wire.RequestHistory{ConversationID: conv})
}

func (r *Replayer) emit(send func(wire.Envelope) bool, event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		logger.Errorf("handshake: encode %s failed: %v", event, err)
		return
	}
	if !send(env) {
		logger.Debugf("handshake: %s dropped, socket not open", event)
	}
}
