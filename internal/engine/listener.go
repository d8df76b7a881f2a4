package engine

import (
	"github.com/tetherhq/tether-go/internal/socket"
	"github.com/tetherhq/tether-go/pkg/types"
)

// Listener receives engine output state. The UI is expected to be a pure
// view over these callbacks.
//
// Callbacks are invoked from the engine loop; implementations must not call
// back into the engine synchronously and should hand work off to their own
// context quickly.
type Listener interface {
	// OnConnectionState reports socket lifecycle transitions.
	OnConnectionState(state socket.State)
	// OnTimeline delivers the reconciled message list for the focused
	// conversation after every change.
	OnTimeline(conversationID string, messages []types.Message)
	// OnRoster delivers the session roster after every change. Agent role only.
	OnRoster(entries []types.SessionRosterEntry)
	// OnRemoteTyping reports the remote typing fact for a conversation; a
	// zero TypingState means cleared.
	OnRemoteTyping(conversationID string, state types.TypingState)
	// OnAuthError reports the fatal authentication fault. The engine has
	// already cleared the credential and stopped reconnecting.
	OnAuthError(reason string)
	// OnSendFailed reports a failed optimistic send after its entry was
	// removed from the timeline. Local-only and non-fatal.
	OnSendFailed(conversationID, tempID string, err error)
}

// NopListener is a Listener that ignores everything. Embed it to implement
// only the callbacks a consumer cares about.
type NopListener struct{}

func (NopListener) OnConnectionState(socket.State)               {}
func (NopListener) OnTimeline(string, []types.Message)           {}
func (NopListener) OnRoster([]types.SessionRosterEntry)          {}
func (NopListener) OnRemoteTyping(string, types.TypingState)     {}
func (NopListener) OnAuthError(string)                           {}
func (NopListener) OnSendFailed(string, string, error)           {}

var _ Listener = NopListener{}
