package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-go/pkg/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventTyping, Typing{
		ConversationID: "c1",
		Active:         true,
		Text:           "hel",
	})
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, EventTyping, decoded.Event)

	var payload Typing
	require.NoError(t, decoded.Bind(&payload))
	require.Equal(t, "c1", payload.ConversationID)
	require.True(t, payload.Active)
	require.Equal(t, "hel", payload.Text)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not_json", raw: "not json"},
		{name: "missing_event", raw: `{"data":{}}`},
		{name: "wrong_shape", raw: `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestDecodeUnknownEventIsStillAnEnvelope(t *testing.T) {
	// Forward compatibility: unknown events decode fine and are dropped by
	// the engine, not rejected here.
	env, err := Decode([]byte(`{"event":"conversation:cleared","data":{"x":1}}`))
	require.NoError(t, err)
	require.Equal(t, "conversation:cleared", env.Event)
}

func TestHistorySnapshotConversationFallback(t *testing.T) {
	snap := HistorySnapshot{Messages: []types.Message{
		{ID: "m1", ConversationID: "c9"},
	}}
	require.Equal(t, "c9", snap.Conversation())

	snap.ConversationID = "c1"
	require.Equal(t, "c1", snap.Conversation())

	require.Equal(t, "", HistorySnapshot{}.Conversation())
}

func TestBindEmptyPayload(t *testing.T) {
	env := Envelope{Event: EventAuthError}
	var payload AuthError
	require.Error(t, env.Bind(&payload))
}

func TestHistorySnapshotDecodesServerShape(t *testing.T) {
	raw := []byte(`{
		"event": "history:snapshot",
		"data": {
			"conversationId": "c1",
			"messages": [
				{"id":"m1","conversationId":"c1","sender":"visitor","text":"hi","createdAt":"2026-08-01T10:00:00Z"},
				{"id":"m2","conversationId":"c1","sender":"agent","text":"hello","createdAt":"2026-08-01T10:00:05Z","kind":"normal"}
			]
		}
	}`)

	env, err := Decode(raw)
	require.NoError(t, err)

	var snap HistorySnapshot
	require.NoError(t, env.Bind(&snap))
	require.Len(t, snap.Messages, 2)
	require.Equal(t, types.SenderVisitor, snap.Messages[0].Sender)
	require.False(t, snap.Messages[0].Pending)

	// Widget payloads survive as raw JSON.
	var msg types.Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m3","kind":"widget","widgetPayload":{"type":"csat","scale":5}}`), &msg))
	require.Equal(t, types.KindWidget, msg.Kind)
	require.JSONEq(t, `{"type":"csat","scale":5}`, string(msg.WidgetPayload))
}
