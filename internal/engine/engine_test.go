package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-go/internal/clock/clocktest"
	"github.com/tetherhq/tether-go/internal/rest"
	"github.com/tetherhq/tether-go/internal/socket"
	"github.com/tetherhq/tether-go/internal/timeline"
	"github.com/tetherhq/tether-go/internal/typing"
	"github.com/tetherhq/tether-go/internal/wire"
	"github.com/tetherhq/tether-go/pkg/types"
)

// fakeConn is an in-memory websocket conn driven by the test as the server.
type fakeConn struct {
	incoming chan []byte
	mu       sync.Mutex
	written  []wire.Envelope
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(event, payload)
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)
	c.incoming <- raw
}

func (c *fakeConn) writtenEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, env := range c.written {
		out = append(out, env.Event)
	}
	return out
}

func (c *fakeConn) writtenEnvelopes() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Envelope, len(c.written))
	copy(out, c.written)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(string) (socket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// fakeRest is an in-memory RestAPI.
type fakeRest struct {
	mu       sync.Mutex
	history  map[string][]types.Message
	gates    map[string]chan struct{} // block History for a conversation
	entries  []types.SessionRosterEntry
	sendErr  error
	sendGate chan struct{} // block SendMessage until released
	nextID   int
}

func newFakeRest() *fakeRest {
	return &fakeRest{
		history: map[string][]types.Message{},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeRest) History(ctx context.Context, conversationID string) ([]types.Message, error) {
	f.mu.Lock()
	gate := f.gates[conversationID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Message(nil), f.history[conversationID]...), nil
}

func (f *fakeRest) Roster(ctx context.Context) ([]types.SessionRosterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SessionRosterEntry(nil), f.entries...), nil
}

func (f *fakeRest) SendMessage(ctx context.Context, conversationID string, req rest.SendRequest) (types.Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Message{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return types.Message{}, f.sendErr
	}
	f.nextID++
	kind := types.KindNormal
	if req.Internal {
		kind = types.KindInternalNote
	}
	return types.Message{
		ID:             fmt.Sprintf("m-%d", f.nextID),
		ConversationID: conversationID,
		Sender:         req.Sender,
		Text:           req.Text,
		CreatedAt:      "2026-08-01T12:00:00Z",
		Kind:           kind,
	}, nil
}

// recListener records engine output.
type recListener struct {
	mu        sync.Mutex
	timelines map[string][]types.Message
	roster    []types.SessionRosterEntry
	typing    map[string]types.TypingState
	failures  []string
	authErrs  chan string
	states    chan socket.State
	updates   chan struct{}
}

func newRecListener() *recListener {
	return &recListener{
		timelines: map[string][]types.Message{},
		typing:    map[string]types.TypingState{},
		authErrs:  make(chan string, 4),
		states:    make(chan socket.State, 64),
		updates:   make(chan struct{}, 256),
	}
}

func (l *recListener) notify() {
	select {
	case l.updates <- struct{}{}:
	default:
	}
}

func (l *recListener) OnConnectionState(s socket.State) {
	l.states <- s
}

func (l *recListener) OnTimeline(conv string, msgs []types.Message) {
	l.mu.Lock()
	l.timelines[conv] = msgs
	l.mu.Unlock()
	l.notify()
}

func (l *recListener) OnRoster(entries []types.SessionRosterEntry) {
	l.mu.Lock()
	l.roster = entries
	l.mu.Unlock()
	l.notify()
}

func (l *recListener) OnRemoteTyping(conv string, st types.TypingState) {
	l.mu.Lock()
	l.typing[conv] = st
	l.mu.Unlock()
	l.notify()
}

func (l *recListener) OnAuthError(reason string) {
	l.authErrs <- reason
}

func (l *recListener) OnSendFailed(conv, tempID string, err error) {
	l.mu.Lock()
	l.failures = append(l.failures, tempID)
	l.mu.Unlock()
	l.notify()
}

func (l *recListener) timeline(conv string) []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Message(nil), l.timelines[conv]...)
}

func (l *recListener) rosterIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.roster))
	for _, e := range l.roster {
		out = append(out, e.ConversationID)
	}
	return out
}

func (l *recListener) remoteTyping(conv string) types.TypingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.typing[conv]
}

type fixture struct {
	t        *testing.T
	engine   *Engine
	dialer   *fakeDialer
	restAPI  *fakeRest
	listener *recListener
	clk      *clocktest.FakeClock
	cleared  chan struct{}
}

func newFixture(t *testing.T, role types.Role) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		dialer:   &fakeDialer{},
		restAPI:  newFakeRest(),
		listener: newRecListener(),
		clk:      clocktest.NewFakeClock(time.Unix(1_700_000_000, 0)),
		cleared:  make(chan struct{}, 1),
	}
	cfg := Config{
		Role:       role,
		Credential: "cred-1",
		SocketURL:  "wss://example.test/v1/stream",
		Dial:       f.dialer.dial,
		Clock:      f.clk,
		Listener:   f.listener,
		Credentials: credFunc(func() error {
			f.cleared <- struct{}{}
			return nil
		}),
	}
	if role == types.RoleAgent {
		cfg.Rest = f.restAPI
	}
	f.engine = New(cfg)
	f.engine.Start()
	t.Cleanup(f.engine.Stop)
	f.waitState(socket.StateOpen)
	return f
}

// sync waits until every previously posted loop task has run.
func (f *fixture) sync() {
	done := make(chan struct{})
	f.engine.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		f.t.Fatal("engine loop stalled")
	}
}

func (f *fixture) waitState(want socket.State) {
	f.t.Helper()
	for {
		select {
		case s := <-f.listener.states:
			if s == want {
				return
			}
		case <-time.After(2 * time.Second):
			f.t.Fatalf("timed out waiting for connection state %s", want)
		}
	}
}

func (f *fixture) conn() *fakeConn {
	return f.dialer.conn(f.dialer.dialCount() - 1)
}

func serverMsg(id, conv, text string, sender types.Sender, at string) types.Message {
	return types.Message{ID: id, ConversationID: conv, Sender: sender, Text: text, CreatedAt: at}
}

func TestHandshakeReplayOrderOnConnect(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)

	require.Eventually(t, func() bool {
		return len(f.conn().writtenEvents()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{wire.EventIdentityJoin}, f.conn().writtenEvents())

	f.engine.FocusConversation("c1")
	f.sync()

	// Mid-connection focus sends watch + history request.
	events := f.conn().writtenEvents()
	require.Equal(t, []string{
		wire.EventIdentityJoin,
		wire.EventWatchConversation,
		wire.EventRequestHistory,
	}, events)
}

func TestReconnectReplaysFullHandshakeOnce(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	// Server-side drop, then the single reconnect timer fires.
	f.conn().Close()
	f.waitState(socket.StateClosed)
	f.clk.Advance(socket.ReconnectDelay)
	f.waitState(socket.StateOpen)
	require.Equal(t, 2, f.dialer.dialCount())

	require.Eventually(t, func() bool {
		return len(f.conn().writtenEvents()) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{
		wire.EventIdentityJoin,
		wire.EventWatchConversation,
		wire.EventRequestHistory,
	}, f.conn().writtenEvents())
}

func TestIdempotentReplayAfterReconnect(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	history := []types.Message{
		serverMsg("m1", "c1", "hi", types.SenderVisitor, "2026-08-01T10:00:00Z"),
		serverMsg("m2", "c1", "hello", types.SenderAgent, "2026-08-01T10:00:05Z"),
	}
	f.conn().push(t, wire.EventHistorySnapshot, wire.HistorySnapshot{ConversationID: "c1", Messages: history})
	f.conn().push(t, wire.EventMessageNew, serverMsg("m3", "c1", "anyone?", types.SenderVisitor, "2026-08-01T10:00:09Z"))

	require.Eventually(t, func() bool {
		return len(f.listener.timeline("c1")) == 3
	}, 2*time.Second, 5*time.Millisecond)
	before := f.listener.timeline("c1")

	// Disconnect with unchanged server state; reconnect replays the same
	// snapshot, now including m3.
	f.conn().Close()
	f.waitState(socket.StateClosed)
	f.clk.Advance(socket.ReconnectDelay)
	f.waitState(socket.StateOpen)

	f.conn().push(t, wire.EventHistorySnapshot, wire.HistorySnapshot{
		ConversationID: "c1",
		Messages: append(append([]types.Message(nil), history...),
			serverMsg("m3", "c1", "anyone?", types.SenderVisitor, "2026-08-01T10:00:09Z")),
	})
	f.sync()

	require.Equal(t, before, f.listener.timeline("c1"))
}

func TestEmptySnapshotAfterReconnectIsIgnored(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	f.conn().push(t, wire.EventHistorySnapshot, wire.HistorySnapshot{ConversationID: "c1", Messages: []types.Message{
		serverMsg("m1", "c1", "a", types.SenderVisitor, "2026-08-01T10:00:00Z"),
		serverMsg("m2", "c1", "b", types.SenderAgent, "2026-08-01T10:00:01Z"),
		serverMsg("m3", "c1", "c", types.SenderVisitor, "2026-08-01T10:00:02Z"),
	}})
	require.Eventually(t, func() bool {
		return len(f.listener.timeline("c1")) == 3
	}, 2*time.Second, 5*time.Millisecond)

	f.conn().push(t, wire.EventHistorySnapshot, wire.HistorySnapshot{ConversationID: "c1"})
	f.sync()
	require.Len(t, f.listener.timeline("c1"), 3)
}

func TestAgentFocusLoadsHistoryViaRest(t *testing.T) {
	f := newFixture(t, types.RoleAgent)
	f.restAPI.mu.Lock()
	f.restAPI.history["c1"] = []types.Message{
		serverMsg("m1", "c1", "hi", types.SenderVisitor, "2026-08-01T10:00:00Z"),
	}
	f.restAPI.mu.Unlock()

	f.engine.FocusConversation("c1")
	require.Eventually(t, func() bool {
		return len(f.listener.timeline("c1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStaleHistoryResponseIsDiscarded(t *testing.T) {
	f := newFixture(t, types.RoleAgent)

	gate := make(chan struct{})
	f.restAPI.mu.Lock()
	f.restAPI.history["c1"] = []types.Message{
		serverMsg("old-1", "c1", "old", types.SenderVisitor, "2026-08-01T09:00:00Z"),
	}
	f.restAPI.history["c2"] = []types.Message{
		serverMsg("m1", "c2", "new", types.SenderVisitor, "2026-08-01T10:00:00Z"),
	}
	f.restAPI.gates["c1"] = gate
	f.restAPI.mu.Unlock()

	f.engine.FocusConversation("c1")
	f.sync()
	f.engine.FocusConversation("c2")
	require.Eventually(t, func() bool {
		return len(f.listener.timeline("c2")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The slow c1 response lands after focus moved on; it must not clobber
	// anything.
	close(gate)
	time.Sleep(50 * time.Millisecond)
	f.sync()
	require.Empty(t, f.listener.timeline("c1"))
	require.Len(t, f.listener.timeline("c2"), 1)
}

func TestAgentOptimisticSendConfirmsInPlace(t *testing.T) {
	f := newFixture(t, types.RoleAgent)
	f.engine.FocusConversation("c1")
	f.sync()

	// Hold the ack back so the pending entry is observable.
	gate := make(chan struct{})
	f.restAPI.mu.Lock()
	f.restAPI.sendGate = gate
	f.restAPI.mu.Unlock()

	f.engine.SendMessage("hello there", false)
	f.sync()

	msgs := f.listener.timeline("c1")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Pending)
	require.True(t, timeline.IsLocalID(msgs[0].ID))

	// Ack swaps it in place.
	close(gate)
	require.Eventually(t, func() bool {
		got := f.listener.timeline("c1")
		return len(got) == 1 && !got[0].Pending && got[0].ID == "m-1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentSendFailureRemovesEntry(t *testing.T) {
	f := newFixture(t, types.RoleAgent)
	f.engine.FocusConversation("c1")
	f.sync()

	f.restAPI.mu.Lock()
	f.restAPI.sendErr = errors.New("boom")
	f.restAPI.mu.Unlock()

	f.engine.SendMessage("doomed", false)
	require.Eventually(t, func() bool {
		f.listener.mu.Lock()
		defer f.listener.mu.Unlock()
		return len(f.listener.failures) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, f.listener.timeline("c1"))

	// Send faults are non-fatal: the connection stays open.
	require.Equal(t, socket.StateOpen, f.engine.ConnectionState())
}

func TestVisitorSendConfirmedByServerEcho(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	f.engine.SendMessage("hi", false)
	f.sync()

	envs := f.conn().writtenEnvelopes()
	var send wire.SendMessage
	require.NoError(t, envs[len(envs)-1].Bind(&send))
	require.Equal(t, "hi", send.Text)

	msgs := f.listener.timeline("c1")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Pending)

	// Server echo confirms the optimistic entry without duplication.
	f.conn().push(t, wire.EventMessageNew, serverMsg("m-42", "c1", "hi", types.SenderVisitor, "2026-08-01T10:00:06Z"))
	require.Eventually(t, func() bool {
		got := f.listener.timeline("c1")
		return len(got) == 1 && got[0].ID == "m-42" && !got[0].Pending
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTypingBurstGoesOverTheWire(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	f.engine.Keystroke("h")
	f.engine.Keystroke("he")
	f.engine.Keystroke("hel")
	f.sync()

	countTyping := func(active bool) int {
		n := 0
		for _, env := range f.conn().writtenEnvelopes() {
			if env.Event != wire.EventTyping {
				continue
			}
			var p wire.Typing
			if err := env.Bind(&p); err == nil && p.Active == active {
				n++
			}
		}
		return n
	}

	require.Equal(t, 1, countTyping(true))
	require.Equal(t, 0, countTyping(false))

	f.clk.Advance(typing.IdleDelay)
	f.sync()
	require.Equal(t, 1, countTyping(true))
	require.Equal(t, 1, countTyping(false))
}

func TestCounterpartMessageClearsRemoteTyping(t *testing.T) {
	f := newFixture(t, types.RoleAgent)
	f.engine.FocusConversation("c1")
	f.sync()

	f.conn().push(t, wire.EventTyping, wire.Typing{ConversationID: "c1", Active: true, Text: "I was wonder"})
	require.Eventually(t, func() bool {
		return f.listener.remoteTyping("c1").Active
	}, 2*time.Second, 5*time.Millisecond)

	f.conn().push(t, wire.EventMessageNew, serverMsg("m5", "c1", "I was wondering", types.SenderVisitor, "2026-08-01T10:00:06Z"))
	require.Eventually(t, func() bool {
		return !f.listener.remoteTyping("c1").Active
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRosterUpsertMovesConversationToFront(t *testing.T) {
	f := newFixture(t, types.RoleAgent)

	f.conn().push(t, wire.EventRosterList, wire.RosterList{Sessions: []types.SessionRosterEntry{
		{ConversationID: "c1", Status: types.StatusOpen},
		{ConversationID: "c2", Status: types.StatusOpen},
		{ConversationID: "c3", Status: types.StatusOpen},
	}})
	require.Eventually(t, func() bool {
		return len(f.listener.rosterIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	f.conn().push(t, wire.EventRosterUpsert, wire.RosterUpsert{
		Session: types.SessionRosterEntry{ConversationID: "c3", Status: types.StatusAwaiting},
	})
	require.Eventually(t, func() bool {
		ids := f.listener.rosterIDs()
		return len(ids) == 3 && ids[0] == "c3"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPushForUnfocusedConversationIsIgnored(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	f.conn().push(t, wire.EventMessageNew, serverMsg("m9", "c2", "elsewhere", types.SenderAgent, "2026-08-01T10:00:00Z"))
	f.sync()
	require.Empty(t, f.listener.timeline("c1"))
	require.Empty(t, f.listener.timeline("c2"))
}

func TestAuthErrorClearsCredentialAndStopsReconnecting(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)

	f.conn().push(t, wire.EventAuthError, wire.AuthError{Reason: "token revoked"})

	select {
	case reason := <-f.listener.authErrs:
		require.Equal(t, "token revoked", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth error")
	}
	<-f.cleared

	// No reconnect after a fatal auth fault.
	dials := f.dialer.dialCount()
	f.clk.Advance(10 * socket.ReconnectDelay)
	require.Equal(t, dials, f.dialer.dialCount())
	require.Equal(t, socket.StateClosed, f.engine.ConnectionState())
}

func TestMalformedPushesAreIgnored(t *testing.T) {
	f := newFixture(t, types.RoleVisitor)
	f.engine.FocusConversation("c1")
	f.sync()

	f.conn().incoming <- []byte(`{"event":"message:new","data":"not an object"}`)
	f.conn().incoming <- []byte(`garbage`)
	f.conn().push(t, wire.EventMessageNew, serverMsg("m1", "c1", "still alive", types.SenderAgent, "2026-08-01T10:00:00Z"))

	require.Eventually(t, func() bool {
		return len(f.listener.timeline("c1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

type credFunc func() error

func (f credFunc) Clear() error { return f() }
