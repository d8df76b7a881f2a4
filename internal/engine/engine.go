// Package engine is the realtime conversation synchronization engine shared
// by the agent workspace and the visitor widget, parameterized by role.
//
// All protocol handling runs on one loop goroutine with run-to-completion
// handlers; socket callbacks, timer fires, and REST results are posted onto
// the loop, so no component state needs locks. Suspension happens only at
// I/O boundaries.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tetherhq/tether-go/internal/clock"
	"github.com/tetherhq/tether-go/internal/handshake"
	"github.com/tetherhq/tether-go/internal/rest"
	"github.com/tetherhq/tether-go/internal/roster"
	"github.com/tetherhq/tether-go/internal/socket"
	"github.com/tetherhq/tether-go/internal/timeline"
	"github.com/tetherhq/tether-go/internal/typing"
	"github.com/tetherhq/tether-go/internal/wire"
	"github.com/tetherhq/tether-go/pkg/logger"
	"github.com/tetherhq/tether-go/pkg/types"
)

const (
	// defaultQueueSize bounds the engine loop mailbox.
	defaultQueueSize = 256
	// restTimeout bounds snapshot and send calls issued by the engine.
	restTimeout = 15 * time.Second
)

// RestAPI is the REST surface the engine needs (implemented by rest.Client).
type RestAPI interface {
	History(ctx context.Context, conversationID string) ([]types.Message, error)
	Roster(ctx context.Context) ([]types.SessionRosterEntry, error)
	SendMessage(ctx context.Context, conversationID string, req rest.SendRequest) (types.Message, error)
}

// CredentialStore clears the durable credential on a fatal auth fault.
type CredentialStore interface {
	Clear() error
}

// Config wires an Engine.
type Config struct {
	// Role selects the client surface: agent workspace or visitor widget.
	Role types.Role
	// Credential is the agent auth token or the generated visitor session id.
	Credential string

	// SocketURL is the realtime stream endpoint.
	SocketURL string
	// Dial overrides the websocket dialer (tests). Nil means the real one.
	Dial socket.Dialer
	// Rest is the snapshot/send API. Required for the agent role.
	Rest RestAPI
	// Credentials is the durable credential store; may be nil.
	Credentials CredentialStore
	// Clock drives timers; defaults to the real clock.
	Clock clock.Clock
	// Listener observes engine output; defaults to NopListener.
	Listener Listener
	// QueueSize bounds the loop mailbox. If zero, a default is used.
	QueueSize int
}

// Engine is the synchronization engine for one client process.
type Engine struct {
	cfg      Config
	listener Listener
	clk      clock.Clock

	sock     *socket.Manager
	replayer *handshake.Replayer
	typing   *typing.Coordinator
	roster   *roster.Roster

	// Loop-owned state. Only the loop goroutine touches these.
	timeline  *timeline.Timeline
	focusGen  uint64
	loggedOut bool

	tasks  chan func()
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Engine. Start must be called to begin synchronizing.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	e := &Engine{
		cfg:      cfg,
		listener: cfg.Listener,
		clk:      cfg.Clock,
		replayer: handshake.New(cfg.Role, cfg.Credential),
		roster:   roster.New(),
		tasks:    make(chan func(), queueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	// Timer callbacks must run on the loop like everything else.
	loopClk := loopClock{engine: e, clk: cfg.Clock}
	e.typing = typing.New(loopClk, e.emitTyping, e.listener.OnRemoteTyping)

	e.sock = socket.New(socket.Config{
		URL:   cfg.SocketURL,
		Dial:  cfg.Dial,
		Clock: cfg.Clock,
		OnOpen: func() {
			e.post(e.handleOpen)
		},
		OnMessage: func(env wire.Envelope) {
			e.post(func() { e.handleEnvelope(env) })
		},
		OnClose: func(err error) {
			e.post(func() { e.handleClosed(err) })
		},
	})
	return e
}

// Start begins the engine loop and opens the socket.
func (e *Engine) Start() {
	go e.run()
	e.sock.Connect()
}

// Stop tears the engine down: the socket closes without a reconnect and the
// loop drains.
func (e *Engine) Stop() {
	e.sock.Close()
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

// ConnectionState returns the current socket state.
func (e *Engine) ConnectionState() socket.State {
	return e.sock.State()
}

// FocusConversation switches the focused conversation; pass "" to unfocus.
// The previous conversation's typing burst is flushed and its in-memory
// message set is dropped.
func (e *Engine) FocusConversation(conversationID string) {
	e.post(func() { e.focus(conversationID) })
}

// SendMessage sends text in the focused conversation, optimistically. The
// internal flag marks an agent-only note and is ignored for the visitor role.
func (e *Engine) SendMessage(text string, internal bool) {
	e.post(func() { e.sendMessage(text, internal) })
}

// Keystroke records local typing of draft in the focused conversation.
func (e *Engine) Keystroke(draft string) {
	e.post(func() {
		if e.timeline != nil {
			e.typing.Keystroke(e.timeline.ConversationID(), draft)
		}
	})
}

// Blur reports that the message input lost focus.
func (e *Engine) Blur() {
	e.post(func() { e.typing.Blur() })
}

// Logout clears the credential and intent and closes the socket for good.
func (e *Engine) Logout() {
	e.post(e.logout)
}

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

func (e *Engine) post(fn func()) {
	select {
	case <-e.stopCh:
	case e.tasks <- fn:
	}
}

// handleOpen fires on every successful connect, including reconnects.
func (e *Engine) handleOpen() {
	if e.loggedOut {
		return
	}
	logger.Infof("engine: connected, replaying handshake")
	e.listener.OnConnectionState(socket.StateOpen)
	e.replayer.Replay(e.sock.Send)

	if e.cfg.Role == types.RoleAgent && e.cfg.Rest != nil {
		go e.fetchRoster()
	}
}

func (e *Engine) handleClosed(err error) {
	if err != nil {
		logger.Warnf("engine: connection lost: %v", err)
	}
	e.listener.OnConnectionState(socket.StateClosed)
	// Typing facts do not survive a transport fault on either side.
	e.typing.Reset()
}

func (e *Engine) handleEnvelope(env wire.Envelope) {
	switch env.Event {
	case wire.EventHistorySnapshot:
		e.handleHistorySnapshot(env)
	case wire.EventMessageNew:
		e.handleMessageNew(env)
	case wire.EventTyping:
		e.handleTyping(env)
	case wire.EventRosterList:
		e.handleRosterList(env)
	case wire.EventRosterUpsert:
		e.handleRosterUpsert(env)
	case wire.EventAuthError:
		e.handleAuthError(env)
	default:
		// Forward-compatible: unknown events are dropped, never fatal.
		logger.Tracef("engine: ignoring event %s", env.Event)
	}
}

func (e *Engine) handleHistorySnapshot(env wire.Envelope) {
	var snap wire.HistorySnapshot
	if err := env.Bind(&snap); err != nil {
		logger.Tracef("engine: dropping snapshot: %v", err)
		return
	}
	if e.timeline == nil {
		return
	}
	conv := snap.Conversation()
	if conv != "" && conv != e.timeline.ConversationID() {
		logger.Debugf("engine: discarding snapshot for unfocused %s", conv)
		return
	}
	if e.timeline.ApplySnapshot(snap.Messages) {
		e.emitTimeline()
	}
}

func (e *Engine) handleMessageNew(env wire.Envelope) {
	var msg types.Message
	if err := env.Bind(&msg); err != nil {
		logger.Tracef("engine: dropping message push: %v", err)
		return
	}
	if e.timeline == nil || msg.ConversationID != e.timeline.ConversationID() {
		// Only the focused conversation keeps a live message set.
		return
	}
	msg.Pending = false
	if e.timeline.ApplyPush(msg) {
		e.emitTimeline()
	}
	if msg.Sender == e.counterpart() {
		// A confirmed message from the counterpart implicitly ends their
		// typing state.
		e.typing.ClearRemote(msg.ConversationID)
	}
}

func (e *Engine) handleTyping(env wire.Envelope) {
	var payload wire.Typing
	if err := env.Bind(&payload); err != nil {
		logger.Tracef("engine: dropping typing signal: %v", err)
		return
	}
	e.typing.ApplyRemote(payload.ConversationID, payload.Active, payload.Text)
}

func (e *Engine) handleRosterList(env wire.Envelope) {
	if e.cfg.Role != types.RoleAgent {
		return
	}
	var payload wire.RosterList
	if err := env.Bind(&payload); err != nil {
		logger.Tracef("engine: dropping roster list: %v", err)
		return
	}
	e.roster.ReplaceAll(payload.Sessions)
	e.listener.OnRoster(e.roster.Entries())
}

func (e *Engine) handleRosterUpsert(env wire.Envelope) {
	if e.cfg.Role != types.RoleAgent {
		return
	}
	var payload wire.RosterUpsert
	if err := env.Bind(&payload); err != nil {
		logger.Tracef("engine: dropping roster upsert: %v", err)
		return
	}
	e.roster.Upsert(payload.Session)
	e.listener.OnRoster(e.roster.Entries())
}

func (e *Engine) handleAuthError(env wire.Envelope) {
	var payload wire.AuthError
	_ = env.Bind(&payload) // reason is optional

	logger.Errorf("engine: authentication fault: %s", payload.Reason)
	e.loggedOut = true
	if e.cfg.Credentials != nil {
		if err := e.cfg.Credentials.Clear(); err != nil {
			logger.Warnf("engine: clearing credential failed: %v", err)
		}
	}
	e.replayer.Clear()
	e.typing.Reset()
	e.sock.Close()
	e.listener.OnAuthError(payload.Reason)
}

func (e *Engine) logout() {
	if e.loggedOut {
		return
	}
	e.loggedOut = true
	if e.cfg.Credentials != nil {
		if err := e.cfg.Credentials.Clear(); err != nil {
			logger.Warnf("engine: clearing credential failed: %v", err)
		}
	}
	e.replayer.Clear()
	e.typing.Reset()
	e.timeline = nil
	e.sock.Close()
}

func (e *Engine) focus(conversationID string) {
	current := ""
	if e.timeline != nil {
		current = e.timeline.ConversationID()
	}
	if conversationID == current {
		return
	}

	// Flush the inactive signal for the conversation being left before
	// anything else; a stuck remote typing indicator is worse than an extra
	// envelope.
	e.typing.SwitchFocus(conversationID)

	e.focusGen++
	e.replayer.SetFocus(conversationID)

	if conversationID == "" {
		e.timeline = nil
		return
	}
	e.timeline = timeline.New(conversationID)

	if env, err := wire.NewEnvelope(wire.EventWatchConversation, wire.WatchConversation{ConversationID: conversationID}); err == nil {
		e.sock.Send(env)
	}

	if e.cfg.Rest != nil {
		go e.fetchHistory(conversationID, e.focusGen)
	} else if env, err := wire.NewEnvelope(wire.EventRequestHistory, wire.RequestHistory{ConversationID: conversationID}); err == nil {
		// No REST surface (visitor widget): ask for the snapshot push instead.
		e.sock.Send(env)
	}
}

// fetchHistory loads the REST history snapshot and posts it back to the
// loop. The generation guards against a slow response for a conversation
// that is no longer focused clobbering a newer one.
func (e *Engine) fetchHistory(conversationID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()
	msgs, err := e.cfg.Rest.History(ctx, conversationID)

	e.post(func() {
		if gen != e.focusGen || e.timeline == nil {
			logger.Debugf("engine: discarding stale history for %s", conversationID)
			return
		}
		if err != nil {
			logger.Warnf("engine: history load for %s failed: %v", conversationID, err)
			return
		}
		if e.timeline.ApplySnapshot(msgs) {
			e.emitTimeline()
		}
	})
}

func (e *Engine) fetchRoster() {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()
	entries, err := e.cfg.Rest.Roster(ctx)

	e.post(func() {
		if e.loggedOut {
			return
		}
		if err != nil {
			logger.Warnf("engine: roster load failed: %v", err)
			return
		}
		e.roster.ReplaceAll(entries)
		e.listener.OnRoster(e.roster.Entries())
	})
}

func (e *Engine) sendMessage(text string, internal bool) {
	if e.timeline == nil {
		logger.Debugf("engine: dropping send, no focused conversation")
		return
	}
	if e.cfg.Role != types.RoleAgent {
		internal = false
	}

	conv := e.timeline.ConversationID()
	kind := types.KindNormal
	if internal {
		kind = types.KindInternalNote
	}
	local := types.Message{
		Sender:    e.self(),
		Text:      text,
		CreatedAt: types.Timestamp(e.clk.Now()),
		Kind:      kind,
	}
	tempID := e.timeline.AppendLocal(local)
	e.emitTimeline()

	// Sending the drafted message ends the typing burst.
	e.typing.MessageSent(conv)

	if e.cfg.Role == types.RoleAgent && e.cfg.Rest != nil {
		gen := e.focusGen
		go e.sendViaRest(conv, tempID, text, internal, gen)
		return
	}

	// Visitor widget: best-effort socket send; the server echo confirms the
	// optimistic entry via the push-match rule.
	env, err := wire.NewEnvelope(wire.EventSendMessage, wire.SendMessage{
		ConversationID: conv,
		Text:           text,
	})
	if err == nil && e.sock.Send(env) {
		return
	}
	e.failSend(conv, tempID, errNotDelivered)
}

func (e *Engine) sendViaRest(conv, tempID, text string, internal bool, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()
	confirmed, err := e.cfg.Rest.SendMessage(ctx, conv, rest.SendRequest{
		Sender:   e.self(),
		Text:     text,
		Internal: internal,
	})

	e.post(func() {
		if gen != e.focusGen || e.timeline == nil {
			// Focus moved on; the optimistic entry is gone with the old
			// timeline.
			return
		}
		if err != nil {
			e.failSend(conv, tempID, err)
			return
		}
		if e.timeline.Confirm(tempID, confirmed) {
			e.emitTimeline()
		}
	})
}

// failSend removes the optimistic entry and surfaces an inline failure.
// Send faults are local-only: the connection stays up and further sends are
// not blocked.
func (e *Engine) failSend(conv, tempID string, err error) {
	logger.Warnf("engine: send in %s failed: %v", conv, err)
	if e.timeline != nil && e.timeline.Fail(tempID) {
		e.emitTimeline()
	}
	e.listener.OnSendFailed(conv, tempID, err)
}

func (e *Engine) emitTimeline() {
	if e.timeline == nil {
		return
	}
	e.listener.OnTimeline(e.timeline.ConversationID(), e.timeline.Messages())
}

func (e *Engine) emitTyping(conversationID string, active bool, draft string) {
	env, err := wire.NewEnvelope(wire.EventTyping, wire.Typing{
		ConversationID: conversationID,
		Active:         active,
		Text:           draft,
	})
	if err != nil {
		return
	}
	e.sock.Send(env)
}

// self is the sender identity this engine writes messages as.
func (e *Engine) self() types.Sender {
	if e.cfg.Role == types.RoleAgent {
		return types.SenderAgent
	}
	return types.SenderVisitor
}

// counterpart is the sender whose typing indicator this engine displays.
func (e *Engine) counterpart() types.Sender {
	if e.cfg.Role == types.RoleAgent {
		return types.SenderVisitor
	}
	return types.SenderAgent
}

// loopClock schedules timer callbacks onto the engine loop so timer-driven
// transitions are serialized with every other handler.
type loopClock struct {
	engine *Engine
	clk    clock.Clock
}

func (c loopClock) Now() time.Time {
	return c.clk.Now()
}

func (c loopClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return c.clk.AfterFunc(d, func() {
		c.engine.post(fn)
	})
}

var errNotDelivered = errors.New("message not delivered")
