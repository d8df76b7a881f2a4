// Package typing coordinates typing-presence signals in both directions:
// debounced outbound bursts from local keystrokes, and decoded remote drafts
// keyed per conversation.
package typing

import (
	"strings"
	"time"

	"github.com/tetherhq/tether-go/internal/clock"
	"github.com/tetherhq/tether-go/pkg/logger"
	"github.com/tetherhq/tether-go/pkg/types"
)

// IdleDelay is the fixed pause after the last keystroke before exactly one
// inactive signal is sent for the burst.
const IdleDelay = time.Second

// EmitFunc sends one typing envelope for a conversation.
type EmitFunc func(conversationID string, active bool, draft string)

// RemoteChangeFunc reports the remote typing fact for a conversation after
// an inbound signal changed it. A zero TypingState means cleared.
type RemoteChangeFunc func(conversationID string, st types.TypingState)

// Coordinator owns both halves of typing presence. It is owned by the engine
// loop; the idle timer must be scheduled on a clock whose callbacks are
// serialized onto that loop.
type Coordinator struct {
	clk            clock.Clock
	idle           *clock.Slot
	emit           EmitFunc
	onRemoteChange RemoteChangeFunc

	// Outbound burst state: at most one conversation is actively typed at a
	// time (the focused one).
	localConv   string
	localActive bool

	remote map[string]types.TypingState
}

// New creates a Coordinator.
func New(clk clock.Clock, emit EmitFunc, onRemoteChange RemoteChangeFunc) *Coordinator {
	return &Coordinator{
		clk:            clk,
		idle:           clock.NewSlot(clk),
		emit:           emit,
		onRemoteChange: onRemoteChange,
		remote:         make(map[string]types.TypingState),
	}
}

// Keystroke records local typing in a conversation. The Idle->Active
// transition sends exactly one active signal; further keystrokes in the same
// burst only re-arm the idle timer.
func (c *Coordinator) Keystroke(conversationID, draft string) {
	if conversationID == "" {
		return
	}
	if c.localActive && c.localConv == conversationID {
		c.armIdle()
		return
	}
	if c.localActive {
		// Burst jumped conversations without an explicit focus switch.
		c.deactivate()
	}
	c.localConv = conversationID
	c.localActive = true
	c.emit(conversationID, true, draft)
	c.armIdle()
}

// Blur forces an immediate Active->Idle transition (input lost focus).
func (c *Coordinator) Blur() {
	c.deactivate()
}

// MessageSent ends the burst for a conversation: sending the drafted message
// implies typing stopped.
func (c *Coordinator) MessageSent(conversationID string) {
	if c.localActive && c.localConv == conversationID {
		c.deactivate()
	}
}

// SwitchFocus force-flushes an inactive signal for the conversation being
// left, synchronously, before focus moves to next. Without this a remote
// peer could see a stuck typing state indefinitely.
func (c *Coordinator) SwitchFocus(next string) {
	if c.localActive && c.localConv != next {
		c.deactivate()
	}
}

// Reset drops the outbound burst without emitting, and clears all remote
// state. Used on logout and transport teardown.
func (c *Coordinator) Reset() {
	c.idle.Cancel()
	c.localActive = false
	c.localConv = ""
	for conv := range c.remote {
		delete(c.remote, conv)
		c.onRemoteChange(conv, types.TypingState{})
	}
}

// ApplyRemote decodes an inbound typing signal. An inactive signal or a
// draft that trims to empty clears the remote fact; otherwise the live draft
// is stored for display.
func (c *Coordinator) ApplyRemote(conversationID string, active bool, draft string) {
	if conversationID == "" {
		return
	}
	if !active || strings.TrimSpace(draft) == "" {
		c.ClearRemote(conversationID)
		return
	}
	st := types.TypingState{Active: true, Draft: draft, LastSignalAt: c.clk.Now()}
	c.remote[conversationID] = st
	c.onRemoteChange(conversationID, st)
}

// ClearRemote drops the remote typing fact for a conversation. Also called
// when a confirmed message from that sender arrives (implicit clear).
func (c *Coordinator) ClearRemote(conversationID string) {
	if _, ok := c.remote[conversationID]; !ok {
		return
	}
	delete(c.remote, conversationID)
	c.onRemoteChange(conversationID, types.TypingState{})
}

// Remote returns the current remote typing fact for a conversation.
func (c *Coordinator) Remote(conversationID string) types.TypingState {
	return c.remote[conversationID]
}

func (c *Coordinator) armIdle() {
	conv := c.localConv
	c.idle.Arm(IdleDelay, func() {
		if c.localActive && c.localConv == conv {
			c.deactivate()
		}
	})
}

func (c *Coordinator) deactivate() {
	if !c.localActive {
		return
	}
	c.idle.Cancel()
	logger.Tracef("typing: burst ended for %s", c.localConv)
	c.emit(c.localConv, false, "")
	c.localActive = false
	c.localConv = ""
}
