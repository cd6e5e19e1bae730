package turn

import (
	"strings"
	"time"

	"github.com/ent0n29/mentora/internal/protocol"
)

// confirmWindow tracks one open barge-in confirmation window. The id
// guards against a stale timer firing after the window was cancelled
// and reopened.
type confirmWindow struct {
	active       bool
	id           int
	lastActivity time.Time
	timer        *time.Timer
}

// onExplicitInterrupt handles the client's interrupt control. A button
// press is definite intent, so it skips the confirmation window.
func (c *Controller) onExplicitInterrupt() {
	switch c.state {
	case StateSpeaking:
		if next, ok := Next(c.state, EventInterruptCandidate, ""); ok {
			c.pausePlayback()
			c.setState(next)
			c.snapshot()
		}
		c.confirmInterruption()
	case StateInterrupted:
		c.cancelWindow()
		c.confirmInterruption()
	}
}

func (c *Controller) openWindow(now time.Time) {
	if c.window.active {
		return
	}
	c.window.active = true
	c.window.id++
	c.window.lastActivity = now
	id := c.window.id
	c.window.timer = time.AfterFunc(c.cfg.ConfirmWindow, func() {
		c.post(event{kind: evWindowExpired, windowID: id})
	})
}

func (c *Controller) cancelWindow() {
	if !c.window.active {
		return
	}
	c.window.active = false
	if c.window.timer != nil {
		c.window.timer.Stop()
	}
}

func (c *Controller) onWindowExpired(ev event) {
	if !c.window.active || ev.windowID != c.window.id {
		return
	}
	c.window.active = false
	if c.state != StateInterrupted {
		return
	}

	if time.Since(c.window.lastActivity) <= c.cfg.ActivityGap {
		c.confirmInterruption()
		return
	}

	// Speech ceased before the window expired: false positive.
	next, ok := Next(c.state, EventInterruptDismissed, "")
	if !ok {
		return
	}
	c.setState(next)
	c.signal(protocol.SignalInterruptionDismissed, 0, "")
	c.countInterruption("dismissed")
	c.resumePlayback()
	c.snapshot()
}

// confirmInterruption applies the confirmed barge-in side effects: stop
// composing and synthesizing, keep only what the learner actually heard,
// and hand the floor back.
func (c *Controller) confirmInterruption() {
	if c.state != StateInterrupted {
		return
	}
	if c.llmCancel != nil {
		c.llmCancel()
	}
	if c.queue != nil {
		c.queue.Cancel()
	}
	c.stopPlaybackTimer()

	if c.pendingResponse != "" {
		// Keep only what the learner fully heard. If the language model
		// already completed, the history entry stands as appended.
		if truncated := strings.Join(c.playedText, " "); truncated != "" {
			c.appendMessage("assistant", truncated, time.Now())
		}
		c.pendingResponse = ""
	}

	if c.turnStats != nil {
		c.turnStats.MarkInterrupted()
	}
	if c.sessions != nil {
		c.sessions.Interrupt(c.cfg.SessionID)
	}
	c.signal(protocol.SignalInterruptionConfirmed, 0, "")
	c.countInterruption("confirmed")

	next, ok := Next(c.state, EventInterruptConfirmed, "")
	if !ok {
		return
	}
	c.setState(next)
	c.finishTurn("interrupted")
	c.snapshot()
}
