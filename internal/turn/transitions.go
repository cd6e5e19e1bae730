package turn

// State is the controller's conversational state. Values match the wire
// format of state snapshots.
type State string

const (
	StateIdle         State = "idle"
	StateUserSpeaking State = "user_speaking"
	StateProcessing   State = "processing_utterance"
	StateComposing    State = "assistant_composing"
	StateSpeaking     State = "assistant_speaking"
	StateInterrupted  State = "interrupted"
	StatePaused       State = "paused"
	StateError        State = "error"
)

// Event is a state-transition trigger. Every adapter callback and control
// request is reduced to one of these before it may touch controller state.
type Event string

const (
	EventStart              Event = "start"
	EventPartialTranscript  Event = "partial_transcript"
	EventFinalTranscript    Event = "final_transcript"
	EventComposeStarted     Event = "compose_started"
	EventAssistantDelta     Event = "assistant_delta"
	EventAssistantComplete  Event = "assistant_complete"
	EventFirstAudioReady    Event = "first_audio_ready"
	EventPlaybackFinished   Event = "playback_finished"
	EventInterruptCandidate Event = "interrupt_candidate"
	EventInterruptConfirmed Event = "interrupt_confirmed"
	EventInterruptDismissed Event = "interrupt_dismissed"
	EventPause              Event = "pause"
	EventResume             Event = "resume"
	EventStop               Event = "stop"
	EventReset              Event = "reset"
	EventFatal              Event = "fatal"
)

// Next returns the successor state for an event, or ok=false when the event
// is not legal in the current state and must be ignored. Resume is the one
// transition whose target depends on history, so the caller passes the state
// held before pause. Stop tears down to idle from anywhere; fatal enters
// error from any live state; error exits only through reset or stop.
func Next(s State, e Event, resumeTo State) (State, bool) {
	switch e {
	case EventStop:
		return StateIdle, true
	case EventFatal:
		return StateError, true
	}

	switch s {
	case StateIdle:
		if e == EventStart {
			return StateUserSpeaking, true
		}
	case StateUserSpeaking:
		switch e {
		case EventPartialTranscript:
			return StateUserSpeaking, true
		case EventFinalTranscript:
			return StateProcessing, true
		case EventPause:
			return StatePaused, true
		}
	case StateProcessing:
		switch e {
		case EventComposeStarted:
			return StateComposing, true
		case EventPause:
			return StatePaused, true
		}
	case StateComposing:
		switch e {
		case EventAssistantDelta, EventAssistantComplete:
			return StateComposing, true
		case EventFirstAudioReady:
			return StateSpeaking, true
		case EventPlaybackFinished:
			// A turn whose reply produced no playable audio ends here.
			return StateUserSpeaking, true
		case EventFinalTranscript:
			// Barge-in before any audio: the turn restarts with the new
			// utterance, nothing was spoken so nothing is truncated.
			return StateProcessing, true
		case EventPause:
			return StatePaused, true
		}
	case StateSpeaking:
		switch e {
		case EventAssistantDelta, EventAssistantComplete:
			return StateSpeaking, true
		case EventPlaybackFinished:
			return StateUserSpeaking, true
		case EventInterruptCandidate:
			return StateInterrupted, true
		case EventPause:
			return StatePaused, true
		}
	case StateInterrupted:
		switch e {
		case EventAssistantDelta, EventAssistantComplete:
			return StateInterrupted, true
		case EventInterruptConfirmed:
			return StateUserSpeaking, true
		case EventInterruptDismissed:
			return StateSpeaking, true
		case EventPause:
			return StatePaused, true
		}
	case StatePaused:
		switch e {
		case EventPause:
			// Pause is idempotent.
			return StatePaused, true
		case EventResume:
			if resumeTo == "" || resumeTo == StatePaused || resumeTo == StateIdle {
				return StateUserSpeaking, true
			}
			return resumeTo, true
		}
	case StateError:
		if e == EventReset {
			return StateIdle, true
		}
	}
	return s, false
}
