package voice

import "context"

type RecognizerEventType string

const (
	RecognizerEventPartial   RecognizerEventType = "partial"
	RecognizerEventCommitted RecognizerEventType = "committed"
	RecognizerEventError     RecognizerEventType = "error"
)

// RecognizerEvent is one incremental result from a streaming recognizer.
// Partial events replace each other; a committed event finalizes the open
// utterance and carries the text the turn controller appends to history.
type RecognizerEvent struct {
	Type       RecognizerEventType
	Text       string
	Confidence float64
	Source     string
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

type RecognizerSession interface {
	// SendAudioFrame forwards one mono PCM16 frame. commit forces the
	// backend to finalize the open utterance.
	SendAudioFrame(ctx context.Context, pcm []byte, sampleRate int, commit bool) error
	Close() error
}

type RecognizerProvider interface {
	StartSession(ctx context.Context, sessionID string) (RecognizerSession, <-chan RecognizerEvent, error)
}

type SynthEventType string

const (
	SynthEventAudio SynthEventType = "audio"
	SynthEventFinal SynthEventType = "final"
	SynthEventError SynthEventType = "error"
)

type SynthEvent struct {
	Type      SynthEventType
	Audio     []byte
	Format    string
	Code      string
	Detail    string
	Retryable bool
}

type SynthSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// SynthStream is one synthesis stream. Callers must drain Events() until it
// closes, even after Close, so provider read loops can exit.
type SynthStream interface {
	SendText(ctx context.Context, text string, flush bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan SynthEvent
	Close() error
}

type SynthesizerProvider interface {
	StartStream(ctx context.Context, voiceID, modelID string, settings SynthSettings) (SynthStream, error)
}
