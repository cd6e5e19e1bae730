package turn

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mentora/internal/audio"
	"github.com/ent0n29/mentora/internal/llm"
	"github.com/ent0n29/mentora/internal/observability"
	"github.com/ent0n29/mentora/internal/policy"
	"github.com/ent0n29/mentora/internal/protocol"
	"github.com/ent0n29/mentora/internal/reliability"
	"github.com/ent0n29/mentora/internal/session"
	"github.com/ent0n29/mentora/internal/transcript"
	"github.com/ent0n29/mentora/internal/voice"
)

// Message is one finalized conversation entry. Entries are appended by
// the controller only and never mutated afterwards; the in-progress
// assistant text lives in pendingResponse until the turn finalizes it.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Config carries the per-session knobs for a controller.
type Config struct {
	SessionID      string
	LearnerID      string
	TutorProfileID string
	VoiceID        string
	SynthModelID   string
	SynthSettings  voice.SynthSettings
	SampleRate     int

	// PrefetchDepth bounds how many sentence units may synthesize ahead
	// of the unit currently playing.
	PrefetchDepth int

	// ConfirmWindow is how long a barge-in candidate must stay active
	// before it counts as a real interruption.
	ConfirmWindow time.Duration
	// ActivityGap is the longest silence between recognizer partials
	// that still counts as continuous user speech at window expiry.
	ActivityGap time.Duration

	// PlaybackCharPace estimates playback time per character for audio
	// formats that do not carry PCM timing.
	PlaybackCharPace time.Duration

	History []Message
}

func (c *Config) fillDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.PrefetchDepth <= 0 {
		c.PrefetchDepth = defaultPrefetchDepth
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 600 * time.Millisecond
	}
	if c.ActivityGap <= 0 {
		c.ActivityGap = 150 * time.Millisecond
	}
	if c.PlaybackCharPace <= 0 {
		c.PlaybackCharPace = 55 * time.Millisecond
	}
}

// Controller sequences one tutoring conversation: audio in, transcripts,
// language-model composition, synthesized speech out. All session state
// is owned by the Run loop; adapters feed it through the event channel
// and never touch state directly.
type Controller struct {
	cfg        Config
	recognizer voice.RecognizerProvider
	synth      voice.SynthesizerProvider
	language   llm.Client
	store      transcript.Store
	sessions   *session.Manager
	metrics    *observability.Metrics

	events   chan event
	outbound chan any
	loopDone chan struct{}

	// Everything below is owned by the run loop.
	runCtx   context.Context
	state    State
	resumeTo State
	history  []Message

	interim        string
	utteranceStart time.Time
	speechEndAt    time.Time
	hintGate       hintThrottle
	held           heldFinal

	recogGen     int
	recogSession voice.RecognizerSession

	turnID          string
	pendingResponse string
	segmenter       *sentenceSegmenter
	leadFilter      *leadResponseFilter
	queue           *prefetchQueue
	llmCancel       context.CancelFunc
	llmDone         bool
	queueDone       bool
	turnStats       *turnMetricsCollector
	deferredUnits   []SentenceUnit

	playQueue     []synthesizedUnit
	playing       *playingUnit
	playedText    []string
	firstAudioSet bool

	window confirmWindow
}

type playingUnit struct {
	unit      synthesizedUnit
	remaining time.Duration
	startedAt time.Time
	timer     *time.Timer
	paused    bool
}

// heldFinal is a committed transcript kept out of the turn pipeline for
// a short grace period because it reads as unfinished. A follow-on
// final merges into it; expiry commits it as-is.
type heldFinal struct {
	active     bool
	id         int
	text       string
	confidence float64
	timer      *time.Timer
}

type event struct {
	kind eventKind

	// frame / control
	pcm        []byte
	sampleRate int
	action     string
	reason     string

	// recognizer
	recogGen int
	recog    voice.RecognizerEvent

	// language model
	turnID    string
	delta     string
	fullText  string
	streamErr error

	// playback
	seq int

	// interruption window / held final
	windowID int
	holdID   int
}

type eventKind int

const (
	evFrame eventKind = iota
	evControl
	evRecognizer
	evRecognizerClosed
	evLLMDelta
	evLLMDone
	evUnitPlayed
	evWindowExpired
	evHoldExpired
)

func NewController(
	cfg Config,
	recognizer voice.RecognizerProvider,
	synth voice.SynthesizerProvider,
	language llm.Client,
	store transcript.Store,
	sessions *session.Manager,
	metrics *observability.Metrics,
) *Controller {
	cfg.fillDefaults()
	return &Controller{
		cfg:        cfg,
		recognizer: recognizer,
		synth:      synth,
		language:   language,
		store:      store,
		sessions:   sessions,
		metrics:    metrics,
		events:     make(chan event, 256),
		outbound:   make(chan any, 256),
		loopDone:   make(chan struct{}),
		state:      StateIdle,
		history:    append([]Message(nil), cfg.History...),
	}
}

// Outbound carries protocol messages for the transport layer. The
// channel closes when Run returns.
func (c *Controller) Outbound() <-chan any {
	return c.outbound
}

// HandleAudioFrame feeds one client audio frame into the loop.
func (c *Controller) HandleAudioFrame(pcm []byte, sampleRate int) {
	c.post(event{kind: evFrame, pcm: pcm, sampleRate: sampleRate})
}

func (c *Controller) HandleControl(action, reason string) {
	c.post(event{kind: evControl, action: action, reason: reason})
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.loopDone:
	}
}

// Run drives the session until ctx is cancelled. The synthesis arm is
// nil unless the loop is ready to play the next unit, so the prefetch
// queue stays exactly its configured depth ahead of playback.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	defer close(c.loopDone)
	defer close(c.outbound)
	defer c.teardownSession()

	// First outbound message: the snapshot a reconnecting client
	// resumes from.
	c.snapshot()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		case unit, ok := <-c.synthArm():
			c.onSynthDelivery(unit, ok)
		}
	}
}

// synthArm exposes the prefetch queue's delivery channel only when the
// next unit could start playing immediately. A nil channel blocks its
// select case, which is what keeps synthesis paced to playback.
func (c *Controller) synthArm() <-chan synthesizedUnit {
	if c.queue == nil || c.queueDone {
		return nil
	}
	if c.playing != nil || len(c.playQueue) > 0 || c.playbackSuspended() {
		return nil
	}
	return c.queue.Ready()
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evFrame:
		c.onFrame(ev)
	case evControl:
		c.onControl(ev)
	case evRecognizer:
		c.onRecognizer(ev)
	case evRecognizerClosed:
		c.onRecognizerClosed(ev)
	case evLLMDelta:
		c.onLLMDelta(ev)
	case evLLMDone:
		c.onLLMDone(ev)
	case evUnitPlayed:
		c.onUnitPlayed(ev)
	case evWindowExpired:
		c.onWindowExpired(ev)
	case evHoldExpired:
		c.onHoldExpired(ev)
	}
}

// --- controls ---

func (c *Controller) onControl(ev event) {
	c.touchSession()
	switch ev.action {
	case protocol.ActionStart:
		c.onStart()
	case protocol.ActionPause:
		c.onPause(ev.reason)
	case protocol.ActionResume:
		c.onResume(ev.reason)
	case protocol.ActionStop:
		c.onStop()
	case protocol.ActionReset:
		c.onReset()
	case protocol.ActionCommit:
		c.onCommitRequest()
	case protocol.ActionInterrupt:
		c.onExplicitInterrupt()
	}
}

func (c *Controller) onStart() {
	if c.state != StateIdle {
		return
	}
	if err := c.startRecognizer(); err != nil {
		c.enterError("recognizer", "recognizer_start_failed", err)
		return
	}
	c.countSessionEvent("started")
	c.applyState(EventStart)
}

func (c *Controller) onPause(reason string) {
	if c.state == StatePaused {
		// Pause is idempotent: no duplicate side effects.
		return
	}
	next, ok := Next(c.state, EventPause, "")
	if !ok {
		return
	}
	if c.held.active {
		// Keep the held text as interim; the learner recommits after
		// resume.
		c.interim = strings.TrimSpace(c.held.text + " " + c.interim)
		c.cancelHold()
	}
	resumeTo := c.state
	if c.state == StateInterrupted {
		// A pause settles the pending barge-in as a false positive;
		// playback stays paused and resume returns to speaking.
		c.cancelWindow()
		resumeTo = StateSpeaking
	}
	c.pausePlayback()
	c.resumeTo = resumeTo
	c.setState(next)
	c.signal(protocol.SignalSessionPaused, 0, reason)
	c.snapshot()
}

func (c *Controller) onResume(reason string) {
	if c.state != StatePaused {
		return
	}
	next, ok := Next(c.state, EventResume, c.resumeTo)
	if !ok {
		return
	}
	c.setState(next)
	for _, unit := range c.deferredUnits {
		if c.queue != nil {
			c.queue.Enqueue(unit)
		}
	}
	c.deferredUnits = nil
	c.resumePlayback()
	c.signal(protocol.SignalSessionResumed, 0, reason)
	c.snapshot()
}

func (c *Controller) onStop() {
	if c.state == StateIdle {
		return
	}
	c.cancelHold()
	c.abortTurn("stopped")
	c.closeRecognizer()
	c.countSessionEvent("stopped")
	if c.sessions != nil {
		c.sessions.End(c.cfg.SessionID)
	}
	c.applyState(EventStop)
}

func (c *Controller) onReset() {
	if c.state != StateError {
		return
	}
	c.applyState(EventReset)
}

// onCommitRequest forwards an explicit end-of-utterance marker so the
// recognizer finalizes without waiting for its own silence detection.
func (c *Controller) onCommitRequest() {
	if c.recogSession == nil {
		return
	}
	c.speechEndAt = time.Now()
	if err := c.recogSession.SendAudioFrame(c.runCtx, nil, c.cfg.SampleRate, true); err != nil {
		c.restartRecognizer(err)
	}
}

// --- audio ingestion ---

func (c *Controller) onFrame(ev event) {
	switch c.state {
	case StateIdle, StatePaused, StateError:
		return
	}
	if c.recogSession == nil {
		return
	}
	if err := audio.ValidateFrame(ev.pcm, ev.sampleRate); err != nil {
		c.countIndicator("invalid_audio_frame")
		return
	}
	c.touchSession()
	if err := c.recogSession.SendAudioFrame(c.runCtx, ev.pcm, ev.sampleRate, false); err != nil {
		c.restartRecognizer(err)
	}
}

// --- recognizer events ---

func (c *Controller) onRecognizer(ev event) {
	if ev.recogGen != c.recogGen {
		return
	}
	switch ev.recog.Type {
	case voice.RecognizerEventPartial:
		c.onPartialTranscript(ev.recog)
	case voice.RecognizerEventCommitted:
		c.onCommittedTranscript(ev.recog)
	case voice.RecognizerEventError:
		c.onRecognizerError(ev.recog)
	}
}

func (c *Controller) onPartialTranscript(rec voice.RecognizerEvent) {
	now := time.Now()
	text := strings.TrimSpace(rec.Text)
	if text == "" {
		return
	}
	c.interim = text
	if c.utteranceStart.IsZero() {
		c.utteranceStart = now
	}
	c.emit(protocol.RecognizerPartial{
		Type:       protocol.TypeRecognizerPartial,
		SessionID:  c.cfg.SessionID,
		Text:       text,
		Confidence: rec.Confidence,
		TSMs:       now.UnixMilli(),
	})

	switch c.state {
	case StateUserSpeaking:
		c.maybeEmitEndpointHint(text, rec.Confidence, now)
	case StateSpeaking:
		// Renewed user speech during playback opens a barge-in window.
		if next, ok := Next(c.state, EventInterruptCandidate, ""); ok {
			c.pausePlayback()
			c.openWindow(now)
			c.setState(next)
			c.signal(protocol.SignalInterruptionCandidate, 0, "")
			c.snapshot()
		}
	case StateInterrupted:
		if c.window.active {
			c.window.lastActivity = now
		}
	}
}

func (c *Controller) onCommittedTranscript(rec voice.RecognizerEvent) {
	text := strings.TrimSpace(rec.Text)
	if text == "" {
		return
	}

	switch c.state {
	case StateUserSpeaking:
		c.onUserFinal(text, rec.Confidence)
	case StateComposing:
		// Barge-in before any audio: drop the half-composed reply and
		// restart with the new utterance. Nothing was spoken, so
		// nothing is appended for the assistant.
		c.abortTurn("restarted")
		if next, ok := Next(c.state, EventFinalTranscript, ""); ok {
			c.setState(next)
		}
		c.ingestUserUtterance(text, rec.Confidence)
		c.snapshot()
		c.startAssistantTurn()
	case StateSpeaking:
		// A committed utterance mid-playback is stronger evidence than
		// the window heuristic; confirm immediately.
		if next, ok := Next(c.state, EventInterruptCandidate, ""); ok {
			c.pausePlayback()
			c.setState(next)
			c.snapshot()
		}
		c.confirmInterruption()
		c.finalizeUtterance(text, rec.Confidence)
	case StateInterrupted:
		c.cancelWindow()
		c.confirmInterruption()
		c.finalizeUtterance(text, rec.Confidence)
	case StatePaused:
		// Keep the text as interim; the learner recommits after resume.
		c.interim = text
	}
}

// onUserFinal decides whether a committed transcript commits now or is
// held open for a follow-on final. Low-confidence finals ending on a
// continuation cue get a grace period; anything already held merges in
// front of the new text first.
func (c *Controller) onUserFinal(text string, confidence float64) {
	if c.held.active {
		c.cancelHold()
		text = strings.TrimSpace(c.held.text + " " + text)
		c.held.text = ""
	}
	if delay, ok := holdCommitDelay(text, confidence); ok {
		c.armHold(text, confidence, delay)
		return
	}
	c.finalizeUtterance(text, confidence)
}

// finalizeUtterance closes the open utterance, appends the user message,
// and kicks off the assistant turn.
func (c *Controller) finalizeUtterance(text string, confidence float64) {
	next, ok := Next(c.state, EventFinalTranscript, "")
	if !ok {
		return
	}
	c.ingestUserUtterance(text, confidence)
	c.setState(next)
	c.snapshot()
	c.startAssistantTurn()
}

func (c *Controller) ingestUserUtterance(text string, confidence float64) {
	now := time.Now()
	c.interim = ""
	c.utteranceStart = time.Time{}
	c.hintGate.Reset()

	c.appendMessage("user", text, now)
	c.emit(protocol.RecognizerCommitted{
		Type:       protocol.TypeRecognizerCommitted,
		SessionID:  c.cfg.SessionID,
		Text:       text,
		Confidence: confidence,
		TSMs:       now.UnixMilli(),
	})

	// The turn spans from this commit to the end of assistant playback,
	// so the id and its latency collector start here.
	c.turnID = uuid.NewString()
	c.turnStats = newTurnMetricsCollector(c.turnID)
	if !c.speechEndAt.IsZero() {
		c.turnStats.MarkSpeechEnd(c.speechEndAt)
		c.speechEndAt = time.Time{}
	}
	c.turnStats.MarkCommitted(now)
}

func (c *Controller) onRecognizerError(rec voice.RecognizerEvent) {
	class := reliability.ClassifyProviderCode(rec.Code)
	c.countProviderError("recognizer", rec.Code)
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.cfg.SessionID,
		Code:      rec.Code,
		Source:    "recognizer",
		Class:     string(class),
		Retryable: rec.Retryable,
		Detail:    rec.Detail,
	})
	switch class {
	case reliability.ClassFatalBackend:
		c.restartRecognizer(nil)
	case reliability.ClassFatalSession:
		c.enterError("recognizer", rec.Code, nil)
	}
}

func (c *Controller) onRecognizerClosed(ev event) {
	if ev.recogGen != c.recogGen {
		return
	}
	switch c.state {
	case StateIdle, StateError:
		return
	}
	// The stream ended underneath an active session; bring up a fresh one.
	c.restartRecognizer(nil)
}

// --- assistant turn ---

func (c *Controller) startAssistantTurn() {
	next, ok := Next(c.state, EventComposeStarted, "")
	if !ok {
		return
	}

	if c.turnID == "" {
		c.turnID = uuid.NewString()
		c.turnStats = newTurnMetricsCollector(c.turnID)
	}
	c.pendingResponse = ""
	c.segmenter = newSentenceSegmenter()
	c.leadFilter = newLeadResponseFilter()
	c.playedText = nil
	c.playQueue = nil
	c.firstAudioSet = false
	c.llmDone = false
	c.queueDone = false
	c.deferredUnits = nil

	c.queue = newPrefetchQueue(c.runCtx, c.synth, c.cfg.VoiceID, c.cfg.SynthModelID, c.cfg.SynthSettings, c.cfg.PrefetchDepth)

	ctx, cancel := context.WithCancel(c.runCtx)
	c.llmCancel = cancel
	c.turnStats.MarkLanguageRequest(time.Now())
	go c.runLanguageModel(ctx, c.turnID, c.completionRequest())

	if c.sessions != nil {
		c.sessions.StartTurn(c.cfg.SessionID, c.turnID)
	}
	c.setState(next)
	c.snapshot()
}

func (c *Controller) completionRequest() llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(c.history))
	for _, m := range c.history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return llm.CompletionRequest{
		SessionID:      c.cfg.SessionID,
		TurnID:         c.turnID,
		LearnerID:      c.cfg.LearnerID,
		TutorProfileID: c.cfg.TutorProfileID,
		Messages:       msgs,
	}
}

func (c *Controller) runLanguageModel(ctx context.Context, turnID string, req llm.CompletionRequest) {
	deltaSeen := false
	onDelta := func(delta string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deltaSeen = true
		c.post(event{kind: evLLMDelta, turnID: turnID, delta: delta})
		return nil
	}

	var (
		resp llm.CompletionResponse
		err  error
	)
	for attempt := 0; attempt < reliability.MaxTransientAttempts; attempt++ {
		resp, err = c.language.StreamCompletion(ctx, req, onDelta)
		if err == nil || deltaSeen || reliability.ClassifyErr(err) != reliability.ClassTransient {
			break
		}
		backoff := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		select {
		case <-ctx.Done():
			c.post(event{kind: evLLMDone, turnID: turnID, streamErr: ctx.Err()})
			return
		case <-time.After(backoff):
		}
	}
	c.post(event{kind: evLLMDone, turnID: turnID, fullText: resp.Text, streamErr: err})
}

func (c *Controller) onLLMDelta(ev event) {
	if ev.turnID != c.turnID {
		return
	}
	switch c.state {
	case StateComposing, StateSpeaking, StateInterrupted, StatePaused:
	default:
		return
	}
	if c.turnStats != nil {
		c.turnStats.MarkFirstToken(time.Now())
	}
	out := c.leadFilter.Consume(ev.delta)
	if out == "" {
		return
	}
	c.acceptAssistantText(out)
}

func (c *Controller) acceptAssistantText(text string) {
	c.pendingResponse += text
	c.emit(protocol.AssistantTextDelta{
		Type:      protocol.TypeAssistantTextDelta,
		SessionID: c.cfg.SessionID,
		TurnID:    c.turnID,
		TextDelta: text,
	})
	for _, unit := range c.segmenter.Push(text) {
		c.enqueueUnit(unit)
	}
}

func (c *Controller) enqueueUnit(unit SentenceUnit) {
	if c.turnStats != nil {
		c.turnStats.MarkSynthRequest(time.Now())
	}
	if c.state == StatePaused {
		// Provider streams stay quiet while paused; units wait.
		c.deferredUnits = append(c.deferredUnits, unit)
		return
	}
	if c.queue != nil {
		c.queue.Enqueue(unit)
	}
}

func (c *Controller) onLLMDone(ev event) {
	if ev.turnID != c.turnID {
		return
	}
	if err := ev.streamErr; err != nil {
		class := reliability.ClassifyErr(err)
		switch class {
		case reliability.ClassRecoverable:
			// A cancelled stream; the interruption or stop path already
			// settled the turn.
			return
		case reliability.ClassTransient:
			if c.pendingResponse != "" {
				// Keep what streamed and finish the turn degraded.
				c.countProviderError("language_model", "language_model_stream_truncated")
				c.emit(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: c.cfg.SessionID,
					Code:      "language_model_stream_truncated",
					Source:    "language_model",
					Class:     string(class),
					Retryable: true,
					Detail:    err.Error(),
				})
				break
			}
			c.enterError("language_model", "language_model_unavailable", err)
			return
		default:
			c.enterError("language_model", "language_model_failed", err)
			return
		}
	}

	c.llmDone = true
	var tail string
	if c.pendingResponse == "" && ev.fullText != "" {
		// No deltas made it through; the response arrived whole.
		tail = c.leadFilter.Finalize(ev.fullText)
	} else {
		tail = c.leadFilter.Finalize("")
	}
	if tail != "" {
		c.acceptAssistantText(tail)
	}
	for _, unit := range c.segmenter.Finalize() {
		c.enqueueUnit(unit)
	}
	if c.queue != nil {
		c.queue.FinishInput()
	}

	// Language-model completion appends the full response and clears
	// pendingResponse without a state change.
	if c.pendingResponse != "" {
		c.appendMessage("assistant", c.pendingResponse, time.Now())
		c.pendingResponse = ""
		c.snapshot()
	}
	c.maybeFinishTurn()
}

// --- synthesis delivery and playback ---

func (c *Controller) onSynthDelivery(unit synthesizedUnit, ok bool) {
	if c.turnID == "" {
		return
	}
	if !ok {
		c.queueDone = true
		c.maybeFinishTurn()
		return
	}

	if c.turnStats != nil {
		c.turnStats.ChargeSynthesis(unit.CostChars, !unit.Failed)
	}
	if unit.Failed {
		// Skip the unit and keep the turn going; the circuit already
		// saw the failure at the provider layer.
		c.signal(protocol.SignalSynthesisUnitFailed, unit.Unit.Seq, unit.Detail)
		c.countProviderError("synthesizer", unit.Code)
		c.countIndicator("synthesis_unit_failed")
		return
	}

	if !c.firstAudioSet && unit.audioBytes() > 0 {
		c.firstAudioSet = true
		if c.turnStats != nil {
			c.turnStats.MarkFirstAudio(time.Now())
		}
		c.signal(protocol.SignalAssistantFirstAudio, unit.Unit.Seq, "")
		if next, ok := Next(c.state, EventFirstAudioReady, ""); ok {
			c.setState(next)
			c.snapshot()
		}
	}

	c.playQueue = append(c.playQueue, unit)
	c.advancePlayback()
}

func (c *Controller) advancePlayback() {
	if c.playing != nil || c.playbackSuspended() {
		return
	}
	if len(c.playQueue) == 0 {
		c.maybeFinishTurn()
		return
	}
	unit := c.playQueue[0]
	c.playQueue = c.playQueue[1:]

	for _, chunk := range unit.Chunks {
		c.emit(protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   c.cfg.SessionID,
			TurnID:      c.turnID,
			Seq:         unit.Unit.Seq,
			Format:      unit.Format,
			AudioBase64: base64.StdEncoding.EncodeToString(chunk),
		})
	}

	d := c.unitPlaybackDuration(unit)
	p := &playingUnit{unit: unit, remaining: d, startedAt: time.Now()}
	turnID, seq := c.turnID, unit.Unit.Seq
	p.timer = time.AfterFunc(d, func() {
		c.post(event{kind: evUnitPlayed, turnID: turnID, seq: seq})
	})
	c.playing = p
}

func (c *Controller) playbackSuspended() bool {
	return c.state == StatePaused || c.state == StateInterrupted
}

func (c *Controller) unitPlaybackDuration(u synthesizedUnit) time.Duration {
	n := u.audioBytes()
	if n == 0 {
		return 0
	}
	if strings.HasPrefix(u.Format, "pcm") {
		var pcm []byte
		for _, chunk := range u.Chunks {
			pcm = append(pcm, chunk...)
		}
		return audio.FrameDuration(pcm, c.cfg.SampleRate)
	}
	return time.Duration(len(u.Unit.Text)) * c.cfg.PlaybackCharPace
}

func (c *Controller) onUnitPlayed(ev event) {
	if ev.turnID != c.turnID || c.playing == nil || c.playing.unit.Unit.Seq != ev.seq {
		return
	}
	c.playedText = append(c.playedText, c.playing.unit.Unit.Text)
	c.playing = nil
	c.advancePlayback()
}

func (c *Controller) pausePlayback() {
	p := c.playing
	if p == nil || p.paused {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.remaining -= time.Since(p.startedAt)
	if p.remaining < 0 {
		p.remaining = 0
	}
	p.paused = true
}

func (c *Controller) resumePlayback() {
	p := c.playing
	if p != nil && p.paused {
		p.paused = false
		p.startedAt = time.Now()
		turnID, seq := c.turnID, p.unit.Unit.Seq
		p.timer = time.AfterFunc(p.remaining, func() {
			c.post(event{kind: evUnitPlayed, turnID: turnID, seq: seq})
		})
		return
	}
	c.advancePlayback()
}

// maybeFinishTurn ends the turn once the language model is done, every
// unit was delivered, and playback drained.
func (c *Controller) maybeFinishTurn() {
	if c.turnID == "" || !c.llmDone || !c.queueDone {
		return
	}
	if c.playing != nil || len(c.playQueue) > 0 || len(c.deferredUnits) > 0 {
		return
	}
	if next, ok := Next(c.state, EventPlaybackFinished, ""); ok {
		c.setState(next)
		c.finishTurn("completed")
		c.snapshot()
	}
}

func (c *Controller) finishTurn(reason string) {
	if c.turnID == "" {
		return
	}
	if c.turnStats != nil {
		c.turnStats.Seal(time.Now(), c.metrics)
	}
	c.emit(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: c.cfg.SessionID,
		TurnID:    c.turnID,
		Reason:    reason,
	})
	if c.sessions != nil {
		c.sessions.EndTurn(c.cfg.SessionID, c.turnID)
	}
	c.turnID = ""
	c.turnStats = nil
	c.queue = nil
	c.llmCancel = nil
	c.playing = nil
	c.playQueue = nil
	c.deferredUnits = nil
	c.pendingResponse = ""
}

// abortTurn cancels a turn's composition and synthesis outright without
// the playback-drained bookkeeping of a normal finish.
func (c *Controller) abortTurn(reason string) {
	if c.turnID == "" {
		return
	}
	if c.llmCancel != nil {
		c.llmCancel()
	}
	if c.queue != nil {
		c.queue.Cancel()
	}
	c.stopPlaybackTimer()
	c.cancelWindow()
	c.finishTurn(reason)
}

func (c *Controller) stopPlaybackTimer() {
	if c.playing != nil && c.playing.timer != nil {
		c.playing.timer.Stop()
	}
}

// --- endpoint hints ---

func (c *Controller) maybeEmitEndpointHint(text string, confidence float64, now time.Time) {
	age := time.Duration(0)
	if !c.utteranceStart.IsZero() {
		age = now.Sub(c.utteranceStart)
	}
	hint, ok := endpointHintFor(text, confidence, age)
	if !ok || !c.hintGate.ShouldEmit(hint, now) {
		return
	}
	c.emit(protocol.Signal{
		Type:      protocol.TypeSignal,
		SessionID: c.cfg.SessionID,
		Code:      protocol.SignalEndpointHint,
		Detail:    hint.Reason,
		Seq:       int(hint.Hold.Milliseconds()),
		TSMs:      now.UnixMilli(),
	})
}

func (c *Controller) armHold(text string, confidence float64, delay time.Duration) {
	c.held.active = true
	c.held.id++
	c.held.text = text
	c.held.confidence = confidence
	c.interim = text
	id := c.held.id
	c.held.timer = time.AfterFunc(delay, func() {
		c.post(event{kind: evHoldExpired, holdID: id})
	})
	c.snapshot()
}

func (c *Controller) cancelHold() {
	if !c.held.active {
		return
	}
	c.held.active = false
	if c.held.timer != nil {
		c.held.timer.Stop()
	}
}

func (c *Controller) onHoldExpired(ev event) {
	if !c.held.active || ev.holdID != c.held.id {
		return
	}
	c.held.active = false
	text, confidence := c.held.text, c.held.confidence
	c.held.text = ""
	if c.state != StateUserSpeaking {
		return
	}
	c.finalizeUtterance(text, confidence)
}

// --- recognizer lifecycle ---

func (c *Controller) startRecognizer() error {
	var lastErr error
	for attempt := 0; attempt < reliability.MaxTransientAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, 150*time.Millisecond, time.Second)
			select {
			case <-c.runCtx.Done():
				return c.runCtx.Err()
			case <-time.After(backoff):
			}
		}
		sess, events, err := c.recognizer.StartSession(c.runCtx, c.cfg.SessionID)
		if err != nil {
			lastErr = err
			if reliability.ClassifyErr(err) == reliability.ClassFatalSession {
				return err
			}
			continue
		}
		c.recogGen++
		c.recogSession = sess
		go c.pumpRecognizer(c.recogGen, events)
		return nil
	}
	return lastErr
}

func (c *Controller) pumpRecognizer(gen int, events <-chan voice.RecognizerEvent) {
	for rec := range events {
		c.post(event{kind: evRecognizer, recogGen: gen, recog: rec})
	}
	c.post(event{kind: evRecognizerClosed, recogGen: gen})
}

func (c *Controller) closeRecognizer() {
	if c.recogSession != nil {
		c.recogSession.Close()
		c.recogSession = nil
	}
	// Invalidate any events still in flight from the old stream.
	c.recogGen++
}

func (c *Controller) restartRecognizer(cause error) {
	c.closeRecognizer()
	if err := c.startRecognizer(); err != nil {
		if cause == nil {
			cause = err
		}
		c.enterError("recognizer", "recognizer_unavailable", cause)
	}
}

// --- state and side-effect helpers ---

func (c *Controller) applyState(e Event) {
	next, ok := Next(c.state, e, c.resumeTo)
	if !ok {
		return
	}
	c.setState(next)
	c.snapshot()
}

func (c *Controller) setState(next State) {
	if next == c.state {
		return
	}
	c.state = next
	if c.metrics != nil {
		c.metrics.TurnStates.WithLabelValues(string(next)).Inc()
	}
}

func (c *Controller) enterError(source, code string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	c.cancelHold()
	c.abortTurn("error")
	c.closeRecognizer()
	c.countProviderError(source, code)
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.cfg.SessionID,
		Code:      code,
		Source:    source,
		Class:     string(reliability.ClassFatalSession),
		Retryable: false,
		Detail:    detail,
	})
	c.setState(StateError)
	c.snapshot()
}

func (c *Controller) appendMessage(role, content string, at time.Time) {
	c.history = append(c.history, Message{Role: role, Content: content, CreatedAt: at})
	if c.store == nil {
		return
	}
	redacted, changed := policy.RedactPII(content)
	rec := transcript.Record{
		ID:          uuid.NewString(),
		SessionID:   c.cfg.SessionID,
		LearnerID:   c.cfg.LearnerID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
		CreatedAt:   at,
	}
	// Persisting must not stall the loop; ordering is carried by CreatedAt.
	store := c.store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Append(ctx, rec); err != nil {
			c.countIndicator("transcript_append_failed")
		}
	}()
}

func (c *Controller) snapshot() {
	hist := make([]protocol.HistoryMessage, 0, len(c.history))
	for _, m := range c.history {
		hist = append(hist, protocol.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	c.emit(protocol.StateSnapshot{
		Type:            protocol.TypeStateSnapshot,
		SessionID:       c.cfg.SessionID,
		State:           string(c.state),
		TurnID:          c.turnID,
		Interim:         c.interim,
		PendingResponse: c.pendingResponse,
		History:         hist,
		TSMs:            time.Now().UnixMilli(),
	})
}

func (c *Controller) signal(code string, seq int, detail string) {
	c.emit(protocol.Signal{
		Type:      protocol.TypeSignal,
		SessionID: c.cfg.SessionID,
		TurnID:    c.turnID,
		Code:      code,
		Seq:       seq,
		Detail:    detail,
		TSMs:      time.Now().UnixMilli(),
	})
}

func (c *Controller) emit(msg any) {
	select {
	case c.outbound <- msg:
	default:
		c.countIndicator("outbound_dropped")
	}
}

func (c *Controller) touchSession() {
	if c.sessions != nil {
		c.sessions.Touch(c.cfg.SessionID)
	}
}

func (c *Controller) countSessionEvent(name string) {
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func (c *Controller) countInterruption(outcome string) {
	if c.metrics != nil {
		c.metrics.Interruptions.WithLabelValues(outcome).Inc()
	}
}

func (c *Controller) countProviderError(role, code string) {
	if c.metrics == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	c.metrics.ProviderErrors.WithLabelValues(role, code).Inc()
}

func (c *Controller) countIndicator(name string) {
	if c.metrics != nil {
		c.metrics.ObserveTurnIndicator(name)
	}
}

func (c *Controller) teardownSession() {
	c.cancelHold()
	c.abortTurn("stopped")
	c.closeRecognizer()
	c.cancelWindow()
}
