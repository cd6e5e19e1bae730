package bench

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mentora/internal/audio"
	"github.com/ent0n29/mentora/internal/llm"
	"github.com/ent0n29/mentora/internal/protocol"
	"github.com/ent0n29/mentora/internal/turn"
	"github.com/ent0n29/mentora/internal/voice"
)

// Prober opens live sessions a run pushes scripted turns through.
type Prober interface {
	Open(ctx context.Context) (ProbeSession, error)
}

// ProbeSession is one live session under measurement. RunTurn replays an
// utterance as paced audio, blocks until the assistant turn ends, and
// reports stage latencies relative to the moment the utterance finished.
type ProbeSession interface {
	SessionID() string
	RunTurn(ctx context.Context, spec TurnSpec, frameMs int) (TurnTiming, error)
	Close() error
}

// ControllerProber measures the in-process turn stack against the same
// provider bindings live sessions use, so the numbers cover the whole
// server-side path without transport noise. Utterance audio is prepared
// through the synthesizer; when the active synthesizer yields no PCM the
// prober replays silence of a comparable length instead.
type ControllerProber struct {
	template   turn.Config
	recognizer voice.RecognizerProvider
	synth      voice.SynthesizerProvider
	language   llm.Client
}

func NewControllerProber(template turn.Config, recognizer voice.RecognizerProvider, synth voice.SynthesizerProvider, language llm.Client) *ControllerProber {
	return &ControllerProber{
		template:   template,
		recognizer: recognizer,
		synth:      synth,
		language:   language,
	}
}

func (p *ControllerProber) Open(ctx context.Context) (ProbeSession, error) {
	cfg := p.template
	cfg.SessionID = "bench-" + uuid.NewString()
	cfg.LearnerID = "bench"
	cfg.History = nil
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}

	// No transcript store and no session registry: bench conversations
	// are synthetic and must not show up in operator surfaces.
	ctrl := turn.NewController(cfg, p.recognizer, p.synth, p.language, nil, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	s := &probeSession{
		ctrl:       ctrl,
		cancel:     cancel,
		msgs:       make(chan any, 1024),
		pumpDone:   make(chan struct{}),
		sessionID:  cfg.SessionID,
		sampleRate: cfg.SampleRate,
		synth:      p.synth,
		voiceID:    cfg.VoiceID,
		modelID:    cfg.SynthModelID,
		settings:   cfg.SynthSettings,
	}
	go ctrl.Run(runCtx)
	go s.pump()

	ctrl.HandleControl(protocol.ActionStart, "bench")
	if err := s.awaitListening(5 * time.Second); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type probeSession struct {
	ctrl     *turn.Controller
	cancel   context.CancelFunc
	msgs     chan any
	pumpDone chan struct{}

	sessionID  string
	sampleRate int
	synth      voice.SynthesizerProvider
	voiceID    string
	modelID    string
	settings   voice.SynthSettings
}

func (s *probeSession) SessionID() string { return s.sessionID }

func (s *probeSession) pump() {
	defer close(s.pumpDone)
	for msg := range s.ctrl.Outbound() {
		s.msgs <- msg
	}
	close(s.msgs)
}

func (s *probeSession) awaitListening(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				return errors.New("bench session closed before it was listening")
			}
			switch m := msg.(type) {
			case protocol.StateSnapshot:
				if m.State == string(turn.StateUserSpeaking) {
					return nil
				}
			case protocol.ErrorEvent:
				return fmt.Errorf("bench session failed to start: %s", m.Code)
			}
		case <-deadline.C:
			return errors.New("bench session did not reach listening state")
		}
	}
}

// turnWatch accumulates the observations of one measured turn.
type turnWatch struct {
	committedAt time.Time
	firstDelta  time.Time
	firstAudio  time.Time
	endedAt     time.Time
	endReason   string
	errCode     string

	responseChars int
	audioBytes    int
}

func (w *turnWatch) observe(msg any) {
	now := time.Now()
	switch m := msg.(type) {
	case protocol.RecognizerCommitted:
		if w.committedAt.IsZero() {
			w.committedAt = now
		}
	case protocol.AssistantTextDelta:
		if w.firstDelta.IsZero() {
			w.firstDelta = now
		}
		w.responseChars += len(m.TextDelta)
	case protocol.AssistantAudioChunk:
		if w.firstAudio.IsZero() {
			w.firstAudio = now
		}
		if decoded, err := base64.StdEncoding.DecodeString(m.AudioBase64); err == nil {
			w.audioBytes += len(decoded)
		}
	case protocol.AssistantTurnEnd:
		if w.endedAt.IsZero() {
			w.endedAt = now
			w.endReason = m.Reason
		}
	case protocol.ErrorEvent:
		if w.errCode == "" {
			w.errCode = m.Code
		}
	}
}

func (s *probeSession) RunTurn(ctx context.Context, spec TurnSpec, frameMs int) (TurnTiming, error) {
	if frameMs <= 0 {
		frameMs = defaultFrameMs
	}
	frameDur := time.Duration(frameMs) * time.Millisecond
	frameBytes := audio.BytesForDuration(frameDur, s.sampleRate)
	pcm := s.prepareAudio(ctx, spec.Utterance.Text, frameBytes)

	s.drainStale()
	watch := &turnWatch{}

	// Stream the utterance in real time. A backend may endpoint before
	// the audio runs out; from then on the learner has stopped talking.
	for off := 0; off < len(pcm) && watch.committedAt.IsZero(); off += frameBytes {
		s.ctrl.HandleAudioFrame(pcm[off:off+frameBytes], s.sampleRate)

		pace := time.NewTimer(frameDur)
	frameGap:
		for {
			select {
			case <-ctx.Done():
				pace.Stop()
				return TurnTiming{}, ctx.Err()
			case msg, ok := <-s.msgs:
				if !ok {
					pace.Stop()
					return TurnTiming{}, errors.New("bench session closed mid-turn")
				}
				watch.observe(msg)
				if !watch.committedAt.IsZero() {
					pace.Stop()
					break frameGap
				}
			case <-pace.C:
				break frameGap
			}
		}
	}

	// The reference point for every stage: the utterance is over.
	speechEnd := time.Now()
	if watch.committedAt.IsZero() {
		s.ctrl.HandleControl(protocol.ActionCommit, "bench")
	}

	for watch.endedAt.IsZero() && watch.errCode == "" {
		select {
		case <-ctx.Done():
			return TurnTiming{}, ctx.Err()
		case msg, ok := <-s.msgs:
			if !ok {
				return TurnTiming{}, errors.New("bench session closed mid-turn")
			}
			watch.observe(msg)
		}
	}

	if watch.errCode != "" {
		return TurnTiming{}, fmt.Errorf("session error: %s", watch.errCode)
	}
	if watch.endReason != "completed" {
		return TurnTiming{}, fmt.Errorf("turn ended with reason %q", watch.endReason)
	}

	return TurnTiming{
		RecognizerMs:  msSince(speechEnd, watch.committedAt),
		FirstTokenMs:  msSince(speechEnd, watch.firstDelta),
		FirstAudioMs:  msSince(speechEnd, watch.firstAudio),
		EndToEndMs:    msSince(speechEnd, watch.endedAt),
		ResponseChars: watch.responseChars,
		AudioBytes:    watch.audioBytes,
	}, nil
}

func (s *probeSession) drainStale() {
	for {
		select {
		case <-s.msgs:
		default:
			return
		}
	}
}

// prepareAudio builds the PCM the turn replays as learner speech, padded
// to whole frames so every sent frame passes the adapter contract.
func (s *probeSession) prepareAudio(ctx context.Context, text string, frameBytes int) []byte {
	pcm := s.synthesizeUtterance(ctx, text)
	if len(pcm) == 0 {
		est := time.Duration(len(text)) * 60 * time.Millisecond
		if est < time.Second {
			est = time.Second
		}
		if est > 6*time.Second {
			est = 6 * time.Second
		}
		pcm = make([]byte, audio.BytesForDuration(est, s.sampleRate))
	}
	maxBytes := audio.BytesForDuration(6*time.Second, s.sampleRate)
	if len(pcm) > maxBytes {
		pcm = pcm[:maxBytes]
	}
	if frameBytes > 0 {
		if rem := len(pcm) % frameBytes; rem != 0 {
			pcm = append(pcm, make([]byte, frameBytes-rem)...)
		}
	}
	return pcm
}

func (s *probeSession) synthesizeUtterance(ctx context.Context, text string) []byte {
	if s.synth == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := s.synth.StartStream(sctx, s.voiceID, s.modelID, s.settings)
	if err != nil {
		return nil
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-sctx.Done():
			stream.Close()
		case <-stop:
		}
	}()
	defer close(stop)
	defer stream.Close()

	if err := stream.SendText(sctx, text, true); err != nil {
		return nil
	}
	if err := stream.CloseInput(sctx); err != nil {
		return nil
	}

	var pcm []byte
	for ev := range stream.Events() {
		if ev.Type == voice.SynthEventAudio && strings.HasPrefix(ev.Format, "pcm") {
			pcm = append(pcm, ev.Audio...)
		}
	}
	return pcm
}

func (s *probeSession) Close() error {
	s.cancel()
	for range s.msgs {
		// Drain so the pump can observe the outbound channel closing.
	}
	<-s.pumpDone
	return nil
}

func msSince(ref time.Time, at time.Time) float64 {
	if at.IsZero() {
		return 0
	}
	d := at.Sub(ref)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
