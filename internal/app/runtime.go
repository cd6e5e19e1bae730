package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/mentora/internal/config"
	"github.com/ent0n29/mentora/internal/llm"
	"github.com/ent0n29/mentora/internal/observability"
	"github.com/ent0n29/mentora/internal/protocol"
	"github.com/ent0n29/mentora/internal/session"
	"github.com/ent0n29/mentora/internal/transcript"
	"github.com/ent0n29/mentora/internal/turn"
	"github.com/ent0n29/mentora/internal/voice"
)

// historyLimit caps how many stored transcript entries seed a controller
// when a learner reconnects to an existing session.
const historyLimit = 40

// Runtime owns the per-connection turn stack. The websocket layer hands it
// a decoded inbound stream and an outbound queue; everything between them
// (recognizer, language model, synthesizer, transcript persistence) is
// wired here.
type Runtime struct {
	cfg         config.Config
	sessions    *session.Manager
	transcripts transcript.Store
	recognizer  voice.RecognizerProvider
	synthesizer voice.SynthesizerProvider
	language    llm.Client
	metrics     *observability.Metrics
}

func NewRuntime(
	cfg config.Config,
	sessions *session.Manager,
	transcripts transcript.Store,
	recognizer voice.RecognizerProvider,
	synthesizer voice.SynthesizerProvider,
	language llm.Client,
	metrics *observability.Metrics,
) *Runtime {
	return &Runtime{
		cfg:         cfg,
		sessions:    sessions,
		transcripts: transcripts,
		recognizer:  recognizer,
		synthesizer: synthesizer,
		language:    language,
		metrics:     metrics,
	}
}

// RunConnection drives one controller for the lifetime of a websocket
// connection. It returns when the client disconnects (inbound closes),
// the context is cancelled, or the controller loop exits on its own.
func (r *Runtime) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	cfg := turn.Config{
		SessionID:      sess.ID,
		LearnerID:      sess.LearnerID,
		TutorProfileID: sess.TutorProfileID,
		VoiceID:        sess.VoiceID,
		SynthModelID:   r.cfg.RealtimeSynthModel,
		SynthSettings: voice.SynthSettings{
			Stability:       r.cfg.SynthStability,
			SimilarityBoost: r.cfg.SynthSimilarityBoost,
			Speed:           r.cfg.SynthSpeed,
		},
		SampleRate:    r.cfg.AudioSampleRate,
		PrefetchDepth: r.cfg.SynthPrefetchDepth,
		ConfirmWindow: r.cfg.InterruptConfirmWindow,
		History:       r.loadHistory(ctx, sess.ID),
	}

	ctrl := turn.NewController(cfg, r.recognizer, r.synthesizer, r.language, r.transcripts, r.sessions, r.metrics)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ctrl.Run(runCtx)
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for msg := range ctrl.Outbound() {
			select {
			case outbound <- msg:
			case <-runCtx.Done():
				// Keep draining so the controller loop can wind down.
			}
		}
	}()

	defer func() {
		cancel()
		<-runDone
		<-pumpDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			r.dispatch(ctrl, sess.ID, msg, outbound)
		}
	}
}

func (r *Runtime) dispatch(ctrl *turn.Controller, sessionID string, msg any, outbound chan<- any) {
	switch m := msg.(type) {
	case protocol.ClientAudioFrame:
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_audio_payload",
				Source:    "gateway",
				Retryable: true,
				Detail:    "audio frame is not valid base64",
			}
			select {
			case outbound <- errEvent:
			default:
			}
			return
		}
		ctrl.HandleAudioFrame(pcm, m.SampleRate)
	case protocol.ClientControl:
		ctrl.HandleControl(m.Action, m.Reason)
	}
}

// loadHistory replays the stored tail of a conversation so a reconnecting
// learner resumes mid-context. Failures degrade to an empty history
// rather than blocking the connection.
func (r *Runtime) loadHistory(ctx context.Context, sessionID string) []turn.Message {
	if r.transcripts == nil {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	records, err := r.transcripts.History(hctx, sessionID, historyLimit)
	if err != nil || len(records) == 0 {
		return nil
	}
	msgs := make([]turn.Message, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, turn.Message{Role: rec.Role, Content: rec.Content, CreatedAt: rec.CreatedAt})
	}
	return msgs
}

// SynthPreview synthesizes one utterance outside any session so operators
// and clients can audition a voice before starting a conversation.
func (r *Runtime) SynthPreview(ctx context.Context, voiceID, modelID, text string) ([]byte, string, error) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	settings := voice.SynthSettings{
		Stability:       r.cfg.SynthStability,
		SimilarityBoost: r.cfg.SynthSimilarityBoost,
		Speed:           r.cfg.SynthSpeed,
	}
	stream, err := r.synthesizer.StartStream(sctx, voiceID, modelID, settings)
	if err != nil {
		return nil, "", err
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
		return nil, "", err
	}
	if err := stream.CloseInput(sctx); err != nil {
		return nil, "", err
	}

	var (
		buf       []byte
		format    string
		streamErr error
	)
	for ev := range stream.Events() {
		switch ev.Type {
		case voice.SynthEventAudio:
			buf = append(buf, ev.Audio...)
			if format == "" {
				format = ev.Format
			}
		case voice.SynthEventError:
			if streamErr == nil {
				streamErr = fmt.Errorf("synthesis failed: %s (%s)", ev.Code, ev.Detail)
			}
		}
	}
	if len(buf) == 0 {
		switch {
		case streamErr != nil:
			return nil, "", streamErr
		case sctx.Err() != nil:
			return nil, "", sctx.Err()
		default:
			return nil, "", errors.New("synthesizer produced no audio")
		}
	}
	return buf, format, nil
}
