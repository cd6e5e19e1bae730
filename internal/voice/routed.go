package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/mentora/internal/health"
	"github.com/ent0n29/mentora/internal/reliability"
)

// NewRoutedProviderPair builds recognizer/synthesizer providers that consult
// the health monitor for a backend on every new session or stream and report
// outcomes back, so an open circuit steers the next request to the fallback.
// A start failure before the circuit trips surfaces to the caller; retrying
// is the caller's decision and each retry resolves the route again.
func NewRoutedProviderPair(
	monitor *health.Monitor,
	recognizers map[string]RecognizerProvider,
	synthesizers map[string]SynthesizerProvider,
	fallbackVoiceID string,
	fallbackModelID string,
) (RecognizerProvider, SynthesizerProvider) {
	return &RoutedRecognizer{
			monitor:  monitor,
			backends: recognizers,
		}, &RoutedSynthesizer{
			monitor:         monitor,
			backends:        synthesizers,
			fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
			fallbackModelID: strings.TrimSpace(fallbackModelID),
		}
}

// countsAgainstBackend reports whether an adapter error code should be
// charged to the backend circuit. Recoverable codes (a malformed payload, a
// single skipped unit) keep the circuit untouched.
func countsAgainstBackend(code string) bool {
	switch reliability.ClassifyProviderCode(code) {
	case reliability.ClassTransient, reliability.ClassFatalBackend:
		return true
	default:
		return false
	}
}

type RoutedRecognizer struct {
	monitor  *health.Monitor
	backends map[string]RecognizerProvider
}

func (p *RoutedRecognizer) StartSession(ctx context.Context, sessionID string) (RecognizerSession, <-chan RecognizerEvent, error) {
	binding, err := p.monitor.Resolve(health.RoleRecognizer)
	if err != nil {
		return nil, nil, err
	}
	provider, ok := p.backends[binding.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("recognizer backend %q not registered", binding.Backend)
	}

	start := time.Now()
	session, events, err := provider.StartSession(ctx, sessionID)
	p.monitor.ReportResult(health.RoleRecognizer, binding.Backend, err == nil, time.Since(start))
	if err != nil {
		return nil, nil, fmt.Errorf("recognizer backend %q: %w", binding.Backend, err)
	}

	wrapped := &routedRecognizerSession{
		inner:  session,
		events: make(chan RecognizerEvent, cap(events)),
		done:   make(chan struct{}),
		reportFailure: func() {
			p.monitor.ReportResult(health.RoleRecognizer, binding.Backend, false, 0)
		},
	}
	go wrapped.forward(events)
	return wrapped, wrapped.events, nil
}

// routedRecognizerSession forwards events unchanged and charges the first
// backend-fault error of the session to the circuit. The session start was
// already reported as its own request.
type routedRecognizerSession struct {
	inner         RecognizerSession
	events        chan RecognizerEvent
	done          chan struct{}
	closeOnce     sync.Once
	reportFailure func()
}

func (s *routedRecognizerSession) forward(src <-chan RecognizerEvent) {
	defer close(s.events)
	reported := false
	for ev := range src {
		if ev.Type == RecognizerEventError && !reported && countsAgainstBackend(ev.Code) {
			reported = true
			s.reportFailure()
		}
		select {
		case s.events <- ev:
		case <-s.done:
			// Consumer is gone; keep draining so the inner loop can exit.
		}
	}
}

func (s *routedRecognizerSession) SendAudioFrame(ctx context.Context, pcm []byte, sampleRate int, commit bool) error {
	return s.inner.SendAudioFrame(ctx, pcm, sampleRate, commit)
}

func (s *routedRecognizerSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.inner.Close()
	})
	return retErr
}

type RoutedSynthesizer struct {
	monitor         *health.Monitor
	backends        map[string]SynthesizerProvider
	fallbackVoiceID string
	fallbackModelID string
}

func (p *RoutedSynthesizer) StartStream(ctx context.Context, voiceID, modelID string, settings SynthSettings) (SynthStream, error) {
	binding, err := p.monitor.Resolve(health.RoleSynthesizer)
	if err != nil {
		return nil, err
	}
	provider, ok := p.backends[binding.Backend]
	if !ok {
		return nil, fmt.Errorf("synthesizer backend %q not registered", binding.Backend)
	}
	if binding.Fallback {
		if p.fallbackVoiceID != "" {
			voiceID = p.fallbackVoiceID
		}
		if p.fallbackModelID != "" {
			modelID = p.fallbackModelID
		}
	}

	start := time.Now()
	stream, err := provider.StartStream(ctx, voiceID, modelID, settings)
	if err != nil {
		p.monitor.ReportResult(health.RoleSynthesizer, binding.Backend, false, time.Since(start))
		return nil, fmt.Errorf("synthesizer backend %q: %w", binding.Backend, err)
	}

	wrapped := &routedSynthStream{
		inner:  stream,
		events: make(chan SynthEvent, cap(stream.Events())),
		done:   make(chan struct{}),
		report: func(success bool) {
			p.monitor.ReportResult(health.RoleSynthesizer, binding.Backend, success, time.Since(start))
		},
	}
	go wrapped.forward()
	return wrapped, nil
}

// routedSynthStream forwards events unchanged and reports the stream outcome
// exactly once: success at first audio, failure at the first backend-fault
// error, success at stream end otherwise. A successful start therefore
// resolves a half-open probe with a single result.
type routedSynthStream struct {
	inner     SynthStream
	events    chan SynthEvent
	done      chan struct{}
	closeOnce sync.Once
	report    func(success bool)
}

func (s *routedSynthStream) forward() {
	defer close(s.events)
	reported := false
	for ev := range s.inner.Events() {
		switch ev.Type {
		case SynthEventAudio:
			if !reported {
				reported = true
				s.report(true)
			}
		case SynthEventError:
			if !reported && countsAgainstBackend(ev.Code) {
				reported = true
				s.report(false)
			}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			// Consumer is gone; keep draining so the inner loop can exit.
		}
	}
	if !reported {
		s.report(true)
	}
}

func (s *routedSynthStream) SendText(ctx context.Context, text string, flush bool) error {
	return s.inner.SendText(ctx, text, flush)
}

func (s *routedSynthStream) CloseInput(ctx context.Context) error {
	return s.inner.CloseInput(ctx)
}

func (s *routedSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *routedSynthStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.inner.Close()
	})
	return retErr
}
