package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockProvider is a deterministic local backend used when no realtime
// credentials are configured, and as the routed fallback in tests.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (RecognizerSession, <-chan RecognizerEvent, error) {
	events := make(chan RecognizerEvent, 64)
	s := &mockRecognizerSession{events: events}
	return s, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ SynthSettings) (SynthStream, error) {
	events := make(chan SynthEvent, 128)
	return &mockSynthStream{events: events}, nil
}

type mockRecognizerSession struct {
	mu       sync.Mutex
	events   chan RecognizerEvent
	frames   int
	closed   bool
	hasAudio bool
}

func (s *mockRecognizerSession) SendAudioFrame(_ context.Context, pcm []byte, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.frames++
	if len(pcm) > 0 {
		s.hasAudio = true
		s.events <- RecognizerEvent{Type: RecognizerEventPartial, Text: "...", Confidence: 0.5, Timestamp: time.Now().UnixMilli()}
	}
	if commit || s.frames%8 == 0 {
		text := "simulated learner speech"
		if !s.hasAudio {
			text = ""
		}
		s.events <- RecognizerEvent{Type: RecognizerEventCommitted, Text: text, Confidence: 0.7, Source: "mock_commit", Timestamp: time.Now().UnixMilli()}
	}
	return nil
}

func (s *mockRecognizerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockSynthStream struct {
	mu     sync.Mutex
	events chan SynthEvent
	closed bool
}

func (s *mockSynthStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.events <- SynthEvent{Type: SynthEventAudio, Audio: []byte(text), Format: "mock_text_bytes"}
	return nil
}

// CloseInput finalizes the stream: no more text is coming, so the mock
// emits its final marker and closes Events() right away.
func (s *mockSynthStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- SynthEvent{Type: SynthEventFinal}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *mockSynthStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
