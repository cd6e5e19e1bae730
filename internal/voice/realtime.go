package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/mentora/internal/reliability"
)

type RealtimeConfig struct {
	APIKey            string
	WSBaseURL         string
	RecognizerModelID string
	OutputFormat      string
}

// RealtimeProvider speaks the realtime websocket protocol shared by our
// hosted recognizer and synthesizer backends.
type RealtimeProvider struct {
	cfg RealtimeConfig
}

func NewRealtimeProvider(cfg RealtimeConfig) *RealtimeProvider {
	if strings.TrimSpace(cfg.RecognizerModelID) == "" {
		cfg.RecognizerModelID = "rt_general_v1"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	return &RealtimeProvider{cfg: cfg}
}

func (p *RealtimeProvider) StartSession(ctx context.Context, _ string) (RecognizerSession, <-chan RecognizerEvent, error) {
	if strings.TrimSpace(p.cfg.WSBaseURL) == "" {
		return nil, nil, fmt.Errorf("realtime ws base url is required")
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.RecognizerModelID)
	q.Set("commit_strategy", "vad")
	q.Set("include_timestamps", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial recognizer websocket: %w", err)
	}

	events := make(chan RecognizerEvent, 256)
	s := &realtimeRecognizerSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

func (p *RealtimeProvider) StartStream(ctx context.Context, voiceID, modelID string, settings SynthSettings) (SynthStream, error) {
	if strings.TrimSpace(p.cfg.WSBaseURL) == "" {
		return nil, fmt.Errorf("realtime ws base url is required")
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "rt_expressive_v2"
	}
	stability, similarity, speed := clampSynthSettings(settings)

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial synthesizer websocket: %w", err)
	}

	s := &realtimeSynthStream{conn: conn, events: make(chan SynthEvent, 512)}
	go s.readLoop()
	// Prime the stream as documented for streaming synthesis input.
	_ = s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        stability,
			"similarity_boost": similarity,
			"speed":            speed,
		},
	})
	return s, nil
}

func clampSynthSettings(settings SynthSettings) (stability, similarity, speed float64) {
	stability = settings.Stability
	if stability <= 0 {
		stability = 0.42
	}
	if stability > 1 {
		stability = 1
	}

	similarity = settings.SimilarityBoost
	if similarity <= 0 {
		similarity = 0.85
	}
	if similarity > 1 {
		similarity = 1
	}

	speed = settings.Speed
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.7 {
		speed = 0.7
	} else if speed > 1.2 {
		speed = 1.2
	}
	return stability, similarity, speed
}

type realtimeRecognizerSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan RecognizerEvent
}

func (s *realtimeRecognizerSession) SendAudioFrame(_ context.Context, pcm []byte, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *realtimeRecognizerSession) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if ev, ok := decodeRecognizerMessage(data); ok {
			s.events <- ev
		}
	}
}

func decodeRecognizerMessage(data []byte) (RecognizerEvent, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return RecognizerEvent{}, false
	}
	messageType := asString(raw["message_type"])
	switch messageType {
	case "partial_transcript":
		return RecognizerEvent{
			Type:       RecognizerEventPartial,
			Text:       asString(raw["text"]),
			Confidence: asFloat(raw["confidence"]),
			Timestamp:  time.Now().UnixMilli(),
		}, true
	case "committed_transcript", "committed_transcript_with_timestamps":
		return RecognizerEvent{
			Type:       RecognizerEventCommitted,
			Text:       asString(raw["text"]),
			Confidence: asFloat(raw["confidence"]),
			Source:     "backend_vad",
			Timestamp:  time.Now().UnixMilli(),
		}, true
	case "session_started", "", "input_audio_chunk":
		// Control acknowledgements carry no transcript.
		return RecognizerEvent{}, false
	default:
		return RecognizerEvent{
			Type:      RecognizerEventError,
			Code:      messageType,
			Detail:    asString(raw["error"]),
			Retryable: reliability.ClassifyProviderCode(messageType) == reliability.ClassTransient,
			Timestamp: time.Now().UnixMilli(),
		}, true
	}
}

func (s *realtimeRecognizerSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *realtimeRecognizerSession) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

type realtimeSynthStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan SynthEvent
}

func (s *realtimeSynthStream) SendText(_ context.Context, text string, flush bool) error {
	payload := map[string]any{
		"text":                   text,
		"try_trigger_generation": flush,
	}
	return s.writeJSON(payload)
}

func (s *realtimeSynthStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *realtimeSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *realtimeSynthStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *realtimeSynthStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *realtimeSynthStream) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, ev := range decodeSynthMessages(data) {
			s.events <- ev
		}
	}
}

func decodeSynthMessages(data []byte) []SynthEvent {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	var out []SynthEvent
	if encoded := asString(raw["audio"]); encoded != "" {
		audio, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			out = append(out, SynthEvent{
				Type:      SynthEventError,
				Code:      "decode_failed",
				Detail:    "bad base64 audio payload",
				Retryable: false,
			})
		} else {
			out = append(out, SynthEvent{Type: SynthEventAudio, Audio: audio, Format: "base64_audio"})
		}
	}
	if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
		out = append(out, SynthEvent{Type: SynthEventFinal})
	}
	if errMsg := asString(raw["error"]); errMsg != "" {
		code := asString(raw["message_type"])
		out = append(out, SynthEvent{
			Type:      SynthEventError,
			Code:      code,
			Detail:    errMsg,
			Retryable: reliability.ClassifyProviderCode(code) == reliability.ClassTransient,
		})
	}
	return out
}

func (s *realtimeSynthStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
