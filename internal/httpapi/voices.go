package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/mentora/internal/audio"
)

type voiceSummary struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Recommended    []voiceSummary `json:"recommended"`
	Voices         []voiceSummary `json:"voices"`
}

// tutorVoices is the curated catalog the client picker shows. Every entry
// maps onto a synthesizer voice the preview endpoint can render.
var tutorVoices = []voiceSummary{
	{VoiceID: "tutor_1", Name: "Maya (US, patient)", Category: "tutor", Labels: map[string]string{"accent": "american", "style": "patient"}},
	{VoiceID: "tutor_2", Name: "Alex (US, upbeat)", Category: "tutor", Labels: map[string]string{"accent": "american", "style": "upbeat"}},
	{VoiceID: "tutor_3", Name: "Priya (UK, precise)", Category: "tutor", Labels: map[string]string{"accent": "british", "style": "precise"}},
	{VoiceID: "tutor_4", Name: "Sam (US, calm)", Category: "tutor", Labels: map[string]string{"accent": "american", "style": "calm"}},
	{VoiceID: "tutor_5", Name: "Nadia (UK, encouraging)", Category: "tutor", Labels: map[string]string{"accent": "british", "style": "encouraging"}},
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	defaultID := strings.TrimSpace(s.cfg.DefaultVoiceID)
	if defaultID == "" {
		defaultID = tutorVoices[0].VoiceID
	}

	voices := make([]voiceSummary, len(tutorVoices))
	copy(voices, tutorVoices)

	recommended := []voiceSummary{
		voices[0], // tutor_1
		voices[1], // tutor_2
		voices[2], // tutor_3
	}

	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: defaultID,
		Recommended:    recommended,
		Voices:         voices,
	})
}

type synthPreviewRequest struct {
	VoiceID string `json:"voice_id"`
	ModelID string `json:"model_id"`
	Text    string `json:"text"`
}

// handleSynthPreview renders a short sample through the active synthesizer
// so a learner can audition a tutor voice before starting a session. PCM
// responses are wrapped in a WAV container so browsers can play them
// directly.
func (s *Server) handleSynthPreview(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn runtime not configured")
		return
	}
	// Only require a vendor key if the realtime backend is pinned on.
	if strings.EqualFold(strings.TrimSpace(s.cfg.VoiceProvider), "realtime") && strings.TrimSpace(s.cfg.RealtimeAPIKey) == "" {
		respondError(w, http.StatusBadRequest, "missing_realtime_key", "REALTIME_API_KEY is not set")
		return
	}

	var req synthPreviewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = s.cfg.DefaultVoiceID
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		modelID = s.cfg.RealtimeSynthModel
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = "Hi! I'm your tutor. Ready when you are."
	}

	pcm, format, err := s.runtime.SynthPreview(r.Context(), voiceID, modelID, text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "synth_preview_failed", err.Error())
		return
	}

	contentType := mimeForSynthFormat(format)
	out := pcm
	if sampleRate, ok := pcmSampleRate(format); ok {
		wav, err := audio.EncodeWAVPCM16LE(out, sampleRate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "synth_preview_failed", err.Error())
			return
		}
		out = wav
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	if strings.TrimSpace(format) != "" {
		w.Header().Set("X-Audio-Format", strings.TrimSpace(format))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func mimeForSynthFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case strings.Contains(f, "wav"):
		return "audio/wav"
	case strings.Contains(f, "mp3"):
		return "audio/mpeg"
	case strings.Contains(f, "ogg"):
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

func pcmSampleRate(format string) (int, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	idx := strings.Index(f, "pcm_")
	if idx < 0 {
		return 0, false
	}
	rest := f[idx+len("pcm_"):]
	n := 0
	for n < len(rest) {
		c := rest[n]
		if c < '0' || c > '9' {
			break
		}
		n++
	}
	if n == 0 {
		return audio.DefaultSampleRate, true
	}
	sr, err := strconv.Atoi(rest[:n])
	if err != nil || sr <= 0 {
		return audio.DefaultSampleRate, true
	}
	return sr, true
}
