package audio

import (
	"fmt"
	"time"
)

// Audio contract shared by every recognizer and synthesizer adapter:
// mono, 16-bit signed little-endian PCM at a fixed sample rate.
const (
	DefaultSampleRate = 16000
	BytesPerSample    = 2

	// Frame bounds accepted by recognizer adapters. Clients should send
	// RecommendedFrameDuration frames; anything inside the bounds is legal.
	MinFrameDuration         = 20 * time.Millisecond
	MaxFrameDuration         = 500 * time.Millisecond
	RecommendedFrameDuration = 100 * time.Millisecond
)

// FrameDuration returns the play time of a PCM16LE mono buffer.
func FrameDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesForDuration returns the PCM16LE byte count covering d, rounded down
// to a whole sample.
func BytesForDuration(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if d <= 0 {
		return 0
	}
	samples := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return samples * BytesPerSample
}

// ValidateFrame rejects frames outside the adapter contract.
func ValidateFrame(pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate=%d", sampleRate)
	}
	if len(pcm) == 0 {
		return fmt.Errorf("empty audio frame")
	}
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("audio frame has odd byte count %d", len(pcm))
	}
	d := FrameDuration(pcm, sampleRate)
	if d < MinFrameDuration {
		return fmt.Errorf("audio frame too short: %s < %s", d, MinFrameDuration)
	}
	if d > MaxFrameDuration {
		return fmt.Errorf("audio frame too long: %s > %s", d, MaxFrameDuration)
	}
	return nil
}
