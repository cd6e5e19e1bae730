package audio

import (
	"testing"
	"time"
)

func TestFrameDuration(t *testing.T) {
	// 100ms at 16kHz mono PCM16 = 1600 samples = 3200 bytes.
	pcm := make([]byte, 3200)
	if got := FrameDuration(pcm, 16000); got != 100*time.Millisecond {
		t.Fatalf("FrameDuration() = %s, want 100ms", got)
	}
}

func TestBytesForDurationRoundTrip(t *testing.T) {
	n := BytesForDuration(100*time.Millisecond, 16000)
	if n != 3200 {
		t.Fatalf("BytesForDuration() = %d, want 3200", n)
	}
	if got := FrameDuration(make([]byte, n), 16000); got != 100*time.Millisecond {
		t.Fatalf("round trip duration = %s, want 100ms", got)
	}
}

func TestValidateFrameBounds(t *testing.T) {
	rate := 16000
	cases := []struct {
		name    string
		dur     time.Duration
		wantErr bool
	}{
		{"below_min", 10 * time.Millisecond, true},
		{"at_min", 20 * time.Millisecond, false},
		{"recommended", 100 * time.Millisecond, false},
		{"at_max", 500 * time.Millisecond, false},
		{"above_max", 600 * time.Millisecond, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pcm := make([]byte, BytesForDuration(tc.dur, rate))
			err := ValidateFrame(pcm, rate)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateFrame(%s) error = %v, wantErr=%v", tc.dur, err, tc.wantErr)
			}
		})
	}
}

func TestValidateFrameOddBytes(t *testing.T) {
	pcm := make([]byte, BytesForDuration(100*time.Millisecond, 16000)+1)
	if err := ValidateFrame(pcm, 16000); err == nil {
		t.Fatalf("ValidateFrame() accepted odd byte count")
	}
}

func TestWAVEncodeDecodeRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0x34, 0x12}
	wav, err := EncodeWAVPCM16LE(pcm, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	got, rate, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if string(got) != string(pcm) {
		t.Fatalf("decoded pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("not a wav file at all")); err == nil {
		t.Fatalf("DecodeWAVPCM16() accepted non-wav payload")
	}
}
