package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want Class
	}{
		{200, ClassRecoverable},
		{400, ClassRecoverable},
		{401, ClassFatalBackend},
		{403, ClassFatalBackend},
		{408, ClassTransient},
		{429, ClassTransient},
		{500, ClassTransient},
		{503, ClassTransient},
	}
	for _, tc := range cases {
		if got := ClassifyHTTPStatus(tc.code); got != tc.want {
			t.Fatalf("ClassifyHTTPStatus(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassifyProviderCode(t *testing.T) {
	if got := ClassifyProviderCode("rate_limited"); got != ClassTransient {
		t.Fatalf("rate_limited = %q, want %q", got, ClassTransient)
	}
	if got := ClassifyProviderCode("auth_failed"); got != ClassFatalBackend {
		t.Fatalf("auth_failed = %q, want %q", got, ClassFatalBackend)
	}
	if got := ClassifyProviderCode("session_expired"); got != ClassFatalSession {
		t.Fatalf("session_expired = %q, want %q", got, ClassFatalSession)
	}
	if got := ClassifyProviderCode("unit_failed"); got != ClassRecoverable {
		t.Fatalf("unit_failed = %q, want %q", got, ClassRecoverable)
	}
}

func TestClassifyErr(t *testing.T) {
	if got := ClassifyErr(context.Canceled); got != ClassRecoverable {
		t.Fatalf("canceled = %q, want %q", got, ClassRecoverable)
	}
	if got := ClassifyErr(context.DeadlineExceeded); got != ClassTransient {
		t.Fatalf("deadline = %q, want %q", got, ClassTransient)
	}
	wrapped := fmt.Errorf("stream: %w", context.DeadlineExceeded)
	if got := ClassifyErr(wrapped); got != ClassTransient {
		t.Fatalf("wrapped deadline = %q, want %q", got, ClassTransient)
	}
	if got := ClassifyErr(errors.New("connection refused")); got != ClassFatalBackend {
		t.Fatalf("opaque error = %q, want %q", got, ClassFatalBackend)
	}
}

func TestClassifyErrStatusError(t *testing.T) {
	wrapped := fmt.Errorf("synthesize: %w", &StatusError{Status: 429})
	if got := ClassifyErr(wrapped); got != ClassTransient {
		t.Fatalf("429 = %q, want %q", got, ClassTransient)
	}
	wrapped = fmt.Errorf("completion: %w", &StatusError{Status: 401, Body: "bad key"})
	if got := ClassifyErr(wrapped); got != ClassFatalBackend {
		t.Fatalf("401 = %q, want %q", got, ClassFatalBackend)
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 200ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
