package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/mentora/internal/reliability"
)

func TestHTTPClientConsumeSSE(t *testing.T) {
	c := NewHTTPClientWithOptions("http://example.test", "", "", false)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\",\"finish_reason\":\"stop\"}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var deltas []string
	resp, err := c.consumeSSE(stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("resp.FinishReason = %q, want stop", resp.FinishReason)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
}

func TestHTTPClientConsumeSSEStrictInvalidJSON(t *testing.T) {
	c := NewHTTPClientWithOptions("http://example.test", "", "", true)
	stream := strings.NewReader("data: {not-json}\n\n")
	_, err := c.consumeSSE(stream, nil)
	if err == nil {
		t.Fatalf("consumeSSE() expected error for invalid strict payload")
	}
}

func TestHTTPClientConsumeNDJSON(t *testing.T) {
	c := NewHTTPClientWithOptions("http://example.test", "", "", false)
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"[DONE]",
	}, "\n"))

	resp, err := c.consumeNDJSON(stream, nil)
	if err != nil {
		t.Fatalf("consumeNDJSON() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestHTTPClientConsumeNDJSONStrictInvalidJSON(t *testing.T) {
	c := NewHTTPClientWithOptions("http://example.test", "", "", true)
	stream := strings.NewReader("not-json\n")
	_, err := c.consumeNDJSON(stream, nil)
	if err == nil {
		t.Fatalf("consumeNDJSON() expected error for strict invalid payload")
	}
}

func TestHTTPClientStreamCompletionSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer sk-test", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"delta\":\"kinetic \"}\n\ndata: {\"delta\":\"energy\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewHTTPClientWithOptions(srv.URL, "sk-test", "tutor-small", false)
	resp, err := c.StreamCompletion(context.Background(), CompletionRequest{
		SessionID: "s1",
		TurnID:    "t1",
		Messages:  []Message{{Role: "user", Content: "What is kinetic energy?"}},
	}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if resp.Text != "kinetic energy" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "kinetic energy")
	}
}

func TestHTTPClientStatusErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.StreamCompletion(context.Background(), CompletionRequest{}, nil)
	if err == nil {
		t.Fatalf("StreamCompletion() expected error for 503")
	}

	var statusErr *reliability.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want wrapped StatusError 503", err)
	}
	if got := reliability.ClassifyErr(err); got != reliability.ClassTransient {
		t.Fatalf("ClassifyErr() = %q, want %q", got, reliability.ClassTransient)
	}
}
