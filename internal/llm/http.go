package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/mentora/internal/reliability"
)

// HTTPClient streams completions from a chat-style HTTP endpoint that speaks
// SSE or NDJSON.
type HTTPClient struct {
	url    string
	apiKey string
	model  string
	strict bool
	client *http.Client
}

func NewHTTPClient(url string) *HTTPClient {
	return NewHTTPClientWithOptions(url, "", "", false)
}

// NewHTTPClientWithOptions builds the client; strict makes malformed stream
// payloads an error instead of pass-through text.
func NewHTTPClientWithOptions(url, apiKey, model string, strict bool) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(model),
		strict: strict,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type httpCompletionPayload struct {
	CompletionRequest
	Model  string `json:"model,omitempty"`
	Stream bool   `json:"stream"`
}

func (c *HTTPClient) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	payload, err := json.Marshal(httpCompletionPayload{
		CompletionRequest: req,
		Model:             c.model,
		Stream:            true,
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return CompletionResponse{}, fmt.Errorf("language model: %w", &reliability.StatusError{
			Status: res.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		})
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return c.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson") || strings.Contains(ct, "application/jsonl"):
		return c.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return CompletionResponse{}, nil
		}
		if onDelta != nil {
			if err := onDelta(text); err != nil {
				return CompletionResponse{}, err
			}
		}
		return CompletionResponse{Text: text}, nil
	}

	text := extractDelta(obj)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: text, FinishReason: extractFinishReason(obj)}, nil
}

func (c *HTTPClient) consumeSSE(body io.Reader, onDelta DeltaHandler) (CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	finishReason := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				break
			}
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			if c.strict {
				return CompletionResponse{}, fmt.Errorf("decode sse payload: %w", err)
			}
			continue
		}
		if fr := extractFinishReason(obj); fr != "" {
			finishReason = fr
		}

		delta := extractDelta(obj)
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return CompletionResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return CompletionResponse{Text: out.String(), FinishReason: finishReason}, nil
}

func (c *HTTPClient) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	finishReason := ""
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &obj); err == nil {
			if fr := extractFinishReason(obj); fr != "" {
				finishReason = fr
			}
			delta = extractDelta(obj)
		} else if c.strict {
			return CompletionResponse{}, fmt.Errorf("decode ndjson payload: %w", err)
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return CompletionResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return CompletionResponse{Text: out.String(), FinishReason: finishReason}, nil
}

func extractDelta(obj map[string]any) string {
	for _, k := range []string{"delta", "text", "content", "output"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func extractFinishReason(obj map[string]any) string {
	for _, k := range []string{"finish_reason", "stop_reason", "done_reason"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
