package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultFirstDeltaTimeout = 900 * time.Millisecond

// FallbackClient attempts a primary client first and falls back on error or
// when the primary has produced no delta within the first-delta timeout.
type FallbackClient struct {
	primary           Client
	fallback          Client
	firstDeltaTimeout time.Duration
}

func NewFallbackClient(primary, fallback Client, firstDeltaTimeout time.Duration) *FallbackClient {
	if firstDeltaTimeout <= 0 {
		firstDeltaTimeout = defaultFirstDeltaTimeout
	}
	return &FallbackClient{
		primary:           primary,
		fallback:          fallback,
		firstDeltaTimeout: firstDeltaTimeout,
	}
}

// Primary returns the preferred client used before fallback.
func (c *FallbackClient) Primary() Client {
	if c == nil {
		return nil
	}
	return c.primary
}

// Secondary returns the fallback client.
func (c *FallbackClient) Secondary() Client {
	if c == nil {
		return nil
	}
	return c.fallback
}

func (c *FallbackClient) StreamCompletion(
	ctx context.Context,
	req CompletionRequest,
	onDelta DeltaHandler,
) (CompletionResponse, error) {
	if c == nil || c.primary == nil {
		if c != nil && c.fallback != nil {
			return c.fallback.StreamCompletion(ctx, req, onDelta)
		}
		return CompletionResponse{}, fmt.Errorf("fallback client misconfigured")
	}

	type result struct {
		resp CompletionResponse
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	firstDeltaCh := make(chan struct{})
	var firstDeltaOnce sync.Once
	var acceptPrimaryDeltas atomic.Bool
	acceptPrimaryDeltas.Store(true)
	primaryResultCh := make(chan result, 1)

	go func() {
		resp, err := c.primary.StreamCompletion(primaryCtx, req, func(delta string) error {
			if strings.TrimSpace(delta) != "" {
				firstDeltaOnce.Do(func() {
					close(firstDeltaCh)
				})
			}
			if !acceptPrimaryDeltas.Load() {
				return context.Canceled
			}
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		primaryResultCh <- result{resp: resp, err: err}
	}()

	primary := result{}
	timedOutBeforeDelta := false
	if c.fallback == nil {
		primary = <-primaryResultCh
	} else {
		timer := time.NewTimer(c.firstDeltaTimeout)
		defer timer.Stop()
		select {
		case primary = <-primaryResultCh:
		case <-firstDeltaCh:
			primary = <-primaryResultCh
		case <-timer.C:
			// Stop feeding the caller from the primary; anything it still
			// streams after this point is discarded.
			acceptPrimaryDeltas.Store(false)
			cancelPrimary()
			timedOutBeforeDelta = true
			select {
			case primary = <-primaryResultCh:
			case <-time.After(200 * time.Millisecond):
			}
		}
	}

	if primary.err == nil && !timedOutBeforeDelta {
		return primary.resp, nil
	}
	if !timedOutBeforeDelta && (errors.Is(primary.err, context.Canceled) || errors.Is(primary.err, context.DeadlineExceeded)) {
		return CompletionResponse{}, primary.err
	}

	if c.fallback == nil {
		if timedOutBeforeDelta {
			return CompletionResponse{}, context.DeadlineExceeded
		}
		return CompletionResponse{}, primary.err
	}

	fallbackResp, fallbackErr := c.fallback.StreamCompletion(ctx, req, onDelta)
	if fallbackErr != nil {
		if timedOutBeforeDelta {
			if primary.err != nil {
				return CompletionResponse{}, fmt.Errorf("primary client timeout before first delta (%s): %w; fallback client error: %v", c.firstDeltaTimeout, primary.err, fallbackErr)
			}
			return CompletionResponse{}, fmt.Errorf("primary client timeout before first delta (%s); fallback client error: %v", c.firstDeltaTimeout, fallbackErr)
		}
		return CompletionResponse{}, fmt.Errorf("primary client error: %w; fallback client error: %v", primary.err, fallbackErr)
	}
	return fallbackResp, nil
}
