package providers

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// RetryConfig controls exponential backoff for transient provider errors.
type RetryConfig struct {
	MaxRetries int           // 0 = no retry
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   20 * time.Second,
	}
}

// RetryingProvider retries Chat on rate limits, 5xx and network timeouts.
// ChatStream is retried only when the failure happens before the first chunk.
type RetryingProvider struct {
	Provider
	cfg RetryConfig
}

func NewRetryingProvider(p Provider, cfg RetryConfig) *RetryingProvider {
	return &RetryingProvider{Provider: p, cfg: cfg}
}

func (r *RetryingProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		resp, err := r.Provider.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == r.cfg.MaxRetries || !IsRetryable(err) {
			break
		}
		delay := backoffWithJitter(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt)
		slog.Warn("provider call failed, retrying", "provider", r.Name(), "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *RetryingProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		started := false
		resp, err := r.Provider.ChatStream(ctx, req, func(c StreamChunk) {
			started = true
			if onChunk != nil {
				onChunk(c)
			}
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if started || attempt == r.cfg.MaxRetries || !IsRetryable(err) {
			break
		}
		if err := sleepCtx(ctx, backoffWithJitter(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// IsRetryable reports whether err looks transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "rate limit", "resource_exhausted", "503", "unavailable", "502", "504", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
