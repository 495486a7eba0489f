// Package llm wraps one OpenAI-compatible chat-completions endpoint with
// bounded retries and a consecutive-timeout circuit breaker.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/coder/balatrollm/internal/applog"
)

const maxConsecutiveTimeouts = 3

var (
	// ErrTimeoutExhausted is raised after three consecutive request
	// timeouts, counted across Call invocations. Fatal for the run.
	ErrTimeoutExhausted = errors.New("consecutive llm request timeouts")

	// ErrRetryExhausted is raised when all retry attempts fail for
	// non-timeout reasons. Also fatal, but distinguishable.
	ErrRetryExhausted = errors.New("llm retry attempts exhausted")

	errContentFiltered = errors.New("llm response finished by content filter")
)

// IsFatal reports whether err ends the run rather than the attempt.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTimeoutExhausted) || errors.Is(err, ErrRetryExhausted)
}

type Options struct {
	Timeout    time.Duration // per-attempt; default 240s
	MaxRetries int           // default 3
	BackoffMin time.Duration // first retry delay; default 1s
}

type Client struct {
	apiKey     string
	maxRetries int
	backoffMin time.Duration

	http *resty.Client
	log  *zap.Logger

	consecutiveTimeouts int
}

func NewClient(baseURL, apiKey string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 240 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	return &Client{
		apiKey:     apiKey,
		maxRetries: opts.MaxRetries,
		backoffMin: opts.BackoffMin,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(opts.Timeout),
		log: applog.L(),
	}
}

// SetLogger routes client logs to a per-run logger.
func (c *Client) SetLogger(log *zap.Logger) {
	c.log = log
}

func (c *Client) Close() error {
	return c.http.Close()
}

// ConsecutiveTimeouts exposes the breaker state for telemetry.
func (c *Client) ConsecutiveTimeouts() int {
	return c.consecutiveTimeouts
}

// Call sends a chat completion request. Connection errors, non-2xx
// statuses and content-filter finishes are retried with exponential
// backoff; a length-capped completion is returned as-is since it may
// still carry a usable tool call. Returns the parsed response and the
// raw body for telemetry.
func (c *Client) Call(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, []byte, error) {
	delay := c.backoffMin
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, raw, err := c.post(ctx, req)
		switch {
		case err == nil:
			c.consecutiveTimeouts = 0
			return resp, raw, nil

		case ctx.Err() != nil:
			return nil, nil, ctx.Err()

		case isTimeout(err):
			c.consecutiveTimeouts++
			c.log.Error("llm timeout",
				zap.Int("consecutive", c.consecutiveTimeouts),
				zap.Int("limit", maxConsecutiveTimeouts),
				zap.Error(err))
			if c.consecutiveTimeouts >= maxConsecutiveTimeouts {
				return nil, nil, fmt.Errorf("%w (%d): %v", ErrTimeoutExhausted, c.consecutiveTimeouts, err)
			}
			lastErr = err

		default:
			c.log.Error("llm request failed", zap.Error(err))
			lastErr = err
		}

		if attempt < c.maxRetries-1 {
			c.log.Warn("retrying llm request",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", c.maxRetries))
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, []byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetBody(req).
		Post("/chat/completions")
	if err != nil {
		return nil, nil, err
	}

	raw := resp.Bytes()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		var body errorResponse
		msg := resp.Status()
		if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil && body.Error != nil {
			msg = body.Error.Message
		}
		return nil, nil, &StatusError{StatusCode: resp.StatusCode(), Message: msg}
	}

	var parsed ChatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decoding completion: %w", err)
	}
	if len(parsed.Choices) > 0 {
		switch parsed.Choices[0].FinishReason {
		case "content_filter":
			return nil, nil, errContentFiltered
		case "length":
			// Truncated output is not an error: the partial completion
			// may still contain a usable tool call.
			c.log.Warn("llm response hit output length cap")
		}
	}
	return &parsed, raw, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
