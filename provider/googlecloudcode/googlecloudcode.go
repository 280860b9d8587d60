// Package googlecloudcode implements the Google CloudCode Assist /
// Antigravity provider adapter (spec §4.6.4): the same Gemini wire format
// as googlegenai, routed through the CloudCode Assist endpoint, with
// server-hinted retry/backoff and a client-side rate limiter. A stream that
// opens and then ends with no events is not retried.
package googlecloudcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"agentrt/internal/logging"
	"agentrt/message"
	"agentrt/provider"
	"agentrt/provider/googlegenai"
)

const defaultBaseURL = "https://cloudcode-pa.googleapis.com"

// maxAttempts bounds the server-hinted-backoff retry loop.
const maxAttempts = 4

// Client implements provider.Adapter against the CloudCode Assist
// streaming endpoint. It wraps a googlegenai.Client (identical wire
// format) with retry/backoff and an inbound throttle.
type Client struct {
	inner   *googlegenai.Client
	limiter *rate.Limiter
}

// New builds a Client. doer is the HTTP transport seam; limiter defaults
// to 1 request/sec with a burst of 2 when nil.
func New(doer googlegenai.HTTPDoer, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(1), 2)
	}
	return &Client{inner: googlegenai.New(doer), limiter: limiter}
}

func (c *Client) StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.SimpleOptions) (provider.Stream, error) {
	full := provider.Options{BearerToken: opts.BearerToken, BaseURL: opts.BaseURL, Headers: opts.Headers}
	if opts.Reasoning != "" && opts.Reasoning != provider.ReasoningMinimal {
		full.Thinking = &provider.ThinkingOptions{Enable: true}
	}
	return c.Stream(ctx, model, ctxMsgs, full)
}

// Stream consults the client-side limiter before every attempt and makes
// up to maxAttempts attempts. A 429 (message.ErrRateLimited) is retried
// after one second; any other failure whose error text carries a
// "retryDelay" hint is retried after that hint (extracted with gjson, since
// the error body shape is otherwise unstructured). Other failures are
// returned at once. Once a stream opens it is returned as is: a stream
// with zero events before EOF is not retried.
func (c *Client) Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.Options) (provider.Stream, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	logger := logging.From(ctx)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("googlecloudcode: rate limiter: %w", err)
		}

		stream, err := c.inner.Stream(ctx, model, ctxMsgs, opts)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		delay, ok := retryDelayFromError(err)
		if !ok {
			return nil, err
		}
		logger.Warn().Err(err).Dur("retry_after", delay).Int("attempt", attempt+1).Msg("googlecloudcode: server-hinted backoff, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("googlecloudcode: exhausted retries: %w", lastErr)
}

// retryDelayFromError extracts a "retryDelay":"2s"-shaped hint from an
// error's message text, as CloudCode embeds it in an otherwise
// unstructured error body.
func retryDelayFromError(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if errors.Is(err, message.ErrRateLimited) {
		return time.Second, true
	}
	text := err.Error()
	hint := gjson.Get(text, "retryDelay")
	if !hint.Exists() {
		return 0, false
	}
	d, perr := time.ParseDuration(hint.String())
	if perr != nil {
		return 0, false
	}
	return d, true
}
