// Package httpclient is the outbound HTTP client shared by the source
// adapters and notification sinks: a rate limiter in front of an
// exponential-backoff retry loop.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Client is a wrapper for HTTP client with rate limiting and retries.
type Client struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	opts       Options
}

// Options holds options for creating a new Client.
type Options struct {
	// Timeout bounds a single request.
	Timeout time.Duration

	// RequestsPerSec is the sustained request rate (burst of the same size).
	RequestsPerSec int

	// InitialInterval is the first retry delay.
	InitialInterval time.Duration

	// MaxElapsedTime bounds the whole retry loop.
	MaxElapsedTime time.Duration
}

// NewClient creates a new HTTP client with rate limiting.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxElapsedTime == 0 {
		opts.MaxElapsedTime = 30 * time.Second
	}

	return &Client{
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		Limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.RequestsPerSec),
		opts:       opts,
	}
}

// StatusError is returned when the server kept answering with a retryable
// status until the retry budget ran out.
type StatusError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether a status code is worth retrying.
func Retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Do sends the request built by newReq, retrying network errors and
// retryable statuses with exponential backoff. newReq is called once per
// attempt so request bodies can be re-sent.
//
// Any non-retryable response (2xx, 3xx, most 4xx) is returned to the caller,
// who owns closing its body.
func (c *Client) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return c.do(ctx, newReq, Retryable, true)
}

// Post is Do for requests that must not be delivered twice, such as a
// webhook message. Only 429 is retried: the server refused the request
// without acting on it. A 5xx response is returned to the caller, and a
// network error is returned as is, since either may follow a request the
// server already handled.
func (c *Client) Post(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return c.do(ctx, newReq, func(code int) bool { return code == http.StatusTooManyRequests }, false)
}

func (c *Client) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), retryStatus func(int) bool, retryNetwork bool) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		if err := c.Limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		r, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil || !retryNetwork {
				return backoff.Permanent(err)
			}
			return err
		}
		if retryStatus(r.StatusCode) {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return &StatusError{StatusCode: r.StatusCode}
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxElapsedTime = c.opts.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return resp, nil
}

// IsStatus reports whether err carries an HTTP status error with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
