package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/i474232898/carbon-collector/internal/carbon"
	"github.com/i474232898/carbon-collector/internal/logging"
	"github.com/i474232898/carbon-collector/internal/metrics"
)

const (
	// DefaultMaxRetries is the number of attempts made per fetch cycle.
	DefaultMaxRetries = 5
	// DefaultBackoffBase is the wait after the first failed attempt; it doubles per attempt.
	DefaultBackoffBase = time.Second

	errorBodyLimit = 512
)

// BackoffConfig controls exponential backoff behaviour.
// Attempt i (0-indexed) is followed by a wait of Base * 2^i. There is no jitter.
type BackoffConfig struct {
	MaxRetries int
	Base       time.Duration
}

// Delay returns the wait that follows the given failed attempt.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	return b.Base << uint(attempt)
}

// HTTPClientConfig bundles HTTP client and retry settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// retrier runs requests with bounded retries. now and sleep are replaceable in tests.
type retrier struct {
	cfg     HTTPClientConfig
	name    string
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRetrier(name string, cfg HTTPClientConfig, m *metrics.Metrics) *retrier {
	return &retrier{
		cfg:     cfg,
		name:    name,
		metrics: m,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// do executes the request built by buildRequest until a 2xx response arrives or the
// attempts run out. On success it returns the open response, the time captured just
// before the successful request was sent and the number of attempts used.
// Every failure is a *carbon.FetchError carrying the last observed cause.
func (r *retrier) do(
	ctx context.Context,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, time.Time, int, error) {
	if r.cfg.Client == nil {
		return nil, time.Time{}, 0, &carbon.FetchError{Kind: carbon.ErrTransport, Err: errNoHTTPClient}
	}
	if r.cfg.Backoff.MaxRetries <= 0 || r.cfg.Backoff.Base < 0 {
		return nil, time.Time{}, 0, &carbon.FetchError{Kind: carbon.ErrTransport, Err: errInvalidConfig}
	}

	var lastErr *carbon.FetchError

	for attempt := 0; attempt < r.cfg.Backoff.MaxRetries; attempt++ {
		req, err := buildRequest(ctx)
		if err != nil {
			return nil, time.Time{}, attempt, &carbon.FetchError{Kind: carbon.ErrTransport, Attempts: attempt, Err: err}
		}

		requestedAt := r.now()
		resp, err := r.cfg.Client.Do(req)
		switch {
		case err != nil:
			lastErr = &carbon.FetchError{Kind: carbon.ErrTransport, Attempts: attempt + 1, Err: err}
			r.metrics.ObserveAttempt(metrics.AttemptTransport)
			if ctx.Err() != nil {
				return nil, time.Time{}, attempt + 1, lastErr
			}
			logging.Warn().
				Err(err).
				Str("provider", r.name).
				Int("attempt", attempt+1).
				Msg("connection error, backing off")

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			snippet := readSnippet(resp.Body)
			resp.Body.Close()
			lastErr = &carbon.FetchError{
				Kind:       carbon.ErrRemote,
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
				Err:        remoteCause(resp.StatusCode, snippet),
			}
			r.metrics.ObserveAttempt(metrics.AttemptRemote)
			logRemote(r.name, attempt+1, resp.StatusCode, snippet)

		default:
			return resp, requestedAt, attempt + 1, nil
		}

		if attempt == r.cfg.Backoff.MaxRetries-1 {
			break
		}

		delay := r.cfg.Backoff.Delay(attempt)
		logging.Debug().
			Str("provider", r.name).
			Dur("backoff", delay).
			Msg("waiting before next attempt")
		if err := r.sleep(ctx, delay); err != nil {
			return nil, time.Time{}, attempt + 1, &carbon.FetchError{
				Kind:     lastErr.Kind,
				Attempts: attempt + 1,
				Err:      err,
			}
		}
		r.metrics.AddBackoff(delay)
	}

	return nil, time.Time{}, lastErr.Attempts, lastErr
}

// logRemote keeps server errors and other non-success statuses apart in the logs.
// Both are retried.
func logRemote(provider string, attempt, status int, snippet string) {
	ev := logging.Warn()
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		ev = ev.Str("class", "server_error")
	default:
		ev = ev.Str("class", "unexpected_status")
	}
	ev.Str("provider", provider).
		Int("attempt", attempt).
		Int("status", status).
		Str("body", snippet).
		Msg("non-success response, backing off")
}

func remoteCause(status int, snippet string) error {
	if snippet == "" {
		return errors.New(http.StatusText(status))
	}
	return fmt.Errorf("%s: %s", http.StatusText(status), snippet)
}

func readSnippet(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, errorBodyLimit))
	return string(b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
