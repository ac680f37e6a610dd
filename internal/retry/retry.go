// Package retry provides the bounded retry policy shared by the tracker clients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/danielolaszy/tracksync/internal/logging"
)

// Policy retries a call a fixed number of times with a constant wait between
// attempts, then throttles successful calls by Delay.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// Wait is the pause between two attempts.
	Wait time.Duration

	// Delay is the pause after every successful call.
	Delay time.Duration

	// OnExhausted is called with the last error once every attempt failed.
	OnExhausted func(name string, err error)
}

// New returns a policy with the same wait between retries and after
// successful calls, which is how both tracker APIs are rate limited.
func New(maxAttempts int, sleep time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Wait:        sleep,
		Delay:       sleep,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do runs op until it succeeds, returns a permanent error, the context is
// done or MaxAttempts is reached. name is only used for logging.
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Wait)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	notify := func(err error, wait time.Duration) {
		logging.Info("retrying request",
			"request", name,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	// RetryNotify unwraps permanent errors, so remember what op returned
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempt++
		lastErr = op()
		return lastErr
	}, b, notify)
	if err != nil {
		if !IsPermanent(lastErr) && ctx.Err() == nil && p.OnExhausted != nil {
			p.OnExhausted(name, err)
		}
		return err
	}

	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return nil
}

// CheckResponse classifies an HTTP response: 2xx is nil, 5xx and 429 are
// retryable errors and every other status is a permanent error.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return Permanent(err)
}
