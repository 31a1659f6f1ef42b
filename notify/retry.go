package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrorType is the retry category of a delivery failure
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTemporary ErrorType = "temporary"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// RetryPolicy controls how HTTP transports retry inside the channel's send timeout.
// Retries never outlive the context handed to Send.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first try (0 = none)
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Delays overrides the exponential backoff for specific error types
	Delays map[ErrorType][]time.Duration
	// Jitter is a fraction of the delay, between 0 and 1
	Jitter float64
}

// DefaultRetryPolicy fits inside the default five second notify timeout
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.1,
		Delays: map[ErrorType][]time.Duration{
			ErrorTypeRateLimit: {time.Second, 2 * time.Second},
		},
	}
}

// HTTPStatusError carries a non-2xx response status for classification
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, http.StatusText(e.Code))
}

// StatusCode returns the response status
func (e *HTTPStatusError) StatusCode() int {
	return e.Code
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return &permanentError{err: err}
}

// ClassifyError maps a delivery failure to its retry category
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return ErrorTypePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode(); {
		case code == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case code == http.StatusServiceUnavailable,
			code == http.StatusGatewayTimeout,
			code == http.StatusRequestTimeout:
			return ErrorTypeTimeout
		case code >= 500:
			return ErrorTypeTemporary
		case code >= 400:
			return ErrorTypePermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// ShouldRetry reports whether err is worth another attempt
func ShouldRetry(err error) bool {
	return ClassifyError(err) != ErrorTypePermanent
}

// withRetry runs fn until it succeeds, fails permanently, exhausts the policy
// or ctx ends. The last error is returned wrapped.
func withRetry(ctx context.Context, policy RetryPolicy, logger *zap.SugaredLogger, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		errorType := ClassifyError(lastErr)
		if errorType == ErrorTypePermanent {
			return fmt.Errorf("non-retryable error: %w", lastErr)
		}
		if attempt >= policy.MaxAttempts {
			return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxAttempts, lastErr)
		}

		delay := policy.delay(attempt, errorType)
		if logger != nil {
			logger.Debugw("Notification retry scheduled",
				"attempt", attempt+1,
				"error_type", errorType,
				"delay", delay,
				"error", lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}
}

func (p RetryPolicy) delay(attempt int, errorType ErrorType) time.Duration {
	var d time.Duration
	if delays, ok := p.Delays[errorType]; ok && attempt < len(delays) {
		d = delays[attempt]
	} else {
		d = p.BaseDelay * time.Duration(1<<uint(attempt))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(d))
		if d < 0 {
			d = p.BaseDelay
		}
	}
	return d
}
