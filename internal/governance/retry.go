package governance

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// RetryPolicy bounds the forwarder's retry budget for transient transport
// failures. Retries are immediate; upstream HTTP responses, including 4xx,
// are never retried.
type RetryPolicy struct {
	MaxRetries int
}

// NewRetryPolicy clamps the configured retry count into [0, MaxProxyRetries].
func NewRetryPolicy(maxRetries int) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryPolicy{MaxRetries: maxRetries}
}

// ShouldRetry reports whether another attempt is allowed after err.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.MaxRetries && IsTransient(err)
}

// transientPatterns covers transport failures whose error types are not
// reliably exposed by the http client.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection aborted",
	"broken pipe",
	"no such host",
}

// IsTransient classifies connection refused/reset/abort, DNS failures and
// timeouts as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := err.Error()
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err should surface as a gateway timeout rather
// than a bad gateway.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
