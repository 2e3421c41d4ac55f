package governance

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBudget(t *testing.T) {
	p := NewRetryPolicy(2)
	transient := syscall.ECONNREFUSED

	assert.True(t, p.ShouldRetry(0, transient))
	assert.True(t, p.ShouldRetry(1, transient))
	assert.False(t, p.ShouldRetry(2, transient), "budget exhausted")
}

func TestRetryPolicyZeroRetries(t *testing.T) {
	p := NewRetryPolicy(0)
	assert.False(t, p.ShouldRetry(0, syscall.ECONNREFUSED))

	clamped := NewRetryPolicy(-3)
	assert.Equal(t, 0, clamped.MaxRetries)
}

func TestRetryPolicyNonTransientNeverRetried(t *testing.T) {
	p := NewRetryPolicy(5)
	assert.False(t, p.ShouldRetry(0, errors.New("certificate signed by unknown authority")))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"reset", syscall.ECONNRESET, true},
		{"aborted", syscall.ECONNABORTED, true},
		{"pipe", syscall.EPIPE, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"wrapped refused", errors.New("dial tcp 127.0.0.1:9999: connect: connection refused"), true},
		{"canceled", context.Canceled, false},
		{"tls", errors.New("x509: certificate has expired"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(&net.DNSError{Err: "timeout", IsTimeout: true}))
	assert.False(t, IsTimeout(syscall.ECONNREFUSED))
	assert.False(t, IsTimeout(errors.New("plain failure")))
}
