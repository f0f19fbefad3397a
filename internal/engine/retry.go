package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "none"
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// BackoffPolicy describes the delay between oracle attempts.
type BackoffPolicy struct {
	Strategy BackoffStrategy `mapstructure:"strategy" yaml:"strategy"`
	Delay    time.Duration   `mapstructure:"delay" yaml:"delay"`
	MaxDelay time.Duration   `mapstructure:"max_delay" yaml:"max_delay"`
}

// DefaultOracleBackoff doubles from 500ms up to 10s.
func DefaultOracleBackoff() BackoffPolicy {
	return BackoffPolicy{
		Strategy: BackoffExponential,
		Delay:    500 * time.Millisecond,
		MaxDelay: 10 * time.Second,
	}
}

// IsRetryableOracleError reports whether a failed oracle consultation is
// worth repeating. Malformed decisions are not: they go through the discard
// path instead. Deterministic failures (bad predicates, no capabilities)
// would fail the same way again.
func IsRetryableOracleError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch schema.ErrorCode(err) {
	case schema.ErrCodeOracleTimeout, schema.ErrCodeOracleFailed, schema.ErrCodeStore:
		return true
	case schema.ErrCodeInvalidDecision,
		schema.ErrCodeValidation,
		schema.ErrCodeExpression,
		schema.ErrCodeCapabilityUnavailable,
		schema.ErrCodeCancelled:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"overloaded",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown failures are retried; the attempt limit bounds them.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(p BackoffPolicy, attempt int) time.Duration {
	if p.Delay <= 0 || p.Strategy == BackoffNone {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns ctx.Err() if ctx ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
