package etl

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// RetryPolicy bounds the retries of connectivity checks.
// Data-level errors are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Retryable   func(err error) bool // nil means IsTransient
}

// DefaultRetryPolicy returns 5 attempts, 0.5s base delay doubling up to 8s
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
		Retryable:   IsTransient,
	}
}

// Validate validates the policy
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return errors.New("retry policy is nil")
	}
	if p.MaxAttempts <= 0 {
		return errors.New("MaxAttempts must be greater than 0")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must be greater than or equal to 0")
	}
	if p.Multiplier < 1 {
		return errors.New("Multiplier must be greater than or equal to 1")
	}
	return nil
}

func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransient(err)
	}
	return p.Retryable(err)
}

// Do runs op until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
// Exhausted retries are reported as ErrKindConnectivity.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	transient := false
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			transient = false
			return backoff.Permanent(err)
		}
		transient = true
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
	if err == nil {
		return nil
	}
	if transient {
		return WithKind(errors.Wrapf(err, "gave up after %d attempts", attempts), ErrKindConnectivity)
	}
	return err
}

// IsTransient reports whether err looks like a connection-level failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
