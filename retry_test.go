package etl_test

import (
	"context"
	"database/sql/driver"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etl "github.com/theplant/dwetl"
)

func fastPolicy(attempts int) *etl.RetryPolicy {
	return &etl.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestRetryPolicyRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return driver.ErrBadConn
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, etl.ErrKindConnectivity, etl.KindOf(err))
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Contains(t, err.Error(), "gave up after 4 attempts")
}

func TestRetryPolicyFailsFastOnDataErrors(t *testing.T) {
	calls := 0
	dataErr := errors.New("column price is not numeric")
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return dataErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, dataErr)
	assert.NotEqual(t, etl.ErrKindConnectivity, etl.KindOf(err))
}

func TestRetryPolicyCustomClassifier(t *testing.T) {
	flaky := errors.New("flaky")
	policy := fastPolicy(3)
	policy.Retryable = func(err error) bool { return errors.Is(err, flaky) }

	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return flaky
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := fastPolicy(5)
	policy.BaseDelay = time.Second
	calls := 0
	err := policy.Do(ctx, func(ctx context.Context) error {
		calls++
		return driver.ErrBadConn
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, etl.DefaultRetryPolicy().Validate())

	var nilPolicy *etl.RetryPolicy
	assert.Error(t, nilPolicy.Validate())
	assert.Error(t, (&etl.RetryPolicy{MaxAttempts: 0, Multiplier: 2}).Validate())
	assert.Error(t, (&etl.RetryPolicy{MaxAttempts: 1, Multiplier: 0.5}).Validate())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, etl.IsTransient(driver.ErrBadConn))
	assert.True(t, etl.IsTransient(errors.Wrap(syscall.ECONNRESET, "read")))
	assert.False(t, etl.IsTransient(context.Canceled))
	assert.False(t, etl.IsTransient(errors.New("syntax error")))
	assert.False(t, etl.IsTransient(nil))
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := etl.DefaultRetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
	assert.Equal(t, 8*time.Second, policy.MaxDelay)
}
