package base

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) *RetryPolicy {
	rp := NewRetryPolicy(attempts, time.Millisecond)
	rp.RandomizeFactor = 0
	return rp
}

func TestExecuteRetriesTransient(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &errors.APIError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnFatal(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), func() error {
		calls++
		return &errors.AuthenticationError{Reason: "invalid_grant"}
	})
	assert.True(t, errors.IsAuthenticationError(err))
	assert.Equal(t, 1, calls)
}

func TestExecuteDoesNotBackOffOnQueryTimeout(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), func() error {
		calls++
		return &errors.APIError{StatusCode: 400, ErrorCode: errors.CodeQueryTimeout}
	})
	assert.Equal(t, errors.ClassQueryTimeout, errors.Classify(err))
	assert.Equal(t, 1, calls)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	var retried []int
	rp := fastPolicy(3)
	rp.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	err := rp.Execute(context.Background(), func() error { return &errors.APIError{StatusCode: 429} })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Equal(t, errors.ClassTransient, errors.Classify(err))
	assert.Equal(t, []int{1, 2}, retried)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rp := NewRetryPolicy(5, time.Hour)
	err := rp.Execute(ctx, func() error {
		cancel()
		return &errors.APIError{StatusCode: 500}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	rp := fastPolicy(10)
	rp.InitialDelay = time.Second
	rp.MaxDelay = 5 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{8, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, rp.calculateDelay(tt.attempt))
		})
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	rp := RetryPolicyFromConfig(config.ReliabilityConfig{RetryAttempts: 4, RetryDelay: 2 * time.Second, MaxRetryDelay: 10 * time.Second})
	assert.Equal(t, 4, rp.MaxAttempts)
	assert.Equal(t, 2*time.Second, rp.InitialDelay)
	assert.Equal(t, 10*time.Second, rp.MaxDelay)

	rp = RetryPolicyFromConfig(config.ReliabilityConfig{RetryAttempts: 3, RetryDelay: time.Second})
	assert.Equal(t, 5*time.Minute, rp.MaxDelay, "unset max delay keeps the default")
}
