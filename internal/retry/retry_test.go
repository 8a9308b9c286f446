package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxRetries: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	called := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		called++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	called := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		called++
		if called < 3 {
			return errors.New("temporary")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, called)
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("persistent")
	called := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		called++
		return sentinel
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, called)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	called := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		called++
		return fatal
	}, func(err error) bool { return false })

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, called)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour}

	called := 0
	err := Do(ctx, cfg, func() error {
		called++
		cancel()
		return errors.New("temporary")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, called)
}

func TestDoNotify_ReportsEachRetry(t *testing.T) {
	var attempts []int
	_ = DoNotify(context.Background(), fastConfig(3), func() error {
		return errors.New("x")
	}, nil, func(attempt int, err error, next time.Duration) {
		attempts = append(attempts, attempt)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 4, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, Backoff(cfg, 3), "capped")

	cfg.Jitter = 0.5
	// 100ms * 0.5 * 2/4 = 25ms of jitter on top of 200ms.
	assert.Equal(t, 225*time.Millisecond, Backoff(cfg, 2))
}

func TestConfigValid(t *testing.T) {
	assert.True(t, fastConfig(1).Valid())
	assert.False(t, Config{InitialBackoff: time.Second}.Valid())
	assert.False(t, Config{MaxRetries: 1}.Valid())
	assert.False(t, Config{MaxRetries: 1, InitialBackoff: time.Second, Jitter: 2}.Valid())
}
