package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Options{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	attempts := 0
	sentinel := errors.New("still failing")
	err := Do(context.Background(), Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, attempts)
}

func TestDoPermanentFailsFast(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), Options{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, attempts, "permanent errors must not retry")
}
