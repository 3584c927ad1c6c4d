package cfn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(deadline time.Duration) PollPolicy {
	return PollPolicy{
		InitialInterval: time.Microsecond,
		MaxInterval:     time.Millisecond,
		Deadline:        deadline,
	}
}

func TestWaitReturnsWhenDone(t *testing.T) {
	attempts := 0
	err := testPolicy(time.Second).Wait(context.Background(), func(context.Context) (bool, error) {
		attempts++
		return attempts >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWaitTimesOut(t *testing.T) {
	err := testPolicy(10 * time.Millisecond).Wait(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, errPollTimeout)
}

func TestWaitErrorsArePermanent(t *testing.T) {
	boom := errors.New("remote failure")
	attempts := 0
	err := testPolicy(time.Second).Wait(context.Background(), func(context.Context) (bool, error) {
		attempts++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestWaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := testPolicy(time.Minute).Wait(ctx, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
