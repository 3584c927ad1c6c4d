package cfn

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollPolicy bounds a remote wait loop: how often to poll and how long to
// keep trying. Injected rather than hard-coded so tests can run waits in
// microseconds.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Deadline        time.Duration
}

// errNotDone drives the retry loop; it never escapes Wait.
var errNotDone = errors.New("condition not yet met")

// errPollTimeout is returned by Wait when the deadline elapses. Callers wrap
// it in a WaitTimeoutError carrying the last observed status.
var errPollTimeout = errors.New("poll deadline exceeded")

// Wait polls check until it reports done, a permanent error occurs, the
// policy's deadline elapses, or ctx is cancelled. Errors from check are
// permanent; this engine never retries past a remote failure.
func (p PollPolicy) Wait(ctx context.Context, check func(context.Context) (bool, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = p.Deadline
	bo.Multiplier = 1.5

	err := backoff.Retry(func() error {
		done, err := check(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errNotDone
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if errors.Is(err, errNotDone) {
		return errPollTimeout
	}
	return err
}
