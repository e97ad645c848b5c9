package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

// DefaultBackoff is the retry policy for cluster calls: three attempts with
// exponential, jittered delays.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.5,
	Steps:    3,
}

// retry runs fn until it succeeds, fails with an error that is not
// transient, or the backoff is exhausted. The last error is returned.
func retry(ctx context.Context, backoff wait.Backoff, logger zerolog.Logger, step string, fn func(context.Context) error) error {
	var lastErr error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		err := fn(ctx)
		switch {
		case err == nil:
			return true, nil
		case errdefs.IsTransient(err):
			lastErr = err
			logger.Debug().Err(err).Str("step", step).Int("attempt", attempt).Msg("transient failure, retrying")
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil && wait.Interrupted(err) && lastErr != nil {
		return lastErr
	}
	return err
}
