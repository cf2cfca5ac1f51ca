package provision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
	"github.com/ajitpratap0/wbingest/pkg/retry"
)

// ReadinessWaiter blocks until the provisioned service accepts work.
type ReadinessWaiter interface {
	Wait(ctx context.Context) error
}

// FixedDelay waits a static grace period and assumes the service is ready
// afterwards.
type FixedDelay struct {
	Delay time.Duration
}

// Wait sleeps for the grace period or until ctx ends.
func (f FixedDelay) Wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(f.Delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ingesterrors.Wrap(ctx.Err(), ingesterrors.KindServiceNotReady, "readiness wait cancelled")
	}
}

// ProbeFunc checks readiness once. A nil error means ready.
type ProbeFunc func(ctx context.Context) error

// ProbeWaiter calls Probe until it succeeds, backing off between attempts
// according to Policy, for at most Timeout.
type ProbeWaiter struct {
	Probe   ProbeFunc
	Policy  retry.Policy
	Timeout time.Duration
	Logger  *zap.Logger
}

// Wait returns nil on the first successful probe and ServiceNotReady once
// the attempts or the timeout are exhausted. A probe error of a
// non-retryable kind, such as a bad connection string, ends the wait at once.
func (w ProbeWaiter) Wait(ctx context.Context) error {
	if w.Probe == nil {
		return ingesterrors.New(ingesterrors.KindConfig, "readiness probe is not configured")
	}
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	attempts := 0
	policy := w.Policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Debug("service not ready yet",
			zap.Int("attempt", attempt),
			zap.Duration("next_in", delay),
			zap.Error(err))
	}

	start := time.Now()
	err := policy.ExecuteWithCondition(ctx, func(ctx context.Context) error {
		attempts++
		return w.Probe(ctx)
	}, retryableProbeError)
	if err != nil {
		return ingesterrors.Wrap(err, ingesterrors.KindServiceNotReady, "service did not become ready").
			WithDetail("attempts", attempts).
			WithDetail("waited", time.Since(start).String())
	}

	log.Info("service ready", zap.Int("attempts", attempts), zap.Duration("waited", time.Since(start)))
	return nil
}

// retryableProbeError retries plain errors and transient kinds.
func retryableProbeError(err error) bool {
	return ingesterrors.KindOf(err) == "" || ingesterrors.IsRetryable(err)
}
