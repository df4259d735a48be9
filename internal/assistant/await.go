package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/replyflow/replyflow/internal/faults"
)

// AwaitTerminal polls a run's status at interval until it reaches a terminal
// state, failing with faults.ErrPollTimeout once elapsed time exceeds
// timeout. This is the single polling primitive in the repository; both
// cancellation confirmation and run completion go through it, with different
// budgets.
func (c *Client) AwaitTerminal(ctx context.Context, threadID, runID string, interval, timeout time.Duration) (Run, error) {
	return awaitTerminal(ctx, interval, timeout, func(ctx context.Context) (Run, error) {
		return c.GetRun(ctx, threadID, runID)
	})
}

// awaitTerminal is the transport-free core of AwaitTerminal, split out so
// the polling discipline can be tested without a provider.
func awaitTerminal(ctx context.Context, interval, timeout time.Duration, fetch func(context.Context) (Run, error)) (Run, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check once immediately; the run may already be terminal.
	run, err := fetch(ctx)
	if err != nil {
		return Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-deadline.C:
			return Run{}, fmt.Errorf("run %s still %s after %s: %w",
				run.ID, run.Status, timeout, faults.ErrPollTimeout)
		case <-ticker.C:
			run, err = fetch(ctx)
			if err != nil {
				return Run{}, err
			}
			if run.Status.Terminal() {
				return run, nil
			}
		}
	}
}
