package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/internal/metrics"
)

// submitAndWait submits the command unit together with a fresh, unsignaled
// completion signal and blocks until the device raises it. Exactly one
// command unit is in flight per iteration and this is the iteration's only
// suspension point.
//
// A device.ErrTimeout return means the bounded wait expired; the caller
// turns that into a TimedOut verdict rather than a fatal error.
func submitAndWait(ctx context.Context, dev device.Device, cu device.CommandUnit, sig device.Signal, timeout time.Duration) error {
	if err := dev.Submit(cu, sig); err != nil {
		return fmt.Errorf("failed to submit command unit: %w", err)
	}

	start := time.Now()
	err := dev.WaitForSignal(ctx, sig, timeout)
	metrics.SubmitWaitDuration.Observe(time.Since(start).Seconds())
	return err
}
