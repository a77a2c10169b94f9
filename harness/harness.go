package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/internal/config"
	"github.com/conformax/kernelconf/internal/logger"
	"github.com/conformax/kernelconf/internal/metrics"
	"github.com/conformax/kernelconf/programs"
)

// Harness runs conformance iterations against a device. The kernel binary
// for each iteration is retrieved from the binary collection under the
// well-known compute program name; the harness never invokes compilation.
//
// A Harness holds no per-iteration state and owns no device objects between
// iterations.
type Harness struct {
	dev      device.Device
	binaries *programs.Collection
	timeout  time.Duration
}

// New creates a harness. A non-positive timeout falls back to
// config.DefaultWaitTimeout.
func New(dev device.Device, binaries *programs.Collection, timeout time.Duration) *Harness {
	if timeout <= 0 {
		timeout = config.DefaultWaitTimeout
	}
	return &Harness{dev: dev, binaries: binaries, timeout: timeout}
}

// Run executes one conformance iteration for spec.
//
// The verdict is Pass, Fail or TimedOut; a non-nil error is a fatal
// infrastructure failure (invalid specification, missing program binary, or
// a device operation failure) and must not be reported as an ordinary test
// failure. In all cases every device object acquired during the iteration
// is released before Run returns.
func (h *Harness) Run(ctx context.Context, spec Spec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid specification: %w", err)
	}

	iterID := uuid.NewString()
	start := time.Now()
	defer func() {
		metrics.IterationDuration.Observe(time.Since(start).Seconds())
	}()

	rel := &releaseStack{}
	defer rel.release()

	res, err := h.iterate(ctx, spec, rel, iterID)
	if err != nil {
		metrics.IterationsTotal.WithLabelValues("fatal").Inc()
		logger.Log.Error("iteration aborted", "iteration", iterID, "error", err.Error())
		return Result{}, err
	}
	metrics.IterationsTotal.WithLabelValues(res.Verdict.String()).Inc()
	logger.Log.Debug("iteration finished",
		"iteration", iterID, "verdict", res.Verdict.String(), "reason", res.Reason)
	return res, nil
}

func (h *Harness) iterate(ctx context.Context, spec Spec, rel *releaseStack, iterID string) (Result, error) {
	// Allocate and populate one device buffer per input, then one zeroed
	// buffer per output. Concatenation order defines the binding slots.
	buffers := make([]*deviceBuffer, 0, spec.NumBindings())

	for i, in := range spec.Inputs {
		db, err := allocateBuffer(h.dev, in.NumBytes())
		if err != nil {
			metrics.DeviceErrors.WithLabelValues("allocate").Inc()
			return Result{}, fmt.Errorf("input %d: %w", i, err)
		}
		rel.push(db.free)
		if err := db.write(in.Data); err != nil {
			metrics.DeviceErrors.WithLabelValues("populate").Inc()
			return Result{}, fmt.Errorf("input %d: %w", i, err)
		}
		buffers = append(buffers, db)
	}

	outputs := make([]*deviceBuffer, 0, len(spec.Outputs))
	for i, out := range spec.Outputs {
		db, err := allocateBuffer(h.dev, out.NumBytes())
		if err != nil {
			metrics.DeviceErrors.WithLabelValues("allocate").Inc()
			return Result{}, fmt.Errorf("output %d: %w", i, err)
		}
		rel.push(db.free)
		if err := db.zero(); err != nil {
			metrics.DeviceErrors.WithLabelValues("populate").Inc()
			return Result{}, fmt.Errorf("output %d: %w", i, err)
		}
		buffers = append(buffers, db)
		outputs = append(outputs, db)
	}

	logger.Log.Debug("buffers ready",
		"iteration", iterID, "inputs", len(spec.Inputs), "outputs", len(spec.Outputs))

	// Binding layout, pool and set.
	table := newBindingTable(buffers)

	bindingLayout, err := h.dev.CreateBindingLayout(len(table))
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("binding").Inc()
		return Result{}, fmt.Errorf("failed to create binding layout: %w", err)
	}
	rel.push(bindingLayout.Free)

	bindingPool, err := h.dev.CreateBindingPool(1, len(table))
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("binding").Inc()
		return Result{}, fmt.Errorf("failed to create binding pool: %w", err)
	}
	rel.push(bindingPool.Free)

	bindingSet, err := createBindingSet(h.dev, bindingPool, bindingLayout, table)
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("binding").Inc()
		return Result{}, err
	}

	// Kernel object and compute pipeline.
	bin, err := h.binaries.Get(programs.ComputeProgram)
	if err != nil {
		return Result{}, fmt.Errorf("kernel binary unavailable: %w", err)
	}

	kernel, err := loadKernel(h.dev, bin)
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("pipeline").Inc()
		return Result{}, err
	}
	rel.push(kernel.Free)

	pipelineLayout, pipeline, err := buildPipeline(h.dev, bindingLayout, kernel)
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("pipeline").Inc()
		return Result{}, err
	}
	rel.push(pipelineLayout.Free)
	rel.push(pipeline.Free)

	// One-shot command unit.
	cmdPool, err := h.dev.CreateCommandPool()
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("commands").Inc()
		return Result{}, fmt.Errorf("failed to create command pool: %w", err)
	}
	rel.push(cmdPool.Free)

	cu, err := recordCommands(h.dev, cmdPool, pipeline, pipelineLayout, bindingSet, spec.WorkGroups)
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("commands").Inc()
		return Result{}, err
	}
	rel.push(cu.Free)

	// Submit and wait for completion.
	sig, err := h.dev.CreateCompletionSignal()
	if err != nil {
		metrics.DeviceErrors.WithLabelValues("submit").Inc()
		return Result{}, fmt.Errorf("failed to create completion signal: %w", err)
	}
	rel.push(sig.Free)

	logger.Log.Debug("submitting", "iteration", iterID, "work_groups", spec.WorkGroups)

	if err := submitAndWait(ctx, h.dev, cu, sig, h.timeout); err != nil {
		if errors.Is(err, device.ErrTimeout) {
			return timedOut(fmt.Sprintf("device did not complete within %v", h.timeout)), nil
		}
		metrics.DeviceErrors.WithLabelValues("submit").Inc()
		return Result{}, err
	}

	// Device writes are visible to the host now that the signal was seen.
	return verifyOutputs(spec.Outputs, outputs)
}
