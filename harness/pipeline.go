package harness

import (
	"fmt"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/programs"
)

// loadKernel wraps a pre-compiled binary program into an executable kernel
// object bound to the fixed entry point. Compilation happened externally;
// a malformed binary is reported by the device, not re-validated here.
func loadKernel(dev device.Device, bin programs.Binary) (device.KernelObject, error) {
	if len(bin.Code) == 0 {
		return nil, fmt.Errorf("program %q has no binary", bin.Name)
	}
	kernel, err := dev.CreateKernelObject(bin.Code, programs.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel object for %q: %w", bin.Name, err)
	}
	return kernel, nil
}

// buildPipeline combines a kernel object and a binding layout shape into a
// dispatchable compute pipeline: one binding-set slot, no push constants,
// no pipeline cache. Every iteration builds a fresh pipeline.
func buildPipeline(dev device.Device, layout device.BindingLayout, kernel device.KernelObject) (device.PipelineLayout, device.Pipeline, error) {
	pipelineLayout, err := dev.CreatePipelineLayout(layout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline layout: %w", err)
	}

	pipeline, err := dev.CreateComputePipeline(pipelineLayout, kernel)
	if err != nil {
		pipelineLayout.Free()
		return nil, nil, fmt.Errorf("failed to create compute pipeline: %w", err)
	}
	return pipelineLayout, pipeline, nil
}
