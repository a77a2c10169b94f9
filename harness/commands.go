package harness

import (
	"fmt"

	"github.com/conformax/kernelconf/device"
)

// recordCommands records the full iteration into a fresh single-use command
// unit: pipeline bind, binding-set bind at set index 0, and one dispatch
// with the work-group counts taken verbatim from the specification. The
// returned unit is owned by the caller and must be freed.
func recordCommands(dev device.Device, pool device.CommandPool, pipeline device.Pipeline, layout device.PipelineLayout, set device.BindingSet, groups [3]int) (device.CommandUnit, error) {
	cu, err := dev.CreateCommandUnit(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create command unit: %w", err)
	}

	if err := record(cu, pipeline, layout, set, groups); err != nil {
		cu.Free()
		return nil, err
	}
	return cu, nil
}

func record(cu device.CommandUnit, pipeline device.Pipeline, layout device.PipelineLayout, set device.BindingSet, groups [3]int) error {
	if err := cu.Begin(); err != nil {
		return fmt.Errorf("failed to begin recording: %w", err)
	}
	if err := cu.BindPipeline(pipeline); err != nil {
		return fmt.Errorf("failed to bind pipeline: %w", err)
	}
	if err := cu.BindBindingSet(layout, set); err != nil {
		return fmt.Errorf("failed to bind binding set: %w", err)
	}
	if err := cu.Dispatch(groups[0], groups[1], groups[2]); err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	if err := cu.End(); err != nil {
		return fmt.Errorf("failed to end recording: %w", err)
	}
	return nil
}
