// Package device defines the capability interface a compute device must
// provide to run conformance iterations, plus two providers: an in-process
// Mock used by the harness tests, and an OCCA-backed provider for real
// hardware backends.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by WaitForSignal when the bounded wait expires
// before the device raises the completion signal.
var ErrTimeout = errors.New("device: wait on completion signal timed out")

// Memory is a host-visible device allocation. The host view returned by
// Bytes is only guaranteed visible to the device after Flush, and device
// writes are only guaranteed visible in the host view after Invalidate.
type Memory interface {
	// Bytes returns the mapped host view of the allocation.
	Bytes() []byte
	// Flush makes host writes in [offset, offset+size) visible to the device.
	// Implementations may widen the flushed range toward the start of the
	// allocation.
	Flush(offset, size int64) error
	// Invalidate makes device writes in [offset, offset+size) visible to the
	// host, with the same widening latitude as Flush.
	Invalidate(offset, size int64) error
	Free()
}

// Buffer is a device buffer handle. It carries no storage of its own until
// bound to a Memory via Device.BindBufferMemory.
type Buffer interface {
	Size() int64
	Free()
}

// BindingLayout describes the shape of a binding set: a fixed number of
// storage-buffer slots visible to a compute kernel.
type BindingLayout interface {
	Slots() int
	Free()
}

// BindingPool backs binding-set allocation. Pools are one-shot: a single
// set is allocated from a pool and both are discarded together.
type BindingPool interface {
	Free()
}

// BindingSet is the concrete assignment of buffers to binding slots for one
// dispatch. Sets are allocated from a pool and released with it.
type BindingSet interface {
	Layout() BindingLayout
}

// KernelObject is an executable kernel derived from a compiled program and
// a fixed entry point.
type KernelObject interface {
	Free()
}

// PipelineLayout combines binding layouts into the interface shape of a
// pipeline. The harness always uses exactly one binding-set slot.
type PipelineLayout interface {
	Free()
}

// Pipeline is a dispatchable compute pipeline.
type Pipeline interface {
	Free()
}

// CommandPool backs command-unit allocation.
type CommandPool interface {
	Free()
}

// CommandUnit is a single-use recorded command sequence. The only valid
// recording is Begin, BindPipeline, BindBindingSet, Dispatch, End, after
// which the unit may be submitted exactly once.
type CommandUnit interface {
	Begin() error
	BindPipeline(p Pipeline) error
	BindBindingSet(layout PipelineLayout, set BindingSet) error
	Dispatch(x, y, z int) error
	End() error
	Free()
}

// Signal is a completion primitive raised by the device once submitted work
// finishes. Signals start unsignaled and are single-use.
type Signal interface {
	Free()
}

// SlotWrite assigns one buffer range to one binding slot.
type SlotWrite struct {
	Slot   int
	Buffer Buffer
	Offset int64
	Length int64
}

// Device is the narrow driver surface the harness consumes. Every operation
// reports failure through its error return; the harness treats any such
// failure as fatal to the current iteration. Implementations are not
// required to be safe for concurrent use: the harness is single-threaded on
// the host side, and the only host↔device concurrency is the span between
// Submit and WaitForSignal.
type Device interface {
	AllocateMemory(size int64) (Memory, error)
	CreateBuffer(size int64) (Buffer, error)
	BindBufferMemory(buf Buffer, mem Memory, offset int64) error

	CreateBindingLayout(slots int) (BindingLayout, error)
	CreateBindingPool(maxSets, descriptors int) (BindingPool, error)
	AllocateBindingSet(pool BindingPool, layout BindingLayout) (BindingSet, error)
	UpdateBindingSet(set BindingSet, writes []SlotWrite) error

	CreateKernelObject(program []byte, entryPoint string) (KernelObject, error)
	CreatePipelineLayout(layout BindingLayout) (PipelineLayout, error)
	CreateComputePipeline(layout PipelineLayout, kernel KernelObject) (Pipeline, error)

	CreateCommandPool() (CommandPool, error)
	CreateCommandUnit(pool CommandPool) (CommandUnit, error)

	CreateCompletionSignal() (Signal, error)
	Submit(cu CommandUnit, sig Signal) error
	// WaitForSignal blocks until the signal is raised, the timeout elapses
	// (ErrTimeout), or ctx is done (ctx.Err()).
	WaitForSignal(ctx context.Context, sig Signal, timeout time.Duration) error

	Free()
}
