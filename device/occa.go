package device

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/notargets/gocca"
)

// OCCA adapts an OCCA device to the harness capability interface. OCCA has
// no native binding-set or command-buffer objects, so layouts, pools and
// command units are host-side records; a submitted command unit resolves to
// a single kernel launch whose arguments are the bound slot memories in
// slot order followed by the three work-group counts.
//
// Kernel programs for this provider are OKL source bytes; CreateKernelObject
// builds them with the given entry point.
type OCCA struct {
	dev *gocca.OCCADevice
}

// NewOCCA creates a provider from OCCA device properties JSON, e.g.
// `{"mode": "OpenMP"}`.
func NewOCCA(props string) (*OCCA, error) {
	dev, err := gocca.NewDevice(props)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCCA device: %w", err)
	}
	return &OCCA{dev: dev}, nil
}

// Mode reports the backend mode of the underlying device.
func (d *OCCA) Mode() string { return d.dev.Mode() }

type occaMemory struct {
	mem  *gocca.OCCAMemory
	host []byte
}

func (om *occaMemory) Bytes() []byte { return om.host }

// Flush pushes the host view to the device. gocca copies from the start of
// the allocation, so the flushed range widens to [0, offset+size).
func (om *occaMemory) Flush(offset, size int64) error {
	if offset < 0 || offset+size > int64(len(om.host)) {
		return fmt.Errorf("flush range [%d,%d) outside allocation of %d bytes", offset, offset+size, len(om.host))
	}
	if offset+size == 0 {
		return nil
	}
	om.mem.CopyFrom(unsafe.Pointer(&om.host[0]), offset+size)
	return nil
}

// Invalidate pulls device writes into the host view, widening the range to
// [0, offset+size) the same way Flush does.
func (om *occaMemory) Invalidate(offset, size int64) error {
	if offset < 0 || offset+size > int64(len(om.host)) {
		return fmt.Errorf("invalidate range [%d,%d) outside allocation of %d bytes", offset, offset+size, len(om.host))
	}
	if offset+size == 0 {
		return nil
	}
	om.mem.CopyTo(unsafe.Pointer(&om.host[0]), offset+size)
	return nil
}

func (om *occaMemory) Free() { om.mem.Free() }

type occaBuffer struct {
	size int64
	mem  *occaMemory
	off  int64
}

func (ob *occaBuffer) Size() int64 { return ob.size }
func (ob *occaBuffer) Free()       {}

type occaBindingLayout struct{ slots int }

func (ol *occaBindingLayout) Slots() int { return ol.slots }
func (ol *occaBindingLayout) Free()      {}

type occaBindingPool struct{}

func (op *occaBindingPool) Free() {}

type occaBindingSet struct {
	layout *occaBindingLayout
	writes []SlotWrite
}

func (os *occaBindingSet) Layout() BindingLayout { return os.layout }

type occaKernel struct{ k *gocca.OCCAKernel }

func (ok *occaKernel) Free() { ok.k.Free() }

type occaPipelineLayout struct{}

func (op *occaPipelineLayout) Free() {}

type occaPipeline struct{ kernel *occaKernel }

func (op *occaPipeline) Free() {}

type occaCommandPool struct{}

func (op *occaCommandPool) Free() {}

type occaCommandUnit struct {
	recording bool
	recorded  bool
	submitted bool

	pipeline *occaPipeline
	set      *occaBindingSet
	groups   [3]int
}

func (cu *occaCommandUnit) Begin() error {
	if cu.recording || cu.recorded {
		return fmt.Errorf("command unit already recorded")
	}
	cu.recording = true
	return nil
}

func (cu *occaCommandUnit) BindPipeline(p Pipeline) error {
	if !cu.recording {
		return fmt.Errorf("bind pipeline outside recording")
	}
	cu.pipeline = p.(*occaPipeline)
	return nil
}

func (cu *occaCommandUnit) BindBindingSet(_ PipelineLayout, set BindingSet) error {
	if !cu.recording {
		return fmt.Errorf("bind binding set outside recording")
	}
	cu.set = set.(*occaBindingSet)
	return nil
}

func (cu *occaCommandUnit) Dispatch(x, y, z int) error {
	if !cu.recording {
		return fmt.Errorf("dispatch outside recording")
	}
	cu.groups = [3]int{x, y, z}
	return nil
}

func (cu *occaCommandUnit) End() error {
	if !cu.recording {
		return fmt.Errorf("end without begin")
	}
	cu.recording = false
	cu.recorded = true
	return nil
}

func (cu *occaCommandUnit) Free() {}

type occaSignal struct {
	done      chan struct{}
	err       error
	submitted bool
}

// Free drains the launch goroutine before returning. The signal is the
// first object released when an iteration unwinds after a timeout or
// cancellation, and the memory and kernel objects released after it must
// not be freed under a still-running launch. A launch that never
// terminates keeps Free blocked; there is no safe bounded alternative.
func (os *occaSignal) Free() {
	if os.submitted {
		<-os.done
	}
}

func (d *OCCA) AllocateMemory(size int64) (Memory, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative allocation size %d", size)
	}
	// OCCA rejects zero-byte allocations; keep a one-byte backing store and
	// a zero-length host view.
	devSize := size
	if devSize == 0 {
		devSize = 1
	}
	mem := d.dev.Malloc(devSize, nil, nil)
	if mem == nil {
		return nil, fmt.Errorf("device allocation of %d bytes failed", size)
	}
	return &occaMemory{mem: mem, host: make([]byte, size)}, nil
}

func (d *OCCA) CreateBuffer(size int64) (Buffer, error) {
	return &occaBuffer{size: size}, nil
}

func (d *OCCA) BindBufferMemory(buf Buffer, mem Memory, offset int64) error {
	ob := buf.(*occaBuffer)
	om := mem.(*occaMemory)
	if offset != 0 {
		return fmt.Errorf("OCCA provider supports binding at offset 0 only, got %d", offset)
	}
	if ob.size > int64(len(om.host)) {
		return fmt.Errorf("buffer of %d bytes exceeds allocation of %d bytes", ob.size, len(om.host))
	}
	ob.mem = om
	ob.off = offset
	return nil
}

func (d *OCCA) CreateBindingLayout(slots int) (BindingLayout, error) {
	return &occaBindingLayout{slots: slots}, nil
}

func (d *OCCA) CreateBindingPool(maxSets, descriptors int) (BindingPool, error) {
	return &occaBindingPool{}, nil
}

func (d *OCCA) AllocateBindingSet(pool BindingPool, layout BindingLayout) (BindingSet, error) {
	return &occaBindingSet{layout: layout.(*occaBindingLayout)}, nil
}

func (d *OCCA) UpdateBindingSet(set BindingSet, writes []SlotWrite) error {
	os := set.(*occaBindingSet)
	if len(writes) != os.layout.slots {
		return fmt.Errorf("%d writes for layout with %d slots", len(writes), os.layout.slots)
	}
	for i, w := range writes {
		if w.Slot != i {
			return fmt.Errorf("write %d targets slot %d", i, w.Slot)
		}
		ob := w.Buffer.(*occaBuffer)
		if ob.mem == nil {
			return fmt.Errorf("slot %d buffer has no bound memory", i)
		}
		if w.Offset != 0 {
			return fmt.Errorf("OCCA provider supports slot ranges at offset 0 only, got %d for slot %d", w.Offset, i)
		}
	}
	os.writes = append([]SlotWrite(nil), writes...)
	return nil
}

func (d *OCCA) CreateKernelObject(program []byte, entryPoint string) (KernelObject, error) {
	source := string(program)
	var kernel *gocca.OCCAKernel
	var err error

	if d.dev.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = d.dev.BuildKernelFromString(source, entryPoint, props)
	} else {
		kernel, err = d.dev.BuildKernelFromString(source, entryPoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", entryPoint, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", entryPoint)
	}
	return &occaKernel{k: kernel}, nil
}

func (d *OCCA) CreatePipelineLayout(layout BindingLayout) (PipelineLayout, error) {
	return &occaPipelineLayout{}, nil
}

func (d *OCCA) CreateComputePipeline(layout PipelineLayout, kernel KernelObject) (Pipeline, error) {
	return &occaPipeline{kernel: kernel.(*occaKernel)}, nil
}

func (d *OCCA) CreateCommandPool() (CommandPool, error) {
	return &occaCommandPool{}, nil
}

func (d *OCCA) CreateCommandUnit(pool CommandPool) (CommandUnit, error) {
	return &occaCommandUnit{}, nil
}

func (d *OCCA) CreateCompletionSignal() (Signal, error) {
	return &occaSignal{done: make(chan struct{})}, nil
}

func (d *OCCA) Submit(cu CommandUnit, sig Signal) error {
	ocu := cu.(*occaCommandUnit)
	osig := sig.(*occaSignal)
	if !ocu.recorded {
		return fmt.Errorf("submit of unrecorded command unit")
	}
	if ocu.submitted {
		return fmt.Errorf("command unit submitted twice")
	}
	if ocu.pipeline == nil || ocu.set == nil {
		return fmt.Errorf("command unit missing pipeline or binding set")
	}
	ocu.submitted = true
	osig.submitted = true

	args := make([]interface{}, 0, len(ocu.set.writes)+3)
	for _, w := range ocu.set.writes {
		args = append(args, w.Buffer.(*occaBuffer).mem.mem)
	}
	args = append(args, ocu.groups[0], ocu.groups[1], ocu.groups[2])

	kernel := ocu.pipeline.kernel.k
	go func() {
		osig.err = kernel.RunWithArgs(args...)
		d.dev.Finish()
		close(osig.done)
	}()
	return nil
}

func (d *OCCA) WaitForSignal(ctx context.Context, sig Signal, timeout time.Duration) error {
	osig := sig.(*occaSignal)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-osig.done:
		return osig.err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *OCCA) Free() { d.dev.Free() }
