package device

import (
	"context"
	"fmt"
	"time"
)

// KernelFunc is the execution body of a mock kernel. bindings holds the
// device-side image of each binding slot, in slot order; groups carries the
// three work-group counts from the dispatch.
type KernelFunc func(bindings [][]byte, groups [3]int) error

// Mock is an in-process Device. It models host-visible memory with distinct
// host and device images so that missing Flush/Invalidate calls show up as
// stale data, executes registered Go kernel functions on dispatch, counts
// every create and free per resource kind, and can inject a failure at any
// named operation.
type Mock struct {
	kernels map[string]KernelFunc
	fail    map[string]error

	creates map[string]int
	frees   map[string]int
}

// NewMock returns an empty mock device with no kernels registered.
func NewMock() *Mock {
	return &Mock{
		kernels: make(map[string]KernelFunc),
		fail:    make(map[string]error),
		creates: make(map[string]int),
		frees:   make(map[string]int),
	}
}

// RegisterKernel associates a program binary (keyed by its raw bytes) with
// an execution body. CreateKernelObject fails for unregistered programs.
func (m *Mock) RegisterKernel(program []byte, fn KernelFunc) {
	m.kernels[string(program)] = fn
}

// FailOn makes the named operation (e.g. "CreateBuffer") return err on
// every subsequent call. Memory operations are addressable as "Flush" and
// "Invalidate".
func (m *Mock) FailOn(op string, err error) {
	m.fail[op] = err
}

// Outstanding reports the number of device objects created but not yet freed.
func (m *Mock) Outstanding() int {
	n := 0
	for kind, c := range m.creates {
		n += c - m.frees[kind]
	}
	return n
}

// Leaks returns the per-kind count of live objects, omitting kinds with none.
func (m *Mock) Leaks() map[string]int {
	live := make(map[string]int)
	for kind, c := range m.creates {
		if d := c - m.frees[kind]; d != 0 {
			live[kind] = d
		}
	}
	return live
}

// Created reports how many objects of the given kind were created.
func (m *Mock) Created(kind string) int { return m.creates[kind] }

func (m *Mock) failure(op string) error { return m.fail[op] }

func (m *Mock) created(kind string) { m.creates[kind]++ }
func (m *Mock) freed(kind string)   { m.frees[kind]++ }

// --- resources ---

type mockMemory struct {
	m    *Mock
	host []byte
	dev  []byte
}

func (mm *mockMemory) Bytes() []byte { return mm.host }

func (mm *mockMemory) Flush(offset, size int64) error {
	if err := mm.m.failure("Flush"); err != nil {
		return err
	}
	if offset < 0 || offset+size > int64(len(mm.host)) {
		return fmt.Errorf("flush range [%d,%d) outside allocation of %d bytes", offset, offset+size, len(mm.host))
	}
	copy(mm.dev[offset:offset+size], mm.host[offset:offset+size])
	return nil
}

func (mm *mockMemory) Invalidate(offset, size int64) error {
	if err := mm.m.failure("Invalidate"); err != nil {
		return err
	}
	if offset < 0 || offset+size > int64(len(mm.host)) {
		return fmt.Errorf("invalidate range [%d,%d) outside allocation of %d bytes", offset, offset+size, len(mm.host))
	}
	copy(mm.host[offset:offset+size], mm.dev[offset:offset+size])
	return nil
}

func (mm *mockMemory) Free() { mm.m.freed("memory") }

type mockBuffer struct {
	m    *Mock
	size int64
	mem  *mockMemory
	off  int64
}

func (mb *mockBuffer) Size() int64 { return mb.size }
func (mb *mockBuffer) Free()       { mb.m.freed("buffer") }

type mockBindingLayout struct {
	m     *Mock
	slots int
}

func (ml *mockBindingLayout) Slots() int { return ml.slots }
func (ml *mockBindingLayout) Free()      { ml.m.freed("bindingLayout") }

type mockBindingPool struct {
	m *Mock
}

func (mp *mockBindingPool) Free() { mp.m.freed("bindingPool") }

type mockBindingSet struct {
	layout *mockBindingLayout
	writes []SlotWrite
}

func (ms *mockBindingSet) Layout() BindingLayout { return ms.layout }

type mockKernel struct {
	m  *Mock
	fn KernelFunc
}

func (mk *mockKernel) Free() { mk.m.freed("kernel") }

type mockPipelineLayout struct {
	m *Mock
}

func (mp *mockPipelineLayout) Free() { mp.m.freed("pipelineLayout") }

type mockPipeline struct {
	m      *Mock
	kernel *mockKernel
}

func (mp *mockPipeline) Free() { mp.m.freed("pipeline") }

type mockCommandPool struct {
	m *Mock
}

func (mp *mockCommandPool) Free() { mp.m.freed("commandPool") }

type mockCommandUnit struct {
	m         *Mock
	recording bool
	recorded  bool
	submitted bool

	pipeline *mockPipeline
	set      *mockBindingSet
	groups   [3]int
}

func (cu *mockCommandUnit) Begin() error {
	if cu.recording || cu.recorded {
		return fmt.Errorf("command unit already recorded")
	}
	cu.recording = true
	return nil
}

func (cu *mockCommandUnit) BindPipeline(p Pipeline) error {
	if !cu.recording {
		return fmt.Errorf("bind pipeline outside recording")
	}
	cu.pipeline = p.(*mockPipeline)
	return nil
}

func (cu *mockCommandUnit) BindBindingSet(_ PipelineLayout, set BindingSet) error {
	if !cu.recording {
		return fmt.Errorf("bind binding set outside recording")
	}
	cu.set = set.(*mockBindingSet)
	return nil
}

func (cu *mockCommandUnit) Dispatch(x, y, z int) error {
	if !cu.recording {
		return fmt.Errorf("dispatch outside recording")
	}
	cu.groups = [3]int{x, y, z}
	return nil
}

func (cu *mockCommandUnit) End() error {
	if !cu.recording {
		return fmt.Errorf("end without begin")
	}
	cu.recording = false
	cu.recorded = true
	return nil
}

func (cu *mockCommandUnit) Free() { cu.m.freed("commandUnit") }

type mockSignal struct {
	m    *Mock
	done chan struct{}
	err  error
}

func (ms *mockSignal) Free() { ms.m.freed("signal") }

// --- Device implementation ---

func (m *Mock) AllocateMemory(size int64) (Memory, error) {
	if err := m.failure("AllocateMemory"); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("negative allocation size %d", size)
	}
	m.created("memory")
	return &mockMemory{m: m, host: make([]byte, size), dev: make([]byte, size)}, nil
}

func (m *Mock) CreateBuffer(size int64) (Buffer, error) {
	if err := m.failure("CreateBuffer"); err != nil {
		return nil, err
	}
	m.created("buffer")
	return &mockBuffer{m: m, size: size}, nil
}

func (m *Mock) BindBufferMemory(buf Buffer, mem Memory, offset int64) error {
	if err := m.failure("BindBufferMemory"); err != nil {
		return err
	}
	mb := buf.(*mockBuffer)
	mm := mem.(*mockMemory)
	if offset+mb.size > int64(len(mm.dev)) {
		return fmt.Errorf("buffer of %d bytes at offset %d exceeds allocation of %d bytes", mb.size, offset, len(mm.dev))
	}
	mb.mem = mm
	mb.off = offset
	return nil
}

func (m *Mock) CreateBindingLayout(slots int) (BindingLayout, error) {
	if err := m.failure("CreateBindingLayout"); err != nil {
		return nil, err
	}
	m.created("bindingLayout")
	return &mockBindingLayout{m: m, slots: slots}, nil
}

func (m *Mock) CreateBindingPool(maxSets, descriptors int) (BindingPool, error) {
	if err := m.failure("CreateBindingPool"); err != nil {
		return nil, err
	}
	m.created("bindingPool")
	return &mockBindingPool{m: m}, nil
}

func (m *Mock) AllocateBindingSet(pool BindingPool, layout BindingLayout) (BindingSet, error) {
	if err := m.failure("AllocateBindingSet"); err != nil {
		return nil, err
	}
	return &mockBindingSet{layout: layout.(*mockBindingLayout)}, nil
}

func (m *Mock) UpdateBindingSet(set BindingSet, writes []SlotWrite) error {
	if err := m.failure("UpdateBindingSet"); err != nil {
		return err
	}
	ms := set.(*mockBindingSet)
	if len(writes) != ms.layout.slots {
		return fmt.Errorf("%d writes for layout with %d slots", len(writes), ms.layout.slots)
	}
	for i, w := range writes {
		if w.Slot != i {
			return fmt.Errorf("write %d targets slot %d", i, w.Slot)
		}
		if w.Buffer.(*mockBuffer).mem == nil {
			return fmt.Errorf("slot %d buffer has no bound memory", i)
		}
	}
	ms.writes = append([]SlotWrite(nil), writes...)
	return nil
}

func (m *Mock) CreateKernelObject(program []byte, entryPoint string) (KernelObject, error) {
	if err := m.failure("CreateKernelObject"); err != nil {
		return nil, err
	}
	fn, ok := m.kernels[string(program)]
	if !ok {
		return nil, fmt.Errorf("no kernel registered for program %q", string(program))
	}
	m.created("kernel")
	return &mockKernel{m: m, fn: fn}, nil
}

func (m *Mock) CreatePipelineLayout(layout BindingLayout) (PipelineLayout, error) {
	if err := m.failure("CreatePipelineLayout"); err != nil {
		return nil, err
	}
	m.created("pipelineLayout")
	return &mockPipelineLayout{m: m}, nil
}

func (m *Mock) CreateComputePipeline(layout PipelineLayout, kernel KernelObject) (Pipeline, error) {
	if err := m.failure("CreateComputePipeline"); err != nil {
		return nil, err
	}
	m.created("pipeline")
	return &mockPipeline{m: m, kernel: kernel.(*mockKernel)}, nil
}

func (m *Mock) CreateCommandPool() (CommandPool, error) {
	if err := m.failure("CreateCommandPool"); err != nil {
		return nil, err
	}
	m.created("commandPool")
	return &mockCommandPool{m: m}, nil
}

func (m *Mock) CreateCommandUnit(pool CommandPool) (CommandUnit, error) {
	if err := m.failure("CreateCommandUnit"); err != nil {
		return nil, err
	}
	m.created("commandUnit")
	return &mockCommandUnit{m: m}, nil
}

func (m *Mock) CreateCompletionSignal() (Signal, error) {
	if err := m.failure("CreateCompletionSignal"); err != nil {
		return nil, err
	}
	m.created("signal")
	return &mockSignal{m: m, done: make(chan struct{})}, nil
}

func (m *Mock) Submit(cu CommandUnit, sig Signal) error {
	if err := m.failure("Submit"); err != nil {
		return err
	}
	mcu := cu.(*mockCommandUnit)
	msig := sig.(*mockSignal)
	if !mcu.recorded {
		return fmt.Errorf("submit of unrecorded command unit")
	}
	if mcu.submitted {
		return fmt.Errorf("command unit submitted twice")
	}
	if mcu.pipeline == nil || mcu.set == nil {
		return fmt.Errorf("command unit missing pipeline or binding set")
	}
	mcu.submitted = true

	bindings := make([][]byte, len(mcu.set.writes))
	for i, w := range mcu.set.writes {
		mb := w.Buffer.(*mockBuffer)
		start := mb.off + w.Offset
		bindings[i] = mb.mem.dev[start : start+w.Length]
	}

	fn := mcu.pipeline.kernel.fn
	groups := mcu.groups
	go func() {
		msig.err = fn(bindings, groups)
		close(msig.done)
	}()
	return nil
}

func (m *Mock) WaitForSignal(ctx context.Context, sig Signal, timeout time.Duration) error {
	msig := sig.(*mockSignal)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-msig.done:
		return msig.err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) Free() {}
