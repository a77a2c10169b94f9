package harness

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/mat"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/internal/metrics"
	"github.com/conformax/kernelconf/programs"
)

// newTestHarness builds a harness over a mock device with the given kernel
// source registered as the compute program.
func newTestHarness(mock *device.Mock, source string, fn device.KernelFunc, timeout time.Duration) *Harness {
	mock.RegisterKernel([]byte(source), fn)
	collection := programs.NewCollection()
	collection.Add(programs.Binary{Name: programs.ComputeProgram, Code: []byte(source)})
	return New(mock, collection, timeout)
}

func copyKernel(bindings [][]byte, groups [3]int) error {
	copy(bindings[1], bindings[0])
	return nil
}

func TestRunCopyPass(t *testing.T) {
	mock := device.NewMock()
	h := newTestHarness(mock, "copy", copyKernel, time.Second)

	spec := Spec{
		KernelSource: "copy",
		Inputs:       []Buffer{Uint32Buffer(0x04030201)},
		Outputs:      []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != Pass {
		t.Fatalf("verdict = %v (%s), want Pass", res.Verdict, res.Reason)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

func TestRunCopyMismatch(t *testing.T) {
	mock := device.NewMock()
	h := newTestHarness(mock, "copy", copyKernel, time.Second)

	spec := Spec{
		KernelSource: "copy",
		Inputs:       []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		Outputs:      []Buffer{BytesBuffer([]byte{9, 9, 9, 9})},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != Fail {
		t.Fatalf("verdict = %v, want Fail", res.Verdict)
	}
	if res.Reason != mismatchReason {
		t.Fatalf("reason = %q, want %q", res.Reason, mismatchReason)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

func TestRunElementwiseAdd(t *testing.T) {
	mock := device.NewMock()
	addKernel := func(bindings [][]byte, groups [3]int) error {
		for i := 0; i+4 <= len(bindings[2]); i += 4 {
			a := binary.LittleEndian.Uint32(bindings[0][i:])
			b := binary.LittleEndian.Uint32(bindings[1][i:])
			binary.LittleEndian.PutUint32(bindings[2][i:], a+b)
		}
		return nil
	}
	h := newTestHarness(mock, "add", addKernel, time.Second)

	spec := Spec{
		KernelSource: "add",
		Inputs:       []Buffer{Uint32Buffer(2), Uint32Buffer(3)},
		Outputs:      []Buffer{Uint32Buffer(5)},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != Pass {
		t.Fatalf("verdict = %v (%s), want Pass", res.Verdict, res.Reason)
	}
}

// Host vectors reach kernels as little-endian doubles.
func TestRunVectorScale(t *testing.T) {
	mock := device.NewMock()
	scale := func(bindings [][]byte, groups [3]int) error {
		for i := 0; i+8 <= len(bindings[0]); i += 8 {
			v := math.Float64frombits(binary.LittleEndian.Uint64(bindings[0][i:]))
			binary.LittleEndian.PutUint64(bindings[1][i:], math.Float64bits(2*v))
		}
		return nil
	}
	h := newTestHarness(mock, "scale", scale, time.Second)

	spec := Spec{
		KernelSource: "scale",
		Inputs:       []Buffer{VecBuffer(mat.NewVecDense(3, []float64{1.5, -2, 0.25}))},
		Outputs:      []Buffer{VecBuffer(mat.NewVecDense(3, []float64{3, -4, 0.5}))},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != Pass {
		t.Fatalf("verdict = %v (%s), want Pass", res.Verdict, res.Reason)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

// Slot assignment is positional: slot i is the i-th buffer in the declared
// inputs-then-outputs order, so permuting the inputs changes which memory
// the kernel sees at each slot.
func TestRunBindingOrderPositional(t *testing.T) {
	first := func(bindings [][]byte, groups [3]int) error {
		copy(bindings[2], bindings[0])
		return nil
	}
	a := []byte{0xaa, 0xaa, 0xaa, 0xaa}
	b := []byte{0xbb, 0xbb, 0xbb, 0xbb}

	cases := []struct {
		name    string
		inputs  []Buffer
		expect  []byte
		verdict Verdict
	}{
		{"declared_order", []Buffer{BytesBuffer(a), BytesBuffer(b)}, a, Pass},
		{"permuted_order", []Buffer{BytesBuffer(b), BytesBuffer(a)}, a, Fail},
		{"permuted_order_expect_permuted", []Buffer{BytesBuffer(b), BytesBuffer(a)}, b, Pass},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := device.NewMock()
			h := newTestHarness(mock, "first", first, time.Second)
			spec := Spec{
				KernelSource: "first",
				Inputs:       tc.inputs,
				Outputs:      []Buffer{BytesBuffer(tc.expect)},
				WorkGroups:   [3]int{1, 1, 1},
			}
			res, err := h.Run(context.Background(), spec)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Verdict != tc.verdict {
				t.Fatalf("verdict = %v, want %v", res.Verdict, tc.verdict)
			}
		})
	}
}

// Output buffers must be zeroed and device-visible before dispatch.
func TestRunOutputZeroedBeforeDispatch(t *testing.T) {
	mock := device.NewMock()
	var seen []byte
	observe := func(bindings [][]byte, groups [3]int) error {
		seen = append([]byte(nil), bindings[0]...)
		copy(bindings[0], []byte{7, 7, 7, 7})
		return nil
	}
	h := newTestHarness(mock, "observe", observe, time.Second)

	spec := Spec{
		KernelSource: "observe",
		Outputs:      []Buffer{BytesBuffer([]byte{7, 7, 7, 7})},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != Pass {
		t.Fatalf("verdict = %v (%s), want Pass", res.Verdict, res.Reason)
	}
	for i, v := range seen {
		if v != 0 {
			t.Fatalf("output byte %d was %d at dispatch, want 0", i, v)
		}
	}
}

func TestRunZeroSizedBuffers(t *testing.T) {
	mock := device.NewMock()
	noop := func(bindings [][]byte, groups [3]int) error { return nil }
	h := newTestHarness(mock, "noop", noop, time.Second)

	spec := Spec{
		KernelSource: "noop",
		Inputs:       []Buffer{BytesBuffer(nil)},
		Outputs:      []Buffer{BytesBuffer(nil)},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != Pass {
		t.Fatalf("verdict = %v (%s), want Pass", res.Verdict, res.Reason)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	mock := device.NewMock()
	h := newTestHarness(mock, "copy", copyKernel, time.Second)

	cases := []struct {
		name string
		spec Spec
	}{
		{"no_outputs", Spec{KernelSource: "copy", Inputs: []Buffer{BytesBuffer([]byte{1})}}},
		{"negative_dispatch", Spec{
			KernelSource: "copy",
			Outputs:      []Buffer{BytesBuffer([]byte{1})},
			WorkGroups:   [3]int{1, -1, 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Run(context.Background(), tc.spec); err == nil {
				t.Fatal("expected error for invalid specification")
			}
			if mock.Outstanding() != 0 {
				t.Fatalf("leaked device objects: %v", mock.Leaks())
			}
		})
	}
}

func TestRunMissingProgramBinary(t *testing.T) {
	mock := device.NewMock()
	h := New(mock, programs.NewCollection(), time.Second)

	spec := Spec{
		KernelSource: "copy",
		Outputs:      []Buffer{BytesBuffer([]byte{1})},
		WorkGroups:   [3]int{1, 1, 1},
	}
	_, err := h.Run(context.Background(), spec)
	if !errors.Is(err, programs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

func TestRunTimeoutVerdict(t *testing.T) {
	mock := device.NewMock()
	hang := func(bindings [][]byte, groups [3]int) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	h := newTestHarness(mock, "hang", hang, 20*time.Millisecond)

	spec := Spec{
		KernelSource: "hang",
		Outputs:      []Buffer{BytesBuffer([]byte{0})},
		WorkGroups:   [3]int{1, 1, 1},
	}

	res, err := h.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != TimedOut {
		t.Fatalf("verdict = %v, want TimedOut", res.Verdict)
	}
	if !strings.Contains(res.Reason, "did not complete") {
		t.Fatalf("reason = %q", res.Reason)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

func TestRunContextCanceled(t *testing.T) {
	mock := device.NewMock()
	hang := func(bindings [][]byte, groups [3]int) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	h := newTestHarness(mock, "hang", hang, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec := Spec{
		KernelSource: "hang",
		Outputs:      []Buffer{BytesBuffer([]byte{0})},
		WorkGroups:   [3]int{1, 1, 1},
	}
	_, err := h.Run(ctx, spec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

// A fatal failure injected at any orchestration step must abort the
// iteration with an error and leave no device object alive.
func TestRunCleanupOnInjectedFailure(t *testing.T) {
	injected := errors.New("injected device failure")
	ops := []string{
		"AllocateMemory",
		"CreateBuffer",
		"BindBufferMemory",
		"CreateBindingLayout",
		"CreateBindingPool",
		"AllocateBindingSet",
		"UpdateBindingSet",
		"CreateKernelObject",
		"CreatePipelineLayout",
		"CreateComputePipeline",
		"CreateCommandPool",
		"CreateCommandUnit",
		"CreateCompletionSignal",
		"Submit",
	}

	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			mock := device.NewMock()
			h := newTestHarness(mock, "copy", copyKernel, time.Second)
			mock.FailOn(op, injected)

			spec := Spec{
				KernelSource: "copy",
				Inputs:       []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
				Outputs:      []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
				WorkGroups:   [3]int{1, 1, 1},
			}

			_, err := h.Run(context.Background(), spec)
			if !errors.Is(err, injected) {
				t.Fatalf("err = %v, want injected failure", err)
			}
			if mock.Outstanding() != 0 {
				t.Fatalf("leaked device objects after %s failure: %v", op, mock.Leaks())
			}
		})
	}
}

// A flush failure while populating buffers is fatal, counted under the
// populate stage rather than allocate, and must not leak.
func TestRunPopulateFlushFailure(t *testing.T) {
	injected := errors.New("injected flush failure")
	mock := device.NewMock()
	h := newTestHarness(mock, "copy", copyKernel, time.Second)
	mock.FailOn("Flush", injected)

	before := testutil.ToFloat64(metrics.DeviceErrors.WithLabelValues("populate"))

	spec := Spec{
		KernelSource: "copy",
		Inputs:       []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		Outputs:      []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		WorkGroups:   [3]int{1, 1, 1},
	}

	_, err := h.Run(context.Background(), spec)
	if !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	after := testutil.ToFloat64(metrics.DeviceErrors.WithLabelValues("populate"))
	if after != before+1 {
		t.Fatalf("populate errors = %v, want %v", after, before+1)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}

// Fresh iterations must not be corrupted by a preceding failed one.
func TestRunAfterFailedIteration(t *testing.T) {
	mock := device.NewMock()
	h := newTestHarness(mock, "copy", copyKernel, time.Second)

	bad := Spec{
		KernelSource: "copy",
		Inputs:       []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		Outputs:      []Buffer{BytesBuffer([]byte{9, 9, 9, 9})},
		WorkGroups:   [3]int{1, 1, 1},
	}
	good := Spec{
		KernelSource: "copy",
		Inputs:       []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		Outputs:      []Buffer{BytesBuffer([]byte{1, 2, 3, 4})},
		WorkGroups:   [3]int{1, 1, 1},
	}

	if res, err := h.Run(context.Background(), bad); err != nil || res.Verdict != Fail {
		t.Fatalf("first iteration: res=%+v err=%v", res, err)
	}
	if res, err := h.Run(context.Background(), good); err != nil || res.Verdict != Pass {
		t.Fatalf("second iteration: res=%+v err=%v", res, err)
	}
	if mock.Outstanding() != 0 {
		t.Fatalf("leaked device objects: %v", mock.Leaks())
	}
}
