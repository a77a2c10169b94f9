// Package harness executes a single compute-kernel conformance iteration
// against a device: allocate and populate buffers, bind them to kernel
// slots, build a pipeline, record and submit a one-shot command unit, wait
// for completion, and byte-compare the outputs against expectations. Every
// device object acquired during an iteration is released on every exit
// path, success or failure.
package harness

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Buffer is a plain byte payload for an input or an expected output.
type Buffer struct {
	Data []byte
}

// NumBytes returns the payload length.
func (b Buffer) NumBytes() int64 { return int64(len(b.Data)) }

// BytesBuffer wraps raw bytes.
func BytesBuffer(data []byte) Buffer {
	return Buffer{Data: append([]byte(nil), data...)}
}

// Uint32Buffer packs values as little-endian 32-bit words.
func Uint32Buffer(values ...uint32) Buffer {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return Buffer{Data: data}
}

// Float64Buffer packs values as little-endian IEEE-754 doubles.
func Float64Buffer(values []float64) Buffer {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return Buffer{Data: data}
}

// VecBuffer packs a gonum vector as little-endian doubles.
func VecBuffer(v mat.Vector) Buffer {
	values := make([]float64, v.Len())
	for i := range values {
		values[i] = v.AtVec(i)
	}
	return Float64Buffer(values)
}

// Spec is the declarative description of one conformance iteration.
//
// Binding slots are positional: slot i refers to the i-th buffer in the
// concatenated inputs-then-outputs sequence. The kernel source must be
// written against that assignment.
type Spec struct {
	// KernelSource is the textual kernel program. The harness itself never
	// compiles it; the enclosing framework compiles it and registers the
	// binary in the collection the harness reads from.
	KernelSource string

	// Inputs are populated into device buffers before dispatch, in order.
	Inputs []Buffer

	// Outputs hold the expected contents of the output buffers. The device
	// buffers themselves are zeroed before dispatch.
	Outputs []Buffer

	// WorkGroups are the dispatch work-group counts per axis.
	WorkGroups [3]int
}

// NumBindings returns the binding slot count for the spec.
func (s *Spec) NumBindings() int { return len(s.Inputs) + len(s.Outputs) }

// Validate rejects specifications the harness must not attempt to run.
// An empty output list is invalid, not a vacuous pass.
func (s *Spec) Validate() error {
	if len(s.Outputs) == 0 {
		return fmt.Errorf("specification declares no output buffers")
	}
	for i, n := range s.WorkGroups {
		if n < 0 {
			return fmt.Errorf("negative work-group count %d on axis %d", n, i)
		}
	}
	return nil
}
