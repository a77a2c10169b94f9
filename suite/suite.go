// Package suite loads declarative conformance suites from YAML manifests
// and runs each case through the harness, one iteration per case.
package suite

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/harness"
	"github.com/conformax/kernelconf/internal/logger"
	"github.com/conformax/kernelconf/programs"
)

// BufferLit is a typed buffer literal. Exactly one form must be set; all
// multi-byte forms are packed little-endian.
type BufferLit struct {
	Hex     string    `yaml:"hex,omitempty"`
	Uint32  []uint32  `yaml:"uint32,omitempty"`
	Float64 []float64 `yaml:"float64,omitempty"`
}

// Bytes packs the literal into its byte payload.
func (b *BufferLit) Bytes() ([]byte, error) {
	set := 0
	if b.Hex != "" {
		set++
	}
	if len(b.Uint32) > 0 {
		set++
	}
	if len(b.Float64) > 0 {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("buffer literal must set exactly one of hex, uint32, float64")
	}

	switch {
	case b.Hex != "":
		data, err := hex.DecodeString(b.Hex)
		if err != nil {
			return nil, fmt.Errorf("invalid hex literal: %w", err)
		}
		return data, nil
	case len(b.Uint32) > 0:
		data := make([]byte, 4*len(b.Uint32))
		for i, v := range b.Uint32 {
			binary.LittleEndian.PutUint32(data[4*i:], v)
		}
		return data, nil
	default:
		vec := mat.NewVecDense(len(b.Float64), b.Float64)
		return harness.VecBuffer(vec).Data, nil
	}
}

// Case is one conformance case: kernel source, inputs, expected outputs and
// dispatch dimensions. Binding slots follow declaration order, inputs first.
type Case struct {
	Name     string      `yaml:"name"`
	Kernel   string      `yaml:"kernel"`
	Inputs   []BufferLit `yaml:"inputs"`
	Outputs  []BufferLit `yaml:"outputs"`
	Dispatch [3]int      `yaml:"dispatch"`
}

// Spec converts the case into a harness specification.
func (c *Case) Spec() (harness.Spec, error) {
	spec := harness.Spec{KernelSource: c.Kernel, WorkGroups: c.Dispatch}
	for i, in := range c.Inputs {
		data, err := in.Bytes()
		if err != nil {
			return harness.Spec{}, fmt.Errorf("input %d: %w", i, err)
		}
		spec.Inputs = append(spec.Inputs, harness.BytesBuffer(data))
	}
	for i, out := range c.Outputs {
		data, err := out.Bytes()
		if err != nil {
			return harness.Spec{}, fmt.Errorf("output %d: %w", i, err)
		}
		spec.Outputs = append(spec.Outputs, harness.BytesBuffer(data))
	}
	return spec, nil
}

// Suite is a named set of cases.
type Suite struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// Load parses a suite manifest.
func Load(r io.Reader) (*Suite, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite manifest: %w", err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse suite manifest: %w", err)
	}
	if len(s.Cases) == 0 {
		return nil, fmt.Errorf("suite %q declares no cases", s.Name)
	}
	for i, c := range s.Cases {
		if c.Name == "" {
			return nil, fmt.Errorf("case %d has no name", i)
		}
		if c.Kernel == "" {
			return nil, fmt.Errorf("case %q has no kernel source", c.Name)
		}
	}
	return &s, nil
}

// Outcome is the per-case result. Err set means the case hit an
// infrastructure failure (compile failure or fatal device error), which is
// distinct from a Fail verdict.
type Outcome struct {
	Case   string
	Result harness.Result
	Err    error
}

// Passed reports whether the case ran to a Pass verdict.
func (o Outcome) Passed() bool {
	return o.Err == nil && o.Result.Verdict == harness.Pass
}

// Run compiles each case's kernel through comp, registers it under the
// compute program name, and runs one iteration per case against dev. A
// failing or fatally erroring case does not stop the remaining cases.
func (s *Suite) Run(ctx context.Context, dev device.Device, comp programs.Compiler, timeout time.Duration) []Outcome {
	outcomes := make([]Outcome, 0, len(s.Cases))
	for _, c := range s.Cases {
		outcomes = append(outcomes, s.runCase(ctx, dev, comp, timeout, c))
	}
	return outcomes
}

func (s *Suite) runCase(ctx context.Context, dev device.Device, comp programs.Compiler, timeout time.Duration, c Case) Outcome {
	spec, err := c.Spec()
	if err != nil {
		return Outcome{Case: c.Name, Err: err}
	}

	bin, err := comp.Compile(programs.ComputeProgram, spec.KernelSource)
	if err != nil {
		return Outcome{Case: c.Name, Err: fmt.Errorf("kernel compilation failed: %w", err)}
	}
	collection := programs.NewCollection()
	collection.Add(bin)

	h := harness.New(dev, collection, timeout)
	res, err := h.Run(ctx, spec)
	if err != nil {
		return Outcome{Case: c.Name, Err: err}
	}

	logger.Log.Info("case finished", "case", c.Name, "verdict", res.Verdict.String())
	return Outcome{Case: c.Name, Result: res}
}

// Summary counts outcomes by disposition.
type Summary struct {
	Passed   int
	Failed   int
	TimedOut int
	Errors   int
}

func Summarize(outcomes []Outcome) Summary {
	var sum Summary
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			sum.Errors++
		case o.Result.Verdict == harness.Pass:
			sum.Passed++
		case o.Result.Verdict == harness.TimedOut:
			sum.TimedOut++
		default:
			sum.Failed++
		}
	}
	return sum
}
