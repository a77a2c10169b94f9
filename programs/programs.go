// Package programs holds pre-built kernel binaries for the harness. The
// harness never compiles kernel source itself; the enclosing framework
// compiles each case's source through a Compiler and registers the result
// under a symbolic name before the iteration runs.
package programs

import (
	"errors"
	"fmt"
)

const (
	// ComputeProgram is the symbolic name the harness retrieves the kernel
	// binary under.
	ComputeProgram = "compute"
	// EntryPoint is the fixed kernel entry point name.
	EntryPoint = "main"
)

// ErrNotFound is returned by Collection.Get for unregistered program names.
var ErrNotFound = errors.New("programs: binary not found")

// Binary is a compiled kernel program.
type Binary struct {
	Name string
	Code []byte
}

// Compiler turns textual kernel source into a Binary. Implementations are
// external collaborators: an OCCA pass-through, or a test compiler that tags
// sources for a mock device.
type Compiler interface {
	Compile(name, source string) (Binary, error)
}

// Collection is a named set of pre-built binaries.
type Collection struct {
	binaries map[string]Binary
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{binaries: make(map[string]Binary)}
}

// Add registers a binary under its name, replacing any previous entry.
func (c *Collection) Add(b Binary) {
	c.binaries[b.Name] = b
}

// Get retrieves a binary by name.
func (c *Collection) Get(name string) (Binary, error) {
	b, ok := c.binaries[name]
	if !ok {
		return Binary{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return b, nil
}

// SourceCompiler is the pass-through compiler for providers that build
// kernels from source at kernel-object creation time (the OCCA provider).
type SourceCompiler struct{}

func (SourceCompiler) Compile(name, source string) (Binary, error) {
	if source == "" {
		return Binary{}, fmt.Errorf("empty kernel source for %q", name)
	}
	return Binary{Name: name, Code: []byte(source)}, nil
}
