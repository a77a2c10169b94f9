package harness

import (
	"fmt"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/internal/metrics"
)

// deviceBuffer owns a (memory allocation, buffer handle) pair for the
// duration of one iteration. The allocation is host-visible and the buffer
// is bound at offset 0.
type deviceBuffer struct {
	mem  device.Memory
	buf  device.Buffer
	size int64
}

// allocateBuffer creates storage of exactly size bytes and binds a buffer
// handle to it. On a partial failure everything acquired so far is released
// before the error is returned.
func allocateBuffer(dev device.Device, size int64) (*deviceBuffer, error) {
	mem, err := dev.AllocateMemory(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d bytes: %w", size, err)
	}

	buf, err := dev.CreateBuffer(size)
	if err != nil {
		mem.Free()
		return nil, fmt.Errorf("failed to create buffer of %d bytes: %w", size, err)
	}

	if err := dev.BindBufferMemory(buf, mem, 0); err != nil {
		buf.Free()
		mem.Free()
		return nil, fmt.Errorf("failed to bind buffer memory: %w", err)
	}

	metrics.DeviceBytesAllocated.Add(float64(size))
	return &deviceBuffer{mem: mem, buf: buf, size: size}, nil
}

// write copies data into the host view and flushes the written range so it
// becomes visible to the device.
func (db *deviceBuffer) write(data []byte) error {
	if int64(len(data)) > db.size {
		return fmt.Errorf("write of %d bytes into buffer of %d bytes", len(data), db.size)
	}
	copy(db.mem.Bytes(), data)
	if err := db.mem.Flush(0, int64(len(data))); err != nil {
		return fmt.Errorf("failed to flush %d written bytes: %w", len(data), err)
	}
	return nil
}

// zero fills the host view with zero bytes and flushes the full range.
func (db *deviceBuffer) zero() error {
	host := db.mem.Bytes()
	for i := range host {
		host[i] = 0
	}
	if err := db.mem.Flush(0, db.size); err != nil {
		return fmt.Errorf("failed to flush %d zeroed bytes: %w", db.size, err)
	}
	return nil
}

// read makes device writes visible in the host view and returns the first
// n bytes of it.
func (db *deviceBuffer) read(n int64) ([]byte, error) {
	if err := db.mem.Invalidate(0, n); err != nil {
		return nil, fmt.Errorf("failed to invalidate %d bytes: %w", n, err)
	}
	return db.mem.Bytes()[:n], nil
}

func (db *deviceBuffer) free() {
	db.buf.Free()
	db.mem.Free()
	metrics.DeviceBytesAllocated.Sub(float64(db.size))
}
