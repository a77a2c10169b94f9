package harness

import "github.com/conformax/kernelconf/internal/metrics"

// releaseStack collects release functions for acquired device objects and
// runs them in reverse-acquisition order. The orchestrator defers release()
// once, so every exit path, including early failure, unwinds everything
// acquired so far.
type releaseStack struct {
	fns []func()
}

func (rs *releaseStack) push(fn func()) {
	rs.fns = append(rs.fns, fn)
	metrics.DeviceObjectsLive.Inc()
}

func (rs *releaseStack) release() {
	for i := len(rs.fns) - 1; i >= 0; i-- {
		rs.fns[i]()
		metrics.DeviceObjectsLive.Dec()
	}
	rs.fns = nil
}
