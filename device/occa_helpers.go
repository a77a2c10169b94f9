package device

import "fmt"

// DefaultBackends is the probe order used when no device properties are
// given: prefer parallel backends, fall back to Serial.
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// ProbeOCCA creates an OCCA provider from the first backend in props that
// initializes successfully. With no arguments it probes DefaultBackends.
func ProbeOCCA(props ...string) (*OCCA, error) {
	if len(props) == 0 {
		props = DefaultBackends
	}
	var lastErr error
	for _, p := range props {
		dev, err := NewOCCA(p)
		if err == nil {
			return dev, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no OCCA backend available: %w", lastErr)
}
