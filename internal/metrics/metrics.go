package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelconf_iterations_total",
		Help: "Total conformance iterations by verdict",
	}, []string{"verdict"})

	IterationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kernelconf_iteration_duration_seconds",
		Help: "Duration of full conformance iterations",
	})

	SubmitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernelconf_submit_wait_seconds",
		Help:    "Time between command submission and completion signal",
		Buckets: prometheus.DefBuckets,
	})

	DeviceBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelconf_device_bytes_allocated",
		Help: "Current bytes of device memory held by live iterations",
	})

	DeviceObjectsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelconf_device_objects_live",
		Help: "Device objects acquired and not yet released",
	})

	DeviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelconf_device_errors_total",
		Help: "Fatal device errors by orchestration stage",
	}, []string{"stage"})
)
