// kernelconf runs a YAML conformance suite of compute-kernel cases against
// an OCCA device and reports a verdict per case.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conformax/kernelconf/device"
	"github.com/conformax/kernelconf/internal/config"
	"github.com/conformax/kernelconf/internal/logger"
	"github.com/conformax/kernelconf/programs"
	"github.com/conformax/kernelconf/suite"
)

func main() {
	cfg := config.Default()
	var suitePath string

	flag.StringVar(&suitePath, "suite", "", "path to the suite manifest (required)")
	flag.StringVar(&cfg.Device, "device", "", `OCCA device properties JSON, e.g. {"mode": "Serial"} (default: probe)`)
	flag.DurationVar(&cfg.WaitTimeout, "timeout", cfg.WaitTimeout, "bounded wait per iteration")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (disabled if empty)")
	flag.Parse()

	if err := run(cfg, suitePath); err != nil {
		fmt.Fprintf(os.Stderr, "kernelconf: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, suitePath string) error {
	if suitePath == "" {
		return fmt.Errorf("-suite is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Log.Error("metrics endpoint failed", "error", err.Error())
			}
		}()
	}

	f, err := os.Open(suitePath)
	if err != nil {
		return fmt.Errorf("failed to open suite manifest: %w", err)
	}
	defer f.Close()

	s, err := suite.Load(f)
	if err != nil {
		return err
	}

	var dev *device.OCCA
	if cfg.Device != "" {
		dev, err = device.NewOCCA(cfg.Device)
	} else {
		dev, err = device.ProbeOCCA()
	}
	if err != nil {
		return err
	}
	defer dev.Free()
	logger.Log.Info("device ready", "mode", dev.Mode())

	start := time.Now()
	outcomes := s.Run(context.Background(), dev, programs.SourceCompiler{}, cfg.WaitTimeout)
	sum := suite.Summarize(outcomes)

	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			fmt.Printf("ERROR     %-40s %v\n", o.Case, o.Err)
		case o.Passed():
			fmt.Printf("PASS      %-40s\n", o.Case)
		default:
			fmt.Printf("%-9s %-40s %s\n", strings.ToUpper(o.Result.Verdict.String()), o.Case, o.Result.Reason)
		}
	}
	fmt.Printf("\n%d passed, %d failed, %d timed out, %d errors in %v\n",
		sum.Passed, sum.Failed, sum.TimedOut, sum.Errors, time.Since(start).Round(time.Millisecond))

	if sum.Passed != len(outcomes) {
		return fmt.Errorf("suite %q did not pass", s.Name)
	}
	return nil
}
