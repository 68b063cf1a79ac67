// Package main implements the atelprobe CLI for verifying a telemetry
// configuration from the command line: endpoint reachability checks and a
// console-exporter smoke test.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/atel"
)

var (
	// endpoint is the default collector endpoint under test
	endpoint string
	// timeout bounds the reachability probes
	timeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "atelprobe",
	Short: "CLI for verifying atel telemetry configuration",
	Long: `atelprobe verifies a telemetry setup without touching application code.
It probes collector reachability and can emit a test metric through the
console exporter.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "http://localhost:4318", "default collector endpoint")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 4*time.Second, "probe timeout")
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(emitCmd)
}

// probeCmd checks internet and collector reachability
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check internet and collector reachability",
	Long: `Check general internet reachability and whether the configured
collector endpoint accepts TCP connections.

Examples:
  # Probe the default endpoint
  atelprobe probe

  # Probe a different collector
  atelprobe probe --endpoint grpcs://otel.example.com:4317`,
	RunE: runProbe,
}

// emitCmd initializes the metrics pipeline against the console exporter
// and emits one counter increment
var emitCmd = &cobra.Command{
	Use:   "emit [metric]",
	Short: "Emit a test metric through the console exporter",
	Long: `Initialize the metrics pipeline with the console exporter and emit a
single counter increment, printing the exported batch to stdout.

Examples:
  # Emit the default test metric
  atelprobe emit

  # Emit a named metric
  atelprobe emit startup_check`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmit,
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg := atel.NewConfiguration(endpoint)
	if err := cfg.Err(); err != nil {
		return err
	}

	report, err := atel.CheckConnectivity(cfg, timeout)
	if err != nil {
		return err
	}
	fmt.Printf("internet:  %s\n", reachable(report.Internet))
	fmt.Printf("collector: %s (%s)\n", reachable(report.Collector), endpoint)
	if !report.Collector {
		return fmt.Errorf("collector endpoint %s is unreachable", endpoint)
	}
	return nil
}

func runEmit(cmd *cobra.Command, args []string) error {
	metric := "atelprobe_test"
	if len(args) == 1 {
		metric = args[0]
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := atel.NewConfiguration(endpoint).
		SetConsoleExporter(true).
		SetSkipInternetCheck(true)
	attrs, err := atel.NewResourceAttributes("atelprobe", version)
	if err != nil {
		return err
	}

	controller := atel.NewController()
	if err := controller.Initialize(ctx, cfg, attrs, atel.SignalMetrics); err != nil {
		return err
	}
	defer controller.Shutdown(ctx)

	if err := controller.IncrementCounter(ctx, metric, 1, nil); err != nil {
		return err
	}
	return controller.ForceFlush(ctx)
}

func reachable(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}
