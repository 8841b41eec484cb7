package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/elvis-sim/elvis/internal/metrics"
)

// ExitCode mirrors the process exit status Run hands back to main.
type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1
)

// processMetrics is the one registry demo scenarios publish their protocol
// collectors to. A CLI entry point, unlike the simulation core, is allowed a
// package-level singleton for this: there's exactly one process, and exactly
// one /metrics endpoint to serve it from.
var processMetrics = metrics.NewRegistry()

// Run builds and executes the elvis root command. It never exits the
// process itself, so callers (main, tests) control that.
func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:   "elvis",
		Short: "A discrete-event network simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	var metricsAddr string
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"if set, serve Prometheus metrics on this address for the duration of the run (e.g. :9090)")

	rootCmd.AddCommand(NewRunCmd().Command())

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if metricsAddr != "" {
			serveMetrics(cmd.Context(), metricsAddr)
		}
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// serveMetrics starts a background HTTP server exposing the process's
// registered Prometheus collectors, for the life of the run. It is wired
// only here, in the CLI — the simulation core (internal/) never imports
// net/http.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(processMetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() { _ = srv.ListenAndServe() }()
}
