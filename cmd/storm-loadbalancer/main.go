package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perfectstorm/storm/pkg/api"
	"github.com/perfectstorm/storm/pkg/diag"
	"github.com/perfectstorm/storm/pkg/executor"
	"github.com/perfectstorm/storm/pkg/loadbalancer"
	"github.com/perfectstorm/storm/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storm-loadbalancer",
	Short: "Perfect Storm load-balancer executor",
	Long: `storm-loadbalancer runs one HAProxy instance per exposed application
service and keeps each instance's backend slots in sync with the members
backing the service.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringP("nodes-pool", "n", "", "Nodes group this executor manages (required)")
	rootCmd.Flags().Duration("poll-interval", time.Second, "Convergence loop tick interval")
	rootCmd.Flags().String("server", "", "API server URL (default $STORM_APISERVER or "+api.DefaultServer+")")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Emit JSON logs")
	rootCmd.Flags().String("diag-addr", "", "Diagnostics listen address (empty disables)")
	_ = rootCmd.MarkFlagRequired("nodes-pool")
}

func run(cmd *cobra.Command, args []string) error {
	pool, _ := cmd.Flags().GetString("nodes-pool")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	server, _ := cmd.Flags().GetString("server")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	diagAddr, _ := cmd.Flags().GetString("diag-addr")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	if server == "" {
		server = os.Getenv("STORM_APISERVER")
	}
	client := api.NewClient(api.Config{Server: server})

	diagSrv := diag.NewServer(diagAddr)
	diagSrv.Start()
	defer diagSrv.Stop()

	exec := loadbalancer.NewExecutor(loadbalancer.Config{
		API:  client,
		Pool: pool,
	})

	loop := executor.NewPollingExecutor(exec.Reconciler())
	loop.PollInterval = pollInterval

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	diagSrv.SetReady(true)
	return loop.Execute(ctx)
}
