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
	"github.com/perfectstorm/storm/pkg/handler"
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
	Use:   "storm-docker",
	Short: "Perfect Storm docker trigger handler",
	Long: `storm-docker claims recipe triggers from the API server and executes
docker recipes against the local engine, publishing created resources
back to the store.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().Duration("poll-interval", time.Second, "Trigger dequeue interval")
	rootCmd.Flags().String("server", "", "API server URL (default $STORM_APISERVER or "+api.DefaultServer+")")
	rootCmd.Flags().String("docker-host", "", "Docker daemon address (default from environment)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Emit JSON logs")
	rootCmd.Flags().String("diag-addr", "", "Diagnostics listen address (empty disables)")
}

func run(cmd *cobra.Command, args []string) error {
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	server, _ := cmd.Flags().GetString("server")
	dockerHost, _ := cmd.Flags().GetString("docker-host")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	diagAddr, _ := cmd.Flags().GetString("diag-addr")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	if server == "" {
		server = os.Getenv("STORM_APISERVER")
	}
	client := api.NewClient(api.Config{Server: server})

	engine, err := handler.NewDockerEngine(dockerHost)
	if err != nil {
		return err
	}
	defer engine.Close()

	diagSrv := diag.NewServer(diagAddr)
	diagSrv.Start()
	defer diagSrv.Stop()

	host := handler.NewHost(client)
	host.PollInterval = pollInterval
	host.Register(&handler.DockerHandler{API: client, Engine: engine})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	diagSrv.SetReady(true)
	return host.Run(ctx)
}
