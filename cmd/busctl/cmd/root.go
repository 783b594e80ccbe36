// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// busctl talks to the bus backend directly, the same way services do: it
// loads the bus config, opens the configured backend, creates the
// bootstrap topics and then runs one command.
//
// GLOBAL FLAGS:
//   --config         Config file (env: MESSAGEBUS_CONFIG, default ~/.messagebus/config.yaml)
//   --backend        Override backend.kind: kafka, sql, memory
//   --brokers        Override backend.brokers (comma-separated)
//   --dsn            Override backend.dsn
//   --output, -o     Output format: table, json, yaml (default: table)
//   --timeout        Command timeout (default: 30s; serve and consume -f ignore it)
//   --log-level      Override log.level
//
// SUBCOMMANDS:
//   topic        Manage topics (list, create, compact)
//   produce      Publish records
//   consume      Read records
//   offsets      Show a group's committed offsets
//   allocation   Show how partitions split across listeners
//   serve        Run the HTTP server (sync RPC, health, metrics)
//   version      Show version information
//   keygen       Generate an API key
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"messagebus/internal/backend"
	"messagebus/internal/bus"
	"messagebus/internal/cli"
	"messagebus/internal/config"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	// Global flags
	configFlag   string
	backendFlag  string
	brokersFlag  []string
	dsnFlag      string
	outputFlag   string
	timeoutFlag  time.Duration
	logLevelFlag string

	// lookupEnv reads MESSAGEBUS_* overrides. Tests replace it.
	lookupEnv config.LookupFunc = os.LookupEnv

	// Shared instances
	busConfig *config.Config
	logger    *slog.Logger
	formatter *cli.Formatter
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "busctl",
	Short: "Command-line interface for the message bus",
	Long: `busctl - inspect and drive a message bus from the command line.

The bus runs on a native broker (kafka), a relational database (sql) or
in-process memory. busctl reads the same config file services use.

Use "busctl [command] --help" for more information about a command.`,
	PersistentPreRunE: initialize,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"Config file (env: MESSAGEBUS_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "",
		"Backend kind: kafka, sql, memory (env: MESSAGEBUS_BACKEND)")
	rootCmd.PersistentFlags().StringSliceVar(&brokersFlag, "brokers", nil,
		"Kafka seed brokers (env: MESSAGEBUS_BROKERS)")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "",
		"SQL database path (env: MESSAGEBUS_DSN)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second,
		"Command timeout")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error")

	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(offsetsCmd)
	rootCmd.AddCommand(allocationCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// initialize loads config with flag > env > file > defaults precedence and
// builds the logger and formatter.
func initialize(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format, cmd.OutOrStdout())

	switch cmd.Name() {
	case "version", "keygen":
		return nil
	}

	c, err := config.LoadFile(config.ResolvePath(configFlag))
	if err != nil {
		return err
	}
	if err := c.ApplyEnv(lookupEnv); err != nil {
		return err
	}
	applyFlags(c)
	if err := c.Validate(); err != nil {
		return err
	}
	busConfig = c

	logger, err = config.NewLogger(c.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return nil
}

func applyFlags(c *config.Config) {
	if backendFlag != "" {
		c.Backend.Kind = backendFlag
	}
	if len(brokersFlag) > 0 {
		c.Backend.Brokers = brokersFlag
	}
	if dsnFlag != "" {
		c.Backend.DSN = dsnFlag
	}
	if logLevelFlag != "" {
		c.Log.Level = logLevelFlag
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// getContext returns a context bounded by --timeout.
func getContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeoutFlag)
}

// openBackend opens the configured backend and creates bootstrap topics.
func openBackend(ctx context.Context) (backend.Backend, error) {
	b, err := bus.Open(ctx, busConfig, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", busConfig.Backend.Kind, err)
	}
	if err := bus.Bootstrap(ctx, b, busConfig.Topics); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// handleError prints an error and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
