// =============================================================================
// BUSCTL - MAIN ENTRY POINT
// =============================================================================
//
// USAGE:
//   busctl [command] [subcommand] [flags]
//
// EXAMPLES:
//   busctl topic list                          # List all topics
//   busctl topic create orders -p 6            # Create topic with 6 partitions
//   busctl produce orders -k user-1 -m hello   # Publish a record
//   busctl consume orders --group audit        # Read and commit
//   busctl allocation orders --listeners 3     # Preview a partition split
//   busctl serve                               # HTTP: sync RPC, health, metrics
//
// CONFIGURATION:
//   Config file: ~/.messagebus/config.yaml
//   Env vars: MESSAGEBUS_CONFIG, MESSAGEBUS_BACKEND, MESSAGEBUS_DSN, ...
//
// =============================================================================

package main

import (
	"os"

	"messagebus/cmd/busctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
