// =============================================================================
// TOPIC COMMANDS - MANAGE TOPICS
// =============================================================================
//
// COMMANDS:
//   busctl topic list                    List all topics
//   busctl topic create <name>           Create a topic
//   busctl topic compact <name>          Drop superseded keys (sql backend)
//
// EXAMPLES:
//   busctl topic create orders -p 6
//   busctl topic create order-state -p 6 --compacted
//   busctl topic list -o json
//
// Partition counts never change after creation: the key -> partition
// mapping depends on them.
//
// =============================================================================

package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"messagebus/internal/bus"
	"messagebus/internal/cli"
	"messagebus/pkg/messaging"
)

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage topics",
}

func init() {
	topicCmd.AddCommand(topicListCmd)
	topicCmd.AddCommand(topicCreateCmd)
	topicCmd.AddCommand(topicCompactCmd)

	topicCreateCmd.Flags().IntVarP(&topicPartitions, "partitions", "p", 3,
		"Number of partitions")
	topicCreateCmd.Flags().BoolVar(&topicCompacted, "compacted", false,
		"Keep only the latest record per key")
}

// =============================================================================
// TOPIC LIST
// =============================================================================

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all topics",
	Args:  cobra.NoArgs,
	RunE:  runTopicList,
}

func runTopicList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := getContext(cmd)
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	topics, err := b.Topics(ctx)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatTopics(topics)
}

// =============================================================================
// TOPIC CREATE
// =============================================================================

var (
	topicPartitions int
	topicCompacted  bool
)

var topicCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a topic",
	Long: `Create a topic. Creating an existing topic with the same partition count
succeeds without changes.

Examples:
  busctl topic create orders -p 6
  busctl topic create order-state -p 6 --compacted`,
	Args: cobra.ExactArgs(1),
	RunE: runTopicCreate,
}

func runTopicCreate(cmd *cobra.Command, args []string) error {
	if topicPartitions <= 0 {
		return handleError(errors.New("--partitions must be > 0"))
	}
	ctx, cancel := getContext(cmd)
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	info := messaging.TopicInfo{Name: args[0], Partitions: topicPartitions, Compacted: topicCompacted}
	if err := b.CreateTopic(ctx, info); err != nil {
		return handleError(err)
	}
	cli.PrintSuccess(cmd.OutOrStdout(), "Topic %s ready with %d partitions", info.Name, info.Partitions)
	return nil
}

// =============================================================================
// TOPIC COMPACT
// =============================================================================

var topicCompactCmd = &cobra.Command{
	Use:   "compact <name>",
	Short: "Remove superseded records from a compacted topic",
	Long: `Remove every record whose key has a later record in the same partition.
Kafka compacts on the broker, so this only does work on the sql backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runTopicCompact,
}

func runTopicCompact(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext(cmd)
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	n, err := bus.Compact(ctx, b, args[0])
	if err != nil {
		return handleError(err)
	}
	cli.PrintSuccess(cmd.OutOrStdout(), "Compacted %s: %d records removed", args[0], n)
	return nil
}
