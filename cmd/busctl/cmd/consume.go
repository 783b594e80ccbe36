// =============================================================================
// CONSUME COMMAND - READ RECORDS
// =============================================================================
//
// USAGE:
//   busctl consume <topic> [flags]
//
// Without --follow the command reads until it has caught up with the end of
// every partition (or --limit records) and exits. With --group the offsets
// after the printed records are committed, so the next run continues where
// this one stopped.
//
// EXAMPLES:
//   busctl consume orders
//   busctl consume orders --from latest -f
//   busctl consume orders --group audit -n 100
//   busctl consume orders --partition 2 -o json
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"messagebus/internal/backend"
	"messagebus/pkg/messaging"
)

var (
	consumeGroup      string
	consumeFrom       string
	consumeLimit      int
	consumeFollow     bool
	consumePartitions []int
)

var consumeCmd = &cobra.Command{
	Use:   "consume <topic>",
	Short: "Read records from a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsume,
}

func init() {
	consumeCmd.Flags().StringVarP(&consumeGroup, "group", "g", "",
		"Consumer group (commits offsets when set)")
	consumeCmd.Flags().StringVar(&consumeFrom, "from", "earliest",
		"Start position without a commit: earliest, latest, committed")
	consumeCmd.Flags().IntVarP(&consumeLimit, "limit", "n", 0,
		"Maximum records to read (0 = no limit)")
	consumeCmd.Flags().BoolVarP(&consumeFollow, "follow", "f", false,
		"Keep reading new records until interrupted")
	consumeCmd.Flags().IntSliceVar(&consumePartitions, "partition", nil,
		"Read only these partitions (no group)")
}

func parseStart(s string) (backend.StartPosition, error) {
	switch s {
	case "earliest", "":
		return backend.StartEarliest, nil
	case "latest":
		return backend.StartLatest, nil
	case "committed":
		return backend.StartCommitted, nil
	default:
		return 0, fmt.Errorf("--from must be earliest, latest or committed, got %q", s)
	}
}

func runConsume(cmd *cobra.Command, args []string) error {
	start, err := parseStart(consumeFrom)
	if err != nil {
		return handleError(err)
	}
	if consumeGroup != "" && len(consumePartitions) > 0 {
		return handleError(fmt.Errorf("--partition cannot be combined with --group"))
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if consumeFollow {
		ctx, cancel = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	} else {
		ctx, cancel = getContext(cmd)
	}
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{
		Group:      consumeGroup,
		Topic:      args[0],
		Partitions: consumePartitions,
		Start:      start,
		BatchSize:  busConfig.Subscription.BatchSize,
	})
	if err != nil {
		return handleError(err)
	}
	defer c.Close()

	var collected []messaging.ConsumedRecord
	read := 0
	for {
		records, err := c.Poll(ctx, busConfig.Subscription.PollTimeout)
		if err != nil {
			if consumeFollow && ctx.Err() != nil {
				return nil
			}
			return handleError(err)
		}
		if consumeLimit > 0 && read+len(records) > consumeLimit {
			records = records[:consumeLimit-read]
		}
		read += len(records)

		if len(records) > 0 {
			if consumeGroup != "" {
				if err := c.Commit(ctx, records); err != nil {
					return handleError(err)
				}
			}
			if consumeFollow {
				if err := formatter.FormatRecords(records); err != nil {
					return err
				}
			} else {
				collected = append(collected, records...)
			}
		}

		if consumeLimit > 0 && read >= consumeLimit {
			break
		}
		if !consumeFollow {
			done, err := backend.CaughtUp(ctx, c)
			if err != nil {
				return handleError(err)
			}
			if done {
				break
			}
		}
	}

	if consumeFollow {
		return nil
	}
	return formatter.FormatRecords(collected)
}
