// =============================================================================
// ALLOCATION COMMAND - PREVIEW PARTITION SPLITS
// =============================================================================
//
// Runs the partition allocator the sql and memory backends use against the
// configured backend's topics, with --listeners simulated members joining
// in order, then --leave members leaving. Prints who ends up with what:
//
//   $ busctl allocation orders --listeners 3 --leave 2
//   LISTENER     PARTITIONS
//   listener-1   1,2,3
//   listener-3   4,5,6
//
// The kafka backend assigns through the broker's group protocol instead,
// so the preview is only exact for sql and memory.
//
// =============================================================================

package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"messagebus/internal/cli"
	"messagebus/internal/partition"
)

var (
	allocationListeners int
	allocationLeave     []int
)

var allocationCmd = &cobra.Command{
	Use:   "allocation <topic>",
	Short: "Show how a topic's partitions split across listeners",
	Args:  cobra.ExactArgs(1),
	RunE:  runAllocation,
}

func init() {
	allocationCmd.Flags().IntVarP(&allocationListeners, "listeners", "n", 2,
		"Number of listeners that join")
	allocationCmd.Flags().IntSliceVar(&allocationLeave, "leave", nil,
		"Listeners (1-based) that leave after everyone joined")
}

// previewListener names a simulated member.
type previewListener struct {
	index int
}

func (l *previewListener) name() string { return fmt.Sprintf("listener-%d", l.index) }

func (*previewListener) OnPartitionsAssigned(string, []int)   {}
func (*previewListener) OnPartitionsUnassigned(string, []int) {}

func runAllocation(cmd *cobra.Command, args []string) error {
	topic := args[0]
	if allocationListeners <= 0 {
		return handleError(fmt.Errorf("--listeners must be > 0"))
	}

	ctx, cancel := getContext(cmd)
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	alloc := partition.NewAllocator(partition.AllocatorConfig{Source: b, Logger: logger})
	if err := alloc.Start(ctx); err != nil {
		return handleError(err)
	}
	defer alloc.Stop()

	listeners := make([]*previewListener, allocationListeners)
	for i := range listeners {
		listeners[i] = &previewListener{index: i + 1}
		if err := alloc.Register(ctx, topic, listeners[i]); err != nil {
			return handleError(err)
		}
	}
	for _, n := range allocationLeave {
		if n < 1 || n > len(listeners) {
			return handleError(fmt.Errorf("--leave %d: no such listener", n))
		}
		if err := alloc.Unregister(ctx, topic, listeners[n-1]); err != nil {
			return handleError(err)
		}
	}

	split := alloc.Allocation(topic)
	members := make([]*previewListener, 0, len(split))
	for l := range split {
		members = append(members, l.(*previewListener))
	}
	sort.Slice(members, func(i, j int) bool { return members[i].index < members[j].index })

	out := make([]cli.Allocation, len(members))
	for i, l := range members {
		out[i] = cli.Allocation{Listener: l.name(), Partitions: split[l]}
	}
	return formatter.FormatAllocation(topic, out)
}
