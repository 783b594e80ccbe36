package cmd

import (
	"github.com/spf13/cobra"
)

var offsetsCmd = &cobra.Command{
	Use:   "offsets <group>",
	Short: "Show a group's committed offsets",
	Long: `Show the committed offset of every partition a group has committed.
The committed offset is the next offset the group will read.

Examples:
  busctl offsets billing
  busctl offsets billing -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runOffsets,
}

func runOffsets(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext(cmd)
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	offsets, err := b.CommittedOffsets(ctx, args[0])
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatOffsets(args[0], offsets)
}
