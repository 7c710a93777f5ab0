package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cancelOwner string
	cancelID    string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel one or all active items of a user",
	Long: `Cancel one active item (--id) or every active item of a user.

A unit already running finishes, but its result is not counted.

Examples:
  genqueued cancel --owner user-42
  genqueued cancel --owner user-42 --id 0192f7a4-...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := jobGateway.Cancel(cmd.Context(), cancelOwner, cancelID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d item(s).\n", n)
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelOwner, "owner", "", "owner id (required)")
	cancelCmd.Flags().StringVar(&cancelID, "id", "", "item id; all active items when empty")
	_ = cancelCmd.MarkFlagRequired("owner")
}
