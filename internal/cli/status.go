package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mohans/genqueue/genqueue"
)

var statusOwner string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a user's active generation items",
	Long: `Show a user's active generation items and their aggregate progress.

Examples:
  genqueued status --owner user-42`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusOwner, "owner", "", "owner id (required)")
	_ = statusCmd.MarkFlagRequired("owner")
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := jobGateway.Status(cmd.Context(), statusOwner)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(out io.Writer, st genqueue.QueueStatus) {
	if len(st.Items) == 0 {
		fmt.Fprintln(out, "No active items.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDONE\tERRORS\tTARGET\tDISCIPLINE\tTOPIC\tMODALITY")
	for _, it := range st.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			it.ID, it.Status, it.Done, it.Errors, it.Target, it.Spec.Discipline, it.Spec.Topic, it.Spec.Modality)
	}
	_ = w.Flush()
	p := st.Progress
	fmt.Fprintf(out, "\n%d pending, %d processing: %d/%d done, %d errors\n",
		p.PendingCount, p.ProcessingCount, p.TotalDone, p.TotalTarget, p.TotalErrors)
}
