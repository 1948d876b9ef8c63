package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/settle/internal/app/reconcile"
	"github.com/tutu-network/settle/internal/domain"
)

// ErrDivergence is returned by `reconcile run --fail-on-divergence` when the
// run found something to investigate.
var ErrDivergence = errors.New("reconciliation found divergences")

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileRunCmd)
	reconcileCmd.AddCommand(reconcileHistoryCmd)

	reconcileRunCmd.Flags().BoolVar(&failOnDivergence, "fail-on-divergence", false, "exit non-zero when any check diverges")
	reconcileHistoryCmd.Flags().IntVar(&historyLimit, "limit", reconcile.DefaultHistoryLimit, "number of runs to show")
}

var (
	failOnDivergence bool
	historyLimit     int
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit the ledger",
}

var reconcileRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every reconciliation check once",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	run, err := d.Reconcile.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	printRun(cmd, run)
	if failOnDivergence && !run.Passed() {
		return ErrDivergence
	}
	return nil
}

func printRun(cmd *cobra.Command, run domain.ReconciliationRun) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range run.Checks {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Name, c.Status, c.Details)
	}
	tw.Flush()
	for _, div := range run.Divergences {
		fmt.Fprintf(out, "  ⚠️  %s\n", div)
	}
}

var reconcileHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent reconciliation runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runReconcileHistory,
}

func runReconcileHistory(cmd *cobra.Command, _ []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	runs, err := d.Reconcile.GetHistory(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No reconciliation runs yet.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tDIVERGENCES")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.ID, r.StartedAt.UTC().Format("2006-01-02 15:04:05"), r.Status, len(r.Divergences))
	}
	return tw.Flush()
}
