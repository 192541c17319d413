package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/confman/pkg/stores"
)

func newAuditCommand(version string) *cobra.Command {
	var (
		pid    string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the store audit trail",
		Long: `Show the mutations applied to the store, newest first.

Every create, update and delete written by the command queue is recorded
with the resulting version and properties.`,
		Example: `  # Show the last 20 mutations
  confman audit

  # Show the history of one pid
  confman audit --pid org.example.http --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, version, modeStore)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			var filter *string
			if pid != "" {
				filter = &pid
			}
			entries, err := a.store.ListAuditEntries(cmd.Context(), filter, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list audit entries: %w", err)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeAudit(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&pid, "pid", "", "only show entries for this pid")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")

	return cmd
}

func writeAudit(w io.Writer, entries []*stores.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tACTION\tPID\tVERSION")
	for _, e := range entries {
		pid := e.PID
		if e.FactoryPID != nil && e.FactoryInstance != nil {
			pid = fmt.Sprintf("%s (%s~%s)", e.PID, *e.FactoryPID, *e.FactoryInstance)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", e.ID, e.Timestamp.Format(time.RFC3339), e.Action, pid, e.Version)
	}
	return tw.Flush()
}
